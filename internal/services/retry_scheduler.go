package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// RetryScheduler periodically redrives the retry queue against the search
// service. It calls the raw client, not the breaker wrapper, so a failed
// redelivery increments the row's attempt counter instead of enqueueing a
// duplicate.
type RetryScheduler struct {
	cron      *cron.Cron
	queue     *FailedRequestService
	client    searchclient.SearchClient
	batchSize int
	timeout   time.Duration

	embedInterval  time.Duration
	deleteInterval time.Duration

	embedRunning  atomic.Bool
	deleteRunning atomic.Bool
	stopChan      chan struct{}
}

// NewRetryScheduler creates the scheduler. client must be the unwrapped
// search client.
func NewRetryScheduler(queue *FailedRequestService, client searchclient.SearchClient, cfg *config.Config) *RetryScheduler {
	return &RetryScheduler{
		cron:           cron.New(),
		queue:          queue,
		client:         client,
		batchSize:      cfg.RetryBatchSize,
		timeout:        cfg.SearchTimeout,
		embedInterval:  cfg.RetryEmbedInterval,
		deleteInterval: cfg.RetryDeleteInterval,
		stopChan:       make(chan struct{}),
	}
}

// Start registers the cron jobs and begins scheduling.
func (s *RetryScheduler) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.embedInterval), func() {
		if _, _, err := s.RunEmbedRetries(context.Background()); err != nil {
			logger.Errorf("Embed retry job failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule embed retry job: %w", err)
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.deleteInterval), func() {
		if _, _, err := s.RunDeletionRetries(context.Background()); err != nil {
			logger.Errorf("Index deletion retry job failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule index deletion retry job: %w", err)
	}

	s.cron.Start()
	logger.Infof("Retry scheduler started (embeds @every %s, deletions @every %s)", s.embedInterval, s.deleteInterval)
	return nil
}

// Stop cancels the schedule and waits up to 10 seconds for a running job to
// finish its current row.
func (s *RetryScheduler) Stop() {
	close(s.stopChan)
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		logger.Warnf("Retry scheduler: jobs still running after shutdown grace period")
	}
	logger.Infof("Retry scheduler stopped")
}

// stopping reports whether shutdown has been requested. Checked between rows
// so a long batch does not hold up process exit.
func (s *RetryScheduler) stopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// RunEmbedRetries processes one batch of pending embed rows. Also invoked
// directly by the admin trigger endpoint. Returns (processed, succeeded).
func (s *RetryScheduler) RunEmbedRetries(ctx context.Context) (int, int, error) {
	if !s.embedRunning.CompareAndSwap(false, true) {
		logger.Debugf("Embed retry job already running, skipping")
		return 0, 0, nil
	}
	defer s.embedRunning.Store(false)

	pending, err := s.queue.PendingEmbeds(s.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	logger.Infof("Embed retry job: %d pending rows", len(pending))

	processed, succeeded := 0, 0
	for _, row := range pending {
		if s.stopping() || ctx.Err() != nil {
			break
		}

		claimed, err := s.queue.ClaimEmbed(row.ID)
		if err != nil {
			logger.Errorf("Failed to claim embed row %d: %v", row.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		processed++

		req, err := DecodeEmbedPayload(row)
		if err != nil {
			// Undeliverable payload, burn an attempt so it eventually settles
			logger.Errorf("Embed row %d: %v", row.ID, err)
			if markErr := s.queue.MarkEmbedFailed(row.ID, row.RetryCount, err); markErr != nil {
				logger.Errorf("Failed to settle embed row %d: %v", row.ID, markErr)
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		callErr := s.client.EmbedImages(callCtx, req)
		cancel()

		if callErr != nil {
			if markErr := s.queue.MarkEmbedFailed(row.ID, row.RetryCount, callErr); markErr != nil {
				logger.Errorf("Failed to settle embed row %d: %v", row.ID, markErr)
			}
			continue
		}

		if err := s.queue.MarkEmbedSucceeded(row.ID); err != nil {
			logger.Errorf("Failed to settle embed row %d: %v", row.ID, err)
			continue
		}
		succeeded++
	}

	logger.Infof("Embed retry job done: %d processed, %d succeeded", processed, succeeded)
	return processed, succeeded, nil
}

// RunDeletionRetries processes one batch of pending index deletion rows.
func (s *RetryScheduler) RunDeletionRetries(ctx context.Context) (int, int, error) {
	if !s.deleteRunning.CompareAndSwap(false, true) {
		logger.Debugf("Index deletion retry job already running, skipping")
		return 0, 0, nil
	}
	defer s.deleteRunning.Store(false)

	pending, err := s.queue.PendingDeletions(s.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	logger.Infof("Index deletion retry job: %d pending rows", len(pending))

	processed, succeeded := 0, 0
	for _, row := range pending {
		if s.stopping() || ctx.Err() != nil {
			break
		}

		claimed, err := s.queue.ClaimDeletion(row.ID)
		if err != nil {
			logger.Errorf("Failed to claim deletion row %d: %v", row.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		processed++

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		callErr := s.client.DeleteIndex(callCtx, row.UserID, row.FolderID)
		cancel()

		if callErr != nil {
			if markErr := s.queue.MarkDeletionFailed(row.ID, row.RetryCount, callErr); markErr != nil {
				logger.Errorf("Failed to settle deletion row %d: %v", row.ID, markErr)
			}
			continue
		}

		if err := s.queue.MarkDeletionSucceeded(row.ID); err != nil {
			logger.Errorf("Failed to settle deletion row %d: %v", row.ID, err)
			continue
		}
		succeeded++
	}

	logger.Infof("Index deletion retry job done: %d processed, %d succeeded", processed, succeeded)
	return processed, succeeded, nil
}
