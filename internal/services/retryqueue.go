package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// FailedRequestService owns the durable retry queue for search-service calls
// that could not be delivered. Rows move PENDING -> IN_PROGRESS ->
// SUCCEEDED | PENDING (retry_count incremented) | FAILED (attempts exhausted).
type FailedRequestService struct {
	repo        *db.Repository
	events      eventbus.Publisher
	maxAttempts int
}

// NewFailedRequestService creates the retry queue service.
func NewFailedRequestService(repo *db.Repository, events eventbus.Publisher, maxAttempts int) *FailedRequestService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &FailedRequestService{
		repo:        repo,
		events:      events,
		maxAttempts: maxAttempts,
	}
}

// RecordFailedEmbed persists an embed batch that could not be delivered.
// The images are stored as the JSON payload that will be resent verbatim.
func (s *FailedRequestService) RecordFailedEmbed(req searchclient.EmbedRequest, callErr error) error {
	payload, err := json.Marshal(req.Images)
	if err != nil {
		return fmt.Errorf("failed to encode embed payload: %w", err)
	}

	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}

	_, err = db.ExecWithRetry(s.repo.DB,
		`INSERT INTO failed_embed_requests (user_id, folder_id, images_payload, image_count, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.UserID, req.FolderID, string(payload), len(req.Images), domain.RetryStatusPending, errMsg)
	if err != nil {
		return fmt.Errorf("failed to queue embed retry: %w", err)
	}

	logger.Infof("Queued embed batch for retry: user=%d folder=%d images=%d", req.UserID, req.FolderID, len(req.Images))
	s.events.Publish(domain.NewEvent(domain.EmbedQueuedForRetry, map[string]interface{}{
		"user_id":     req.UserID,
		"folder_id":   req.FolderID,
		"image_count": len(req.Images),
	}))
	return nil
}

// RecordFailedDeletion persists an index deletion that could not be delivered.
func (s *FailedRequestService) RecordFailedDeletion(userID, folderID int64, callErr error) error {
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}

	_, err := db.ExecWithRetry(s.repo.DB,
		`INSERT INTO failed_index_deletions (user_id, folder_id, status, error_message)
		 VALUES (?, ?, ?, ?)`,
		userID, folderID, domain.RetryStatusPending, errMsg)
	if err != nil {
		return fmt.Errorf("failed to queue index deletion retry: %w", err)
	}

	logger.Infof("Queued index deletion for retry: user=%d folder=%d", userID, folderID)
	s.events.Publish(domain.NewEvent(domain.DeletionQueuedForRetry, map[string]interface{}{
		"user_id":   userID,
		"folder_id": folderID,
	}))
	return nil
}

// PendingEmbeds returns up to limit PENDING embed rows, oldest first.
func (s *FailedRequestService) PendingEmbeds(limit int) ([]domain.FailedEmbedRequest, error) {
	rows, err := db.QueryWithRetry(s.repo.DB,
		`SELECT id, user_id, folder_id, images_payload, image_count, status, retry_count, created_at, last_retry_at, COALESCE(error_message, '')
		 FROM failed_embed_requests
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.RetryStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending embeds: %w", err)
	}
	defer rows.Close()

	var result []domain.FailedEmbedRequest
	for rows.Next() {
		var r domain.FailedEmbedRequest
		var lastRetry sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.FolderID, &r.ImagesPayload, &r.ImageCount, &r.Status, &r.RetryCount, &r.CreatedAt, &lastRetry, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan embed row: %w", err)
		}
		if lastRetry.Valid {
			r.LastRetryAt = &lastRetry.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// PendingDeletions returns up to limit PENDING deletion rows, oldest first.
func (s *FailedRequestService) PendingDeletions(limit int) ([]domain.FailedIndexDeletion, error) {
	rows, err := db.QueryWithRetry(s.repo.DB,
		`SELECT id, user_id, folder_id, status, retry_count, created_at, last_retry_at, COALESCE(error_message, '')
		 FROM failed_index_deletions
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.RetryStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending deletions: %w", err)
	}
	defer rows.Close()

	var result []domain.FailedIndexDeletion
	for rows.Next() {
		var r domain.FailedIndexDeletion
		var lastRetry sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.FolderID, &r.Status, &r.RetryCount, &r.CreatedAt, &lastRetry, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan deletion row: %w", err)
		}
		if lastRetry.Valid {
			r.LastRetryAt = &lastRetry.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ClaimEmbed atomically marks a PENDING embed row IN_PROGRESS. Returns false
// when another worker already claimed it.
func (s *FailedRequestService) ClaimEmbed(id int64) (bool, error) {
	return s.claim("failed_embed_requests", id)
}

// ClaimDeletion atomically marks a PENDING deletion row IN_PROGRESS.
func (s *FailedRequestService) ClaimDeletion(id int64) (bool, error) {
	return s.claim("failed_index_deletions", id)
}

func (s *FailedRequestService) claim(table string, id int64) (bool, error) {
	// The status guard makes the claim atomic: only one UPDATE can move
	// a given row out of PENDING.
	result, err := db.ExecWithRetry(s.repo.DB,
		"UPDATE "+table+" SET status = ?, last_retry_at = ? WHERE id = ? AND status = ?",
		domain.RetryStatusInProgress, time.Now().UTC(), id, domain.RetryStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim retry row %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkEmbedSucceeded settles an embed row after a successful redelivery.
func (s *FailedRequestService) MarkEmbedSucceeded(id int64) error {
	return s.markSucceeded("failed_embed_requests", "embed", id)
}

// MarkDeletionSucceeded settles a deletion row after a successful redelivery.
func (s *FailedRequestService) MarkDeletionSucceeded(id int64) error {
	return s.markSucceeded("failed_index_deletions", "index_deletion", id)
}

func (s *FailedRequestService) markSucceeded(table, kind string, id int64) error {
	_, err := db.ExecWithRetry(s.repo.DB,
		"UPDATE "+table+" SET status = ?, error_message = NULL WHERE id = ?",
		domain.RetryStatusSucceeded, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry row %d succeeded: %w", id, err)
	}

	s.events.Publish(domain.NewEvent(domain.RetrySucceeded, map[string]interface{}{
		"kind": kind,
		"id":   id,
	}))
	return nil
}

// MarkEmbedFailed records a failed retry attempt. The row returns to PENDING
// until retry_count reaches the attempt limit, then goes FAILED for good.
func (s *FailedRequestService) MarkEmbedFailed(id int64, retryCount int, callErr error) error {
	return s.markFailed("failed_embed_requests", "embed", id, retryCount, callErr)
}

// MarkDeletionFailed records a failed deletion retry attempt.
func (s *FailedRequestService) MarkDeletionFailed(id int64, retryCount int, callErr error) error {
	return s.markFailed("failed_index_deletions", "index_deletion", id, retryCount, callErr)
}

func (s *FailedRequestService) markFailed(table, kind string, id int64, retryCount int, callErr error) error {
	newCount := retryCount + 1
	status := domain.RetryStatusPending
	if newCount >= s.maxAttempts {
		status = domain.RetryStatusFailed
	}

	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}

	_, err := db.ExecWithRetry(s.repo.DB,
		"UPDATE "+table+" SET status = ?, retry_count = ?, error_message = ? WHERE id = ?",
		status, newCount, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to record retry failure for row %d: %w", id, err)
	}

	if status == domain.RetryStatusFailed {
		logger.Errorf("Retry exhausted for %s row %d after %d attempts: %v", kind, id, newCount, callErr)
		s.events.Publish(domain.NewEvent(domain.RetryExhausted, map[string]interface{}{
			"kind":     kind,
			"id":       id,
			"attempts": newCount,
		}))
	} else {
		logger.Warnf("Retry %d/%d failed for %s row %d: %v", newCount, s.maxAttempts, kind, id, callErr)
	}
	return nil
}

// QueueStats summarizes the retry queue for the admin endpoint.
type QueueStats struct {
	Embeds    map[string]int64 `json:"embeds"`
	Deletions map[string]int64 `json:"deletions"`
}

// Stats returns row counts per status for both queues.
func (s *FailedRequestService) Stats() (*QueueStats, error) {
	stats := &QueueStats{
		Embeds:    make(map[string]int64),
		Deletions: make(map[string]int64),
	}

	for table, dest := range map[string]map[string]int64{
		"failed_embed_requests":  stats.Embeds,
		"failed_index_deletions": stats.Deletions,
	} {
		rows, err := db.QueryWithRetry(s.repo.DB,
			"SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return nil, err
			}
			dest[status] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return stats, nil
}

// DecodeEmbedPayload reconstructs the embed request stored in a queue row.
func DecodeEmbedPayload(row domain.FailedEmbedRequest) (searchclient.EmbedRequest, error) {
	var images []searchclient.EmbedImage
	if err := json.Unmarshal([]byte(row.ImagesPayload), &images); err != nil {
		return searchclient.EmbedRequest{}, fmt.Errorf("corrupt embed payload in row %d: %w", row.ID, err)
	}
	return searchclient.EmbedRequest{
		UserID:   row.UserID,
		FolderID: row.FolderID,
		Images:   images,
	}, nil
}
