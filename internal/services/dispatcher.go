package services

import (
	"context"
	"sync"
	"time"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// EmbeddingTask is one folder's worth of freshly uploaded images awaiting
// embedding.
type EmbeddingTask struct {
	UserID   int64
	FolderID int64
	Images   []searchclient.EmbedImage
}

// EmbeddingDispatcher decouples uploads from the search service. Uploads
// submit tasks to bounded per-worker queues; the workers drain them, sending
// images in fixed-size batches with a pause between them so a large upload
// cannot saturate the service. Submit blocks when the target queue is full,
// which back-pressures uploads instead of dropping work.
//
// Tasks route to a worker by folder ID, so tasks for the same folder always
// run on the same worker in submission order; different folders still
// interleave across the pool.
//
// Tasks are dispatched through the breaker client, so a service outage turns
// batches into retry queue rows rather than errors.
type EmbeddingDispatcher struct {
	client    searchclient.SearchClient
	events    eventbus.Publisher
	queues    []chan EmbeddingTask
	batchSize int
	pause     time.Duration
	timeout   time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	stopMu  sync.RWMutex
	stopped bool
}

// NewEmbeddingDispatcher creates the dispatcher. client should be the
// breaker-wrapped search client.
func NewEmbeddingDispatcher(client searchclient.SearchClient, events eventbus.Publisher, cfg *config.Config) *EmbeddingDispatcher {
	workers := cfg.AsyncWorkers
	if workers < 1 {
		workers = 1
	}
	capacity := cfg.AsyncQueueCapacity / workers
	if capacity < 1 {
		capacity = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &EmbeddingDispatcher{
		client:    client,
		events:    events,
		queues:    make([]chan EmbeddingTask, workers),
		batchSize: cfg.AsyncBatchSize,
		pause:     time.Second,
		timeout:   cfg.SearchTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := range d.queues {
		d.queues[i] = make(chan EmbeddingTask, capacity)
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("Embedding dispatcher started: %d workers, queue capacity %d each, batch size %d",
		workers, capacity, cfg.AsyncBatchSize)
	return d
}

// Submit enqueues a task, blocking while its worker's queue is full. Returns
// false if the dispatcher is shutting down.
func (d *EmbeddingDispatcher) Submit(task EmbeddingTask) bool {
	if len(task.Images) == 0 {
		return true
	}

	// The read lock keeps Stop from closing the channels under a sender.
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		logger.Warnf("Embedding dispatcher: task for folder %d rejected during shutdown", task.FolderID)
		return false
	}

	select {
	case d.queueFor(task.FolderID) <- task:
		return true
	case <-d.ctx.Done():
		logger.Warnf("Embedding dispatcher: task for folder %d rejected during shutdown", task.FolderID)
		return false
	}
}

// queueFor picks the worker queue for a folder. The same folder always maps
// to the same queue, which is what serializes same-folder tasks.
func (d *EmbeddingDispatcher) queueFor(folderID int64) chan EmbeddingTask {
	return d.queues[int(folderID)%len(d.queues)]
}

// QueueDepth reports the number of tasks waiting, for the admin endpoint.
func (d *EmbeddingDispatcher) QueueDepth() int {
	depth := 0
	for _, q := range d.queues {
		depth += len(q)
	}
	return depth
}

func (d *EmbeddingDispatcher) worker(id int) {
	defer d.wg.Done()
	for task := range d.queues[id] {
		d.process(id, task)
	}
}

// process splits the task into batches and dispatches each with a pause in
// between. The breaker client absorbs delivery failures, so per-batch errors
// never surface here.
func (d *EmbeddingDispatcher) process(workerID int, task EmbeddingTask) {
	logger.Debugf("Dispatcher worker %d: embedding %d images for folder %d", workerID, len(task.Images), task.FolderID)

	for start := 0; start < len(task.Images); start += d.batchSize {
		end := start + d.batchSize
		if end > len(task.Images) {
			end = len(task.Images)
		}
		batch := task.Images[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.client.EmbedImages(ctx, searchclient.EmbedRequest{
			UserID:   task.UserID,
			FolderID: task.FolderID,
			Images:   batch,
		})
		cancel()
		if err != nil {
			logger.Errorf("Dispatcher worker %d: embed batch failed for folder %d: %v", workerID, task.FolderID, err)
			continue
		}

		d.events.Publish(domain.NewEvent(domain.EmbedBatchSent, map[string]interface{}{
			"user_id":     task.UserID,
			"folder_id":   task.FolderID,
			"image_count": len(batch),
		}))

		// Pause between batches unless this was the last one or we are
		// shutting down.
		if end < len(task.Images) {
			select {
			case <-time.After(d.pause):
			case <-d.ctx.Done():
			}
		}
	}
}

// Stop closes the queues and waits up to 10 seconds for the workers to drain
// already-submitted tasks.
func (d *EmbeddingDispatcher) Stop() {
	d.cancel()

	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Embedding dispatcher stopped")
	case <-time.After(10 * time.Second):
		logger.Warnf("Embedding dispatcher: workers still draining after shutdown grace period")
	}
}
