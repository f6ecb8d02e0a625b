package services

import (
	"context"
	"errors"
	"testing"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/testutil"
)

func newTestScheduler(t *testing.T, client *testutil.MockSearchClient) (*RetryScheduler, *FailedRequestService) {
	t.Helper()
	repo := testutil.NewTestRepo(t)
	events := testutil.NewMockPublisher()
	queue := NewFailedRequestService(repo, events, 5)
	return NewRetryScheduler(queue, client, config.NewTestConfig()), queue
}

func TestRunEmbedRetriesRedelivers(t *testing.T) {
	client := &testutil.MockSearchClient{}
	scheduler, queue := newTestScheduler(t, client)

	queue.RecordFailedEmbed(sampleEmbedRequest(), errors.New("was down"))
	queue.RecordFailedEmbed(sampleEmbedRequest(), errors.New("was down"))

	processed, succeeded, err := scheduler.RunEmbedRetries(context.Background())
	if err != nil {
		t.Fatalf("RunEmbedRetries failed: %v", err)
	}
	if processed != 2 || succeeded != 2 {
		t.Errorf("Expected 2 processed and 2 succeeded, got %d/%d", processed, succeeded)
	}
	if client.EmbedCallCount() != 2 {
		t.Errorf("Expected 2 embed calls, got %d", client.EmbedCallCount())
	}

	// Delivered payload matches what was queued
	if client.EmbedCalls[0].FolderID != 2 || len(client.EmbedCalls[0].Images) != 2 {
		t.Errorf("Unexpected redelivered payload: %+v", client.EmbedCalls[0])
	}

	stats, _ := queue.Stats()
	if stats.Embeds[domain.RetryStatusSucceeded] != 2 {
		t.Errorf("Expected 2 SUCCEEDED rows, got %+v", stats.Embeds)
	}
}

func TestRunEmbedRetriesRecordsFailure(t *testing.T) {
	client := &testutil.MockSearchClient{EmbedErr: errors.New("still down")}
	scheduler, queue := newTestScheduler(t, client)

	queue.RecordFailedEmbed(sampleEmbedRequest(), nil)

	processed, succeeded, err := scheduler.RunEmbedRetries(context.Background())
	if err != nil {
		t.Fatalf("RunEmbedRetries failed: %v", err)
	}
	if processed != 1 || succeeded != 0 {
		t.Errorf("Expected 1 processed and 0 succeeded, got %d/%d", processed, succeeded)
	}

	pending, _ := queue.PendingEmbeds(10)
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Errorf("Expected row back in PENDING with retry_count 1, got %+v", pending)
	}
}

func TestRunEmbedRetriesNoPendingRows(t *testing.T) {
	client := &testutil.MockSearchClient{}
	scheduler, _ := newTestScheduler(t, client)

	processed, succeeded, err := scheduler.RunEmbedRetries(context.Background())
	if err != nil {
		t.Fatalf("RunEmbedRetries failed: %v", err)
	}
	if processed != 0 || succeeded != 0 {
		t.Errorf("Expected nothing to process, got %d/%d", processed, succeeded)
	}
	if client.EmbedCallCount() != 0 {
		t.Error("Service must not be called with an empty queue")
	}
}

func TestRunDeletionRetriesRedelivers(t *testing.T) {
	client := &testutil.MockSearchClient{}
	scheduler, queue := newTestScheduler(t, client)

	queue.RecordFailedDeletion(4, 9, errors.New("was down"))

	processed, succeeded, err := scheduler.RunDeletionRetries(context.Background())
	if err != nil {
		t.Fatalf("RunDeletionRetries failed: %v", err)
	}
	if processed != 1 || succeeded != 1 {
		t.Errorf("Expected 1/1, got %d/%d", processed, succeeded)
	}
	if len(client.DeleteCalls) != 1 || client.DeleteCalls[0] != [2]int64{4, 9} {
		t.Errorf("Unexpected delete calls: %+v", client.DeleteCalls)
	}
}

func TestRunDeletionRetriesRecordsFailure(t *testing.T) {
	client := &testutil.MockSearchClient{DeleteErr: errors.New("still down")}
	scheduler, queue := newTestScheduler(t, client)

	queue.RecordFailedDeletion(4, 9, nil)
	scheduler.RunDeletionRetries(context.Background())

	pending, _ := queue.PendingDeletions(10)
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Errorf("Expected row back in PENDING with retry_count 1, got %+v", pending)
	}
}

func TestCorruptPayloadBurnsAnAttempt(t *testing.T) {
	client := &testutil.MockSearchClient{}
	scheduler, queue := newTestScheduler(t, client)

	queue.RecordFailedEmbed(sampleEmbedRequest(), nil)
	// Corrupt the stored payload directly
	repo := queue.repo
	if _, err := repo.DB.Exec(`UPDATE failed_embed_requests SET images_payload = 'not-json'`); err != nil {
		t.Fatalf("Failed to corrupt payload: %v", err)
	}

	scheduler.RunEmbedRetries(context.Background())

	if client.EmbedCallCount() != 0 {
		t.Error("Corrupt payload must not reach the service")
	}
	pending, _ := queue.PendingEmbeds(10)
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Errorf("Corrupt payload should burn an attempt, got %+v", pending)
	}
}
