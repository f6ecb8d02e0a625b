package searchclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixfind/pixfind/internal/logger"
)

// ErrSearchUnavailable is returned by Search when the search service is down
// or its circuit breaker is open. The API layer maps it to 503.
var ErrSearchUnavailable = errors.New("search service unavailable")

// Breaker names, one per guarded method.
const (
	BreakerSearch      = "search"
	BreakerEmbed       = "embedImages"
	BreakerCreateIndex = "createIndex"
	BreakerDeleteIndex = "deleteIndex"
)

// Fallbacks holds the degradation hooks the breaker client invokes when a
// call is rejected or fails. Persisting hooks write to the retry queue; they
// live in the services layer to keep this package free of database concerns.
type Fallbacks struct {
	// OnEmbedFailure persists the embed batch for later retry.
	OnEmbedFailure func(req EmbedRequest, callErr error)
	// OnDeleteFailure persists the index deletion for later retry.
	OnDeleteFailure func(userID, folderID int64, callErr error)
}

// BreakerClient wraps a SearchClient with one circuit breaker per method and
// applies each method's fallback policy:
//
//	Search       fail fast with ErrSearchUnavailable
//	EmbedImages  queue for retry, report success to the caller
//	CreateIndex  log and absorb (embeds recreate the index later)
//	DeleteIndex  queue for retry, report success to the caller
type BreakerClient struct {
	inner     SearchClient
	registry  *BreakerRegistry
	fallbacks Fallbacks
}

var _ SearchClient = (*BreakerClient)(nil)

// NewBreakerClient wraps inner with per-method circuit breakers.
func NewBreakerClient(inner SearchClient, registry *BreakerRegistry, fallbacks Fallbacks) *BreakerClient {
	return &BreakerClient{
		inner:     inner,
		registry:  registry,
		fallbacks: fallbacks,
	}
}

func (c *BreakerClient) Name() string {
	return c.inner.Name()
}

// Registry exposes the breaker registry for the admin stats endpoint.
func (c *BreakerClient) Registry() *BreakerRegistry {
	return c.registry
}

// call runs fn under the named breaker, recording the outcome and duration.
// Returns errBreakerOpen without invoking fn when the breaker rejects.
func (c *BreakerClient) call(name string, fn func() error) error {
	breaker := c.registry.Get(name)
	if !breaker.Allow() {
		return errBreakerOpen
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	if err != nil {
		breaker.RecordFailure(elapsed)
		return err
	}
	breaker.RecordSuccess(elapsed)
	return nil
}

var errBreakerOpen = errors.New("circuit breaker open")

func (c *BreakerClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp *SearchResponse
	err := c.call(BreakerSearch, func() error {
		var callErr error
		resp, callErr = c.inner.Search(ctx, req)
		return callErr
	})
	if err != nil {
		if errors.Is(err, errBreakerOpen) {
			logger.Warnf("Search rejected: circuit breaker open")
			return nil, ErrSearchUnavailable
		}
		logger.Errorf("Search call failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	return resp, nil
}

func (c *BreakerClient) EmbedImages(ctx context.Context, req EmbedRequest) error {
	err := c.call(BreakerEmbed, func() error {
		return c.inner.EmbedImages(ctx, req)
	})
	if err != nil {
		logger.Warnf("Embed batch for user %d folder %d queued for retry: %v", req.UserID, req.FolderID, err)
		if c.fallbacks.OnEmbedFailure != nil {
			c.fallbacks.OnEmbedFailure(req, err)
		}
		// The batch is durably queued; callers treat this as success.
		return nil
	}
	return nil
}

func (c *BreakerClient) CreateIndex(ctx context.Context, userID, folderID int64) error {
	err := c.call(BreakerCreateIndex, func() error {
		return c.inner.CreateIndex(ctx, userID, folderID)
	})
	if err != nil {
		// The service creates indexes implicitly on embed, so a failed
		// provision call is safe to absorb.
		logger.Warnf("CreateIndex for user %d folder %d failed, continuing: %v", userID, folderID, err)
	}
	return nil
}

func (c *BreakerClient) DeleteIndex(ctx context.Context, userID, folderID int64) error {
	err := c.call(BreakerDeleteIndex, func() error {
		return c.inner.DeleteIndex(ctx, userID, folderID)
	})
	if err != nil {
		logger.Warnf("Index deletion for user %d folder %d queued for retry: %v", userID, folderID, err)
		if c.fallbacks.OnDeleteFailure != nil {
			c.fallbacks.OnDeleteFailure(userID, folderID, err)
		}
		return nil
	}
	return nil
}
