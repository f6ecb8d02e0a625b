package searchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/logger"
)

// httpSearchClient carries the HTTP plumbing shared by both concrete
// implementations. The per-call deadline lives on the http.Client so a
// hung service call counts as a breaker-observed failure.
type httpSearchClient struct {
	name    string
	baseURL string
	client  *http.Client
}

func newHTTPSearchClient(name, baseURL string, timeout time.Duration) httpSearchClient {
	return httpSearchClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpSearchClient) Name() string {
	return c.name
}

// doJSON issues a request with a JSON body (or none) and decodes the JSON
// response into out when out is non-nil. Non-2xx statuses are errors.
func (c *httpSearchClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("search service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded slice of the body for the error message
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search service %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *httpSearchClient) search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpSearchClient) EmbedImages(ctx context.Context, req EmbedRequest) error {
	logger.Debugf("Search client %s: embedding %d images for user %d folder %d", c.name, len(req.Images), req.UserID, req.FolderID)
	return c.doJSON(ctx, http.MethodPost, "/api/embed-images", req, nil)
}

func (c *httpSearchClient) CreateIndex(ctx context.Context, userID, folderID int64) error {
	payload := map[string]int64{"user_id": userID, "folder_id": folderID}
	return c.doJSON(ctx, http.MethodPost, "/api/create-index", payload, nil)
}

func (c *httpSearchClient) DeleteIndex(ctx context.Context, userID, folderID int64) error {
	path := fmt.Sprintf("/api/delete-index/%d/%d", userID, folderID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ClipClient talks to the CLIP embedding service. Scores come back as
// cosine similarities and are passed through untouched.
type ClipClient struct {
	httpSearchClient
}

// NewClipClient builds the primary (CLIP) search client.
func NewClipClient(baseURL string, timeout time.Duration) *ClipClient {
	return &ClipClient{newHTTPSearchClient(config.BackendClip, baseURL, timeout)}
}

func (c *ClipClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return c.search(ctx, req)
}

// PHashClient talks to the perceptual-hash service. That service scores by
// Hamming distance (lower is better), so Search normalizes distances into
// the similarity scale the rest of the application expects.
type PHashClient struct {
	httpSearchClient
}

// NewPHashClient builds the backup (perceptual hash) search client.
func NewPHashClient(baseURL string, timeout time.Duration) *PHashClient {
	return &PHashClient{newHTTPSearchClient(config.BackendPHash, baseURL, timeout)}
}

func (c *PHashClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	resp, err := c.search(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range resp.Results {
		resp.Results[i].Score = normalizeDistance(resp.Results[i].Score)
	}
	return resp, nil
}

// normalizeDistance maps a Hamming distance onto (0, 1], where distance 0
// becomes similarity 1. Monotonic, so result ordering is preserved.
func normalizeDistance(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

// NewFromConfig constructs the single active search client for this process.
// Switching backends requires a restart; there is no runtime failover between
// the two services.
func NewFromConfig(cfg *config.Config) SearchClient {
	switch cfg.SearchBackend {
	case config.BackendPHash:
		logger.Infof("Search backend: phash (%s)", cfg.BackupSearchURL)
		return NewPHashClient(cfg.BackupSearchURL, cfg.SearchTimeout)
	default:
		logger.Infof("Search backend: clip (%s)", cfg.PrimarySearchURL)
		return NewClipClient(cfg.PrimarySearchURL, cfg.SearchTimeout)
	}
}
