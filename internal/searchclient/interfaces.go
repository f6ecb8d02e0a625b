// Package searchclient talks to the external semantic search service. It
// defines the client contract, two concrete HTTP implementations (CLIP and
// perceptual hash) and the circuit-breaker wrapper that sits in front of
// whichever one is active.
package searchclient

import "context"

// SearchClient is the contract every search-service implementation fulfils.
// The rest of the application only ever sees this interface, wrapped in a
// BreakerClient.
type SearchClient interface {
	// Name identifies the implementation ("clip" or "phash") for logging
	// and breaker naming.
	Name() string

	// Search runs a semantic text query against the caller's accessible folders.
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)

	// EmbedImages asks the service to embed and index a batch of images.
	EmbedImages(ctx context.Context, req EmbedRequest) error

	// CreateIndex provisions an index for a folder. Idempotent on the remote side.
	CreateIndex(ctx context.Context, userID, folderID int64) error

	// DeleteIndex removes a folder's index and all its vectors.
	DeleteIndex(ctx context.Context, userID, folderID int64) error
}

// SearchRequest is the outbound payload for POST /api/search.
// FolderOwnerMap lets the service resolve shared folders to their owners'
// index namespaces.
type SearchRequest struct {
	UserID         int64           `json:"user_id"`
	Query          string          `json:"query"`
	FolderIDs      []int64         `json:"folder_ids"`
	FolderOwnerMap map[int64]int64 `json:"folder_owner_map"`
	TopK           int             `json:"top_k"`
}

// SearchHit is one scored match returned by the service.
type SearchHit struct {
	ImageID  int64   `json:"image_id"`
	Score    float64 `json:"score"`
	FolderID int64   `json:"folder_id"`
}

// SearchResponse is the service's answer to a search call.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
	Total   int         `json:"total"`
}

// EmbedImage names one image to embed, by database ID and server-side file path.
type EmbedImage struct {
	ImageID  int64  `json:"image_id"`
	FilePath string `json:"file_path"`
}

// EmbedRequest is the outbound payload for POST /api/embed-images.
type EmbedRequest struct {
	UserID   int64        `json:"user_id"`
	FolderID int64        `json:"folder_id"`
	Images   []EmbedImage `json:"images"`
}
