package services

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

const (
	defaultTopK = 5
	maxTopK     = 100
)

// SearchResultItem is one enriched hit in a search response.
type SearchResultItem struct {
	ImageID  int64   `json:"image_id"`
	Score    float64 `json:"score"`
	FolderID int64   `json:"folder_id"`
	Filename string  `json:"filename"`
	URL      string  `json:"url"`
}

// SearchResults is the full response of a search.
type SearchResults struct {
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
	Total   int                `json:"total"`
}

// SearchService runs the search pipeline: access control, the remote
// semantic query and result enrichment from local metadata.
type SearchService struct {
	repo          *db.Repository
	folders       *FolderService
	client        searchclient.SearchClient
	events        eventbus.Publisher
	publicBaseURL string
}

// NewSearchService creates the search service. client should be the
// breaker-wrapped search client.
func NewSearchService(repo *db.Repository, folders *FolderService, client searchclient.SearchClient, events eventbus.Publisher, publicBaseURL string) *SearchService {
	return &SearchService{
		repo:          repo,
		folders:       folders,
		client:        client,
		events:        events,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// Search runs a text query over the folders the user can read. Requested
// folders the user cannot access are silently dropped rather than erroring,
// so a stale client folder list degrades instead of failing. When no
// accessible folder remains the result is empty and the search service is
// never called.
func (s *SearchService) Search(ctx context.Context, userID int64, query string, requestedFolderIDs []int64, topK int) (*SearchResults, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	folderIDs, ownerMap, err := s.resolveFolders(userID, requestedFolderIDs)
	if err != nil {
		return nil, err
	}
	if len(folderIDs) == 0 {
		return &SearchResults{Query: query, Results: []SearchResultItem{}}, nil
	}

	resp, err := s.client.Search(ctx, searchclient.SearchRequest{
		UserID:         userID,
		Query:          query,
		FolderIDs:      folderIDs,
		FolderOwnerMap: ownerMap,
		TopK:           topK,
	})
	if err != nil {
		s.events.Publish(domain.NewEvent(domain.SearchRejected, map[string]interface{}{
			"user_id": userID,
		}))
		return nil, err
	}

	results, err := s.enrich(resp.Results)
	if err != nil {
		return nil, err
	}

	s.events.Publish(domain.NewEvent(domain.SearchPerformed, map[string]interface{}{
		"user_id":      userID,
		"folder_count": len(folderIDs),
		"result_count": len(results),
	}))

	return &SearchResults{
		Query:   query,
		Results: results,
		Total:   len(results),
	}, nil
}

// resolveFolders returns the folder IDs the search will cover and a map of
// folder ID to owner ID for the remote service's index lookup.
func (s *SearchService) resolveFolders(userID int64, requested []int64) ([]int64, map[int64]int64, error) {
	rows, err := db.QueryWithRetry(s.repo.DB,
		`SELECT f.id, f.user_id FROM folders f
		 LEFT JOIN folder_shares fs ON fs.folder_id = f.id AND fs.shared_with_user_id = ?
		 WHERE f.user_id = ? OR fs.id IS NOT NULL`,
		userID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve accessible folders: %w", err)
	}
	defer rows.Close()

	accessible := make(map[int64]int64) // folder ID -> owner ID
	for rows.Next() {
		var folderID, ownerID int64
		if err := rows.Scan(&folderID, &ownerID); err != nil {
			return nil, nil, err
		}
		accessible[folderID] = ownerID
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var folderIDs []int64
	ownerMap := make(map[int64]int64)
	if len(requested) == 0 {
		for folderID, ownerID := range accessible {
			folderIDs = append(folderIDs, folderID)
			ownerMap[folderID] = ownerID
		}
	} else {
		for _, folderID := range requested {
			ownerID, ok := accessible[folderID]
			if !ok {
				logger.Debugf("Search: dropping inaccessible folder %d for user %d", folderID, userID)
				continue
			}
			if _, seen := ownerMap[folderID]; seen {
				continue
			}
			folderIDs = append(folderIDs, folderID)
			ownerMap[folderID] = ownerID
		}
	}
	return folderIDs, ownerMap, nil
}

// enrich joins remote hits with local image metadata in one batch query.
// Remote ordering is preserved; hits whose image row no longer exists (the
// index lagging a deletion) are dropped.
func (s *SearchService) enrich(hits []searchclient.SearchHit) ([]SearchResultItem, error) {
	if len(hits) == 0 {
		return []SearchResultItem{}, nil
	}

	placeholders := make([]string, len(hits))
	args := make([]interface{}, len(hits))
	for i, hit := range hits {
		placeholders[i] = "?"
		args[i] = hit.ImageID
	}

	rows, err := db.QueryWithRetry(s.repo.DB,
		`SELECT id, folder_id, file_path FROM images WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to enrich search results: %w", err)
	}
	defer rows.Close()

	type imageMeta struct {
		folderID int64
		filePath string
	}
	meta := make(map[int64]imageMeta, len(hits))
	for rows.Next() {
		var id, folderID int64
		var filePath string
		if err := rows.Scan(&id, &folderID, &filePath); err != nil {
			return nil, err
		}
		meta[id] = imageMeta{folderID: folderID, filePath: filePath}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]SearchResultItem, 0, len(hits))
	for _, hit := range hits {
		m, ok := meta[hit.ImageID]
		if !ok {
			logger.Debugf("Search: dropping stale hit for image %d", hit.ImageID)
			continue
		}
		results = append(results, SearchResultItem{
			ImageID:  hit.ImageID,
			Score:    hit.Score,
			FolderID: m.folderID,
			Filename: path.Base(m.filePath),
			URL:      s.publicBaseURL + "/" + m.filePath,
		})
	}
	return results, nil
}
