package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// UploadFile abstracts one incoming file so the service does not depend on
// multipart plumbing. The API layer adapts *multipart.FileHeader to this.
type UploadFile struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// UploadResult reports what an upload achieved. Embedding happens
// asynchronously after the response is sent.
type UploadResult struct {
	FolderID      int64 `json:"folder_id"`
	FolderCreated bool  `json:"folder_created"`
	UploadedCount int   `json:"uploaded_count"`
}

// UploadService stores uploaded images and hands them to the embedding
// dispatcher.
type UploadService struct {
	repo       *db.Repository
	folders    *FolderService
	search     searchclient.SearchClient
	dispatcher *EmbeddingDispatcher
	events     eventbus.Publisher

	uploadRoot  string
	allowedExts map[string]bool
	maxBytes    int64
}

// NewUploadService creates the upload service. search should be the
// breaker-wrapped client.
func NewUploadService(repo *db.Repository, folders *FolderService, search searchclient.SearchClient, dispatcher *EmbeddingDispatcher, events eventbus.Publisher, cfg *config.Config) *UploadService {
	allowed := make(map[string]bool, len(cfg.UploadAllowedExtensions))
	for _, ext := range cfg.UploadAllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &UploadService{
		repo:        repo,
		folders:     folders,
		search:      search,
		dispatcher:  dispatcher,
		events:      events,
		uploadRoot:  cfg.UploadRoot,
		allowedExts: allowed,
		maxBytes:    cfg.UploadMaxBytes,
	}
}

// Upload validates and stores a batch of images into the named folder
// (created on first use), then submits them for embedding. Validation is
// all-or-nothing: one bad file rejects the whole request before anything
// is written.
func (s *UploadService) Upload(ctx context.Context, userID int64, folderName string, files []UploadFile) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	// Validate every file before touching disk
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		if !s.allowedExts[ext] {
			return nil, fmt.Errorf("%w: %q", ErrBadExtension, f.Filename)
		}
		if s.maxBytes > 0 && f.Size > s.maxBytes {
			return nil, fmt.Errorf("%w: %q exceeds the size limit", ErrValidation, f.Filename)
		}
	}

	folder, created, err := s.folders.ResolveOrCreate(userID, folderName)
	if err != nil {
		return nil, err
	}
	if created {
		// Breaker client absorbs failure; the index is recreated on embed
		_ = s.search.CreateIndex(ctx, userID, folder.ID)
	}

	folderDir := filepath.Join(s.uploadRoot, "images",
		strconv.FormatInt(userID, 10), strconv.FormatInt(folder.ID, 10))
	if err := os.MkdirAll(folderDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	var embedImages []searchclient.EmbedImage
	uploaded := 0
	for _, f := range files {
		// The stored path is deterministic from (owner, folder, filename):
		// re-uploading a name overwrites the file and reuses its row.
		filename := sanitizeFilename(f.Filename)
		absPath := filepath.Join(folderDir, filename)
		relPath := filepath.ToSlash(filepath.Join("images",
			strconv.FormatInt(userID, 10), strconv.FormatInt(folder.ID, 10), filename))

		if err := s.writeFile(f, absPath); err != nil {
			logger.Errorf("Failed to store %q: %v", f.Filename, err)
			continue
		}

		imageID, err := s.upsertImage(userID, folder.ID, relPath)
		if err != nil {
			logger.Errorf("Failed to record %q: %v", f.Filename, err)
			continue
		}

		uploaded++
		embedImages = append(embedImages, searchclient.EmbedImage{
			ImageID:  imageID,
			FilePath: relPath,
		})
	}

	if uploaded == 0 {
		return nil, fmt.Errorf("failed to store any of the %d files", len(files))
	}

	// Blocking submit: a full queue back-pressures the upload request
	s.dispatcher.Submit(EmbeddingTask{
		UserID:   userID,
		FolderID: folder.ID,
		Images:   embedImages,
	})

	logger.Infof("User %d uploaded %d/%d images to folder %d", userID, uploaded, len(files), folder.ID)
	s.events.Publish(domain.NewEvent(domain.ImagesUploaded, map[string]interface{}{
		"user_id":   userID,
		"folder_id": folder.ID,
		"count":     uploaded,
	}))

	return &UploadResult{
		FolderID:      folder.ID,
		FolderCreated: created,
		UploadedCount: uploaded,
	}, nil
}

func (s *UploadService) writeFile(f UploadFile, absPath string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(absPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(absPath)
		return err
	}
	return dst.Close()
}

// upsertImage returns the id of the row for this path, creating it when the
// path is new. Overwrites keep the existing row so re-uploading a filename
// never accumulates duplicates.
func (s *UploadService) upsertImage(userID, folderID int64, relPath string) (int64, error) {
	var id int64
	err := s.repo.DB.QueryRow(
		`SELECT id FROM images WHERE folder_id = ? AND file_path = ?`,
		folderID, relPath).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	result, err := db.ExecWithRetry(s.repo.DB,
		`INSERT INTO images (user_id, folder_id, file_path) VALUES (?, ?, ?)`,
		userID, folderID, relPath)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// sanitizeFilename strips any path components from a client-supplied name.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "." || name == ".." || name == "" {
		return uuid.NewString()
	}
	return name
}
