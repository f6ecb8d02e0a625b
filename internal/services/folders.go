package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// SharePermissionView is the only share permission currently granted.
// Shared folders are searchable and listable, never writable.
const SharePermissionView = "view"

// FolderService manages folders, sharing and folder-level access control.
type FolderService struct {
	repo       *db.Repository
	search     searchclient.SearchClient
	events     eventbus.Publisher
	uploadRoot string
}

// NewFolderService creates the folder service. search should be the
// breaker-wrapped client.
func NewFolderService(repo *db.Repository, search searchclient.SearchClient, events eventbus.Publisher, uploadRoot string) *FolderService {
	return &FolderService{
		repo:       repo,
		search:     search,
		events:     events,
		uploadRoot: uploadRoot,
	}
}

// GetFolder loads a folder by ID.
func (s *FolderService) GetFolder(folderID int64) (*domain.Folder, error) {
	var f domain.Folder
	err := s.repo.DB.QueryRow(
		`SELECT id, user_id, name, created_at FROM folders WHERE id = ?`, folderID).
		Scan(&f.ID, &f.UserID, &f.Name, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	return &f, nil
}

// MayRead reports whether the user owns the folder or has it shared with them.
func (s *FolderService) MayRead(userID, folderID int64) (bool, error) {
	var n int
	err := s.repo.DB.QueryRow(
		`SELECT COUNT(*) FROM folders f
		 LEFT JOIN folder_shares fs ON fs.folder_id = f.id AND fs.shared_with_user_id = ?
		 WHERE f.id = ? AND (f.user_id = ? OR fs.id IS NOT NULL)`,
		userID, folderID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check folder access: %w", err)
	}
	return n > 0, nil
}

// ResolveOrCreate finds the user's folder by name, creating it if missing.
// Returns the folder and whether it was newly created.
func (s *FolderService) ResolveOrCreate(userID int64, name string) (*domain.Folder, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("%w: folder name is required", ErrValidation)
	}

	var f domain.Folder
	err := s.repo.DB.QueryRow(
		`SELECT id, user_id, name, created_at FROM folders WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&f.ID, &f.UserID, &f.Name, &f.CreatedAt)
	if err == nil {
		return &f, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to resolve folder: %w", err)
	}

	result, err := db.ExecWithRetry(s.repo.DB,
		`INSERT INTO folders (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		// Concurrent create of the same name: fall back to the winner's row
		if isUniqueViolation(err) {
			f2, _, err2 := s.ResolveOrCreate(userID, name)
			return f2, false, err2
		}
		return nil, false, fmt.Errorf("failed to create folder: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	logger.Infof("Created folder %q (id=%d) for user %d", name, id, userID)
	s.events.Publish(domain.NewEvent(domain.FolderCreated, map[string]interface{}{
		"user_id":   userID,
		"folder_id": id,
		"name":      name,
	}))

	created, err := s.GetFolder(id)
	return created, true, err
}

// ListAccessible returns the folders the user owns plus those shared with
// them, each annotated with provenance and image count.
func (s *FolderService) ListAccessible(userID int64) ([]domain.FolderView, error) {
	rows, err := db.QueryWithRetry(s.repo.DB,
		`SELECT f.id, f.name, f.user_id, u.username,
		        (f.user_id = ?) AS is_owner,
		        COALESCE(fs.permission, '') AS permission,
		        (SELECT COUNT(*) FROM images i WHERE i.folder_id = f.id) AS image_count
		 FROM folders f
		 JOIN users u ON u.id = f.user_id
		 LEFT JOIN folder_shares fs ON fs.folder_id = f.id AND fs.shared_with_user_id = ?
		 WHERE f.user_id = ? OR fs.id IS NOT NULL
		 ORDER BY f.name ASC`,
		userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	views := []domain.FolderView{}
	for rows.Next() {
		var v domain.FolderView
		if err := rows.Scan(&v.ID, &v.Name, &v.OwnerID, &v.OwnerUsername, &v.IsOwner, &v.Permission, &v.ImageCount); err != nil {
			return nil, fmt.Errorf("failed to scan folder row: %w", err)
		}
		v.IsShared = !v.IsOwner
		if v.IsOwner {
			v.Permission = ""
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// Delete removes a folder: its files on disk, its remote index (queued for
// retry when the service is down) and its database rows. Only the owner may
// delete; shared access is read-only.
func (s *FolderService) Delete(ctx context.Context, userID, folderID int64) error {
	folder, err := s.GetFolder(folderID)
	if err != nil {
		return err
	}
	if folder.UserID != userID {
		return ErrAccessDenied
	}

	// Breaker client: failure becomes a retry queue row
	_ = s.search.DeleteIndex(ctx, folder.UserID, folderID)

	if _, err := db.ExecWithRetry(s.repo.DB, `DELETE FROM folders WHERE id = ?`, folderID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}

	folderDir := filepath.Join(s.uploadRoot, "images",
		strconv.FormatInt(folder.UserID, 10), strconv.FormatInt(folderID, 10))
	if err := os.RemoveAll(folderDir); err != nil {
		logger.Errorf("Failed to remove folder directory %s: %v", folderDir, err)
	}

	logger.Infof("Deleted folder %d (%q) for user %d", folderID, folder.Name, userID)
	s.events.Publish(domain.NewEvent(domain.FolderDeleted, map[string]interface{}{
		"user_id":   userID,
		"folder_id": folderID,
		"name":      folder.Name,
	}))
	return nil
}

// Share grants another user read access to a folder. Only the owner may
// share; sharing twice with the same user is a conflict.
func (s *FolderService) Share(ownerID, folderID int64, targetUsername string) error {
	folder, err := s.GetFolder(folderID)
	if err != nil {
		return err
	}
	if folder.UserID != ownerID {
		return ErrAccessDenied
	}

	var targetID int64
	err = s.repo.DB.QueryRow(`SELECT id FROM users WHERE username = ?`, strings.TrimSpace(targetUsername)).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve share target: %w", err)
	}
	if targetID == ownerID {
		return fmt.Errorf("%w: cannot share a folder with yourself", ErrValidation)
	}

	_, err = db.ExecWithRetry(s.repo.DB,
		`INSERT INTO folder_shares (folder_id, owner_id, shared_with_user_id, permission) VALUES (?, ?, ?, ?)`,
		folderID, ownerID, targetID, SharePermissionView)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateShare
		}
		return fmt.Errorf("failed to share folder: %w", err)
	}

	logger.Infof("Folder %d shared by user %d with %q", folderID, ownerID, targetUsername)
	s.events.Publish(domain.NewEvent(domain.FolderShared, map[string]interface{}{
		"folder_id":   folderID,
		"owner_id":    ownerID,
		"shared_with": targetID,
	}))
	return nil
}
