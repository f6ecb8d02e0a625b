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

	"github.com/pixfind/pixfind/internal/auth"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
)

// AccountService handles registration, login and account deletion.
type AccountService struct {
	repo       *db.Repository
	sessions   *SessionService
	search     searchclient.SearchClient
	events     eventbus.Publisher
	uploadRoot string
}

// NewAccountService creates the account service. search should be the
// breaker-wrapped client so index deletions degrade into retry rows.
func NewAccountService(repo *db.Repository, sessions *SessionService, search searchclient.SearchClient, events eventbus.Publisher, uploadRoot string) *AccountService {
	return &AccountService{
		repo:       repo,
		sessions:   sessions,
		search:     search,
		events:     events,
		uploadRoot: uploadRoot,
	}
}

// Register creates a new account. Usernames are trimmed and must be unique.
func (s *AccountService) Register(username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	result, err := db.ExecWithRetry(s.repo.DB,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, hash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	logger.Infof("Registered user %q (id=%d)", username, id)
	s.events.Publish(domain.NewEvent(domain.UserRegistered, map[string]interface{}{
		"user_id":  id,
		"username": username,
	}))

	return s.GetUser(id)
}

// Login verifies credentials and issues a session token. Unknown usernames
// and wrong passwords are indistinguishable to the caller.
func (s *AccountService) Login(username, password string) (string, *domain.User, error) {
	user, err := s.getUserByUsername(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.sessions.Create(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// GetUser loads a user by ID.
func (s *AccountService) GetUser(id int64) (*domain.User, error) {
	var user domain.User
	err := s.repo.DB.QueryRow(
		`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (s *AccountService) getUserByUsername(username string) (*domain.User, error) {
	var user domain.User
	err := s.repo.DB.QueryRow(
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// Delete removes an account and everything it owns: remote indexes (queued
// for retry if the search service is down), database rows (sessions, folders,
// images and shares cascade) and the user's upload subtree. The API returns
// as soon as the local state is gone; remote cleanup settles asynchronously.
func (s *AccountService) Delete(ctx context.Context, userID int64) error {
	if _, err := s.GetUser(userID); err != nil {
		return err
	}

	// Request index deletion for every owned folder before the rows go away
	rows, err := db.QueryWithRetry(s.repo.DB, `SELECT id FROM folders WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to list folders for deletion: %w", err)
	}
	var folderIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		folderIDs = append(folderIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, folderID := range folderIDs {
		// Breaker client: failures become retry queue rows, never errors
		_ = s.search.DeleteIndex(ctx, userID, folderID)
	}

	if _, err := db.ExecWithRetry(s.repo.DB, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	userDir := filepath.Join(s.uploadRoot, "images", strconv.FormatInt(userID, 10))
	if err := os.RemoveAll(userDir); err != nil {
		logger.Errorf("Failed to remove upload directory for user %d: %v", userID, err)
	}

	logger.Infof("Deleted user %d (%d folders)", userID, len(folderIDs))
	s.events.Publish(domain.NewEvent(domain.UserDeleted, map[string]interface{}{
		"user_id":      userID,
		"folder_count": len(folderIDs),
	}))
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
