package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pixfind/pixfind/internal/auth"
	"github.com/pixfind/pixfind/internal/clock"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
)

// SessionService manages opaque-token sessions with a sliding expiry: every
// successful validation pushes the expiry out by the full TTL.
type SessionService struct {
	repo   *db.Repository
	events eventbus.Publisher
	clock  clock.Clock
	ttl    time.Duration
}

// NewSessionService creates the session service.
func NewSessionService(repo *db.Repository, events eventbus.Publisher, clk clock.Clock, ttl time.Duration) *SessionService {
	return &SessionService{
		repo:   repo,
		events: events,
		clock:  clk,
		ttl:    ttl,
	}
}

// Create issues a new session token for the user.
func (s *SessionService) Create(userID int64) (string, error) {
	token, err := auth.GenerateSessionToken()
	if err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	_, err = db.ExecWithRetry(s.repo.DB,
		`INSERT INTO sessions (token, user_id, created_at, expires_at, last_seen_at) VALUES (?, ?, ?, ?, ?)`,
		token, userID, now, now.Add(s.ttl), now)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return token, nil
}

// Validate resolves a token to its session and slides the expiry forward.
// Returns ErrSessionInvalid for unknown tokens and ErrSessionExpired for
// known-but-stale ones (the stale row is removed).
func (s *SessionService) Validate(token string) (*domain.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	var sess domain.Session
	sess.Token = token
	err := s.repo.DB.QueryRow(
		`SELECT user_id, created_at, expires_at, last_seen_at FROM sessions WHERE token = ?`,
		token).Scan(&sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.clock.Now().UTC()
	if now.After(sess.ExpiresAt) {
		if _, err := db.ExecWithRetry(s.repo.DB, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
			logger.Warnf("Failed to remove expired session: %v", err)
		}
		return nil, ErrSessionExpired
	}

	// Sliding expiry
	newExpiry := now.Add(s.ttl)
	if _, err := db.ExecWithRetry(s.repo.DB,
		`UPDATE sessions SET expires_at = ?, last_seen_at = ? WHERE token = ?`,
		newExpiry, now, token); err != nil {
		logger.Warnf("Failed to extend session: %v", err)
	} else {
		sess.ExpiresAt = newExpiry
		sess.LastSeenAt = now
	}

	return &sess, nil
}

// Logout removes a session. Removing an unknown token is not an error.
func (s *SessionService) Logout(token string) error {
	_, err := db.ExecWithRetry(s.repo.DB, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeExpired removes all sessions past their expiry. Returns the number
// of rows removed.
func (s *SessionService) PurgeExpired() (int64, error) {
	result, err := db.ExecWithRetry(s.repo.DB,
		`DELETE FROM sessions WHERE expires_at < ?`, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	purged, _ := result.RowsAffected()
	if purged > 0 {
		logger.Infof("Purged %d expired sessions", purged)
		s.events.Publish(domain.NewEvent(domain.SessionsPurged, map[string]interface{}{
			"count": purged,
		}))
	}
	return purged, nil
}

// StartSweeper runs PurgeExpired at the given interval in the background.
// Returns a stop function.
func (s *SessionService) StartSweeper(interval time.Duration) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := s.PurgeExpired(); err != nil {
					logger.Errorf("Session sweep failed: %v", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}
