package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pixfind/pixfind/internal/clock"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/testutil"
)

func newTestAccounts(t *testing.T) (*AccountService, *db.Repository, *testutil.MockSearchClient, string) {
	t.Helper()
	repo := testutil.NewTestRepo(t)
	events := testutil.NewMockPublisher()
	client := &testutil.MockSearchClient{}
	uploadRoot := t.TempDir()

	sessions := NewSessionService(repo, events, clock.NewRealClock(), 24*time.Hour)
	accounts := NewAccountService(repo, sessions, client, events, uploadRoot)
	return accounts, repo, client, uploadRoot
}

func TestRegisterAndLogin(t *testing.T) {
	accounts, _, _, _ := newTestAccounts(t)

	user, err := accounts.Register("carol", "a-long-password")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Username != "carol" || user.ID == 0 {
		t.Errorf("Unexpected user: %+v", user)
	}

	token, logged, err := accounts.Login("carol", "a-long-password")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" || logged.ID != user.ID {
		t.Errorf("Unexpected login result: token=%q user=%+v", token, logged)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	accounts, _, _, _ := newTestAccounts(t)

	if _, err := accounts.Register("carol", "a-long-password"); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	if _, err := accounts.Register("carol", "another-password"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	accounts, _, _, _ := newTestAccounts(t)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "a-long-password"},
		{"empty password", "carol", ""},
		{"short password", "carol", "short"},
		{"whitespace username", "   ", "a-long-password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := accounts.Register(tc.username, tc.password); !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	accounts, _, _, _ := newTestAccounts(t)
	accounts.Register("carol", "a-long-password")

	// Wrong password and unknown user look identical
	if _, _, err := accounts.Login("carol", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := accounts.Login("mallory", "a-long-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestDeleteAccountRemovesEverything(t *testing.T) {
	accounts, repo, client, uploadRoot := newTestAccounts(t)

	user, _ := accounts.Register("carol", "a-long-password")
	f1 := testutil.CreateFolder(t, repo, user.ID, "vacation")
	f2 := testutil.CreateFolder(t, repo, user.ID, "pets")
	testutil.CreateImage(t, repo, user.ID, f1.ID, "images/1/1/a.jpg")

	// Put a file where the user's uploads live
	userDir := filepath.Join(uploadRoot, "images", strconv.FormatInt(user.ID, 10))
	os.MkdirAll(filepath.Join(userDir, "1"), 0755)
	os.WriteFile(filepath.Join(userDir, "1", "a.jpg"), []byte("x"), 0644)

	if err := accounts.Delete(context.Background(), user.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// One index deletion per owned folder
	if len(client.DeleteCalls) != 2 {
		t.Errorf("Expected 2 DeleteIndex calls, got %d", len(client.DeleteCalls))
	}
	seen := map[int64]bool{}
	for _, call := range client.DeleteCalls {
		seen[call[1]] = true
	}
	if !seen[f1.ID] || !seen[f2.ID] {
		t.Errorf("DeleteIndex not called for all folders: %+v", client.DeleteCalls)
	}

	if _, err := accounts.GetUser(user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected user gone, got %v", err)
	}

	var folders, images int
	repo.DB.QueryRow(`SELECT COUNT(*) FROM folders WHERE user_id = ?`, user.ID).Scan(&folders)
	repo.DB.QueryRow(`SELECT COUNT(*) FROM images WHERE user_id = ?`, user.ID).Scan(&images)
	if folders != 0 || images != 0 {
		t.Errorf("Expected cascaded rows gone, folders=%d images=%d", folders, images)
	}

	if _, err := os.Stat(userDir); !os.IsNotExist(err) {
		t.Error("Expected the user's upload directory to be removed")
	}
}

func TestDeleteUnknownAccount(t *testing.T) {
	accounts, _, _, _ := newTestAccounts(t)

	if err := accounts.Delete(context.Background(), 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestRegisterPublishesEvent(t *testing.T) {
	repo := testutil.NewTestRepo(t)
	events := testutil.NewMockPublisher()
	sessions := NewSessionService(repo, events, clock.NewRealClock(), 24*time.Hour)
	accounts := NewAccountService(repo, sessions, &testutil.MockSearchClient{}, events, t.TempDir())

	accounts.Register("carol", "a-long-password")

	got := events.EventsOfType(domain.UserRegistered)
	if len(got) != 1 {
		t.Fatalf("Expected 1 UserRegistered event, got %d", len(got))
	}
	if username, _ := got[0].GetString("username"); username != "carol" {
		t.Errorf("Expected username in event, got %q", username)
	}
}
