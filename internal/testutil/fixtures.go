package testutil

import (
	"testing"

	"github.com/pixfind/pixfind/internal/auth"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
)

// TestPassword is the plaintext password every fixture user gets.
const TestPassword = "correct-horse-battery"

// CreateUser inserts a user and returns it.
func CreateUser(t *testing.T, repo *db.Repository, username string) *domain.User {
	t.Helper()

	hash, err := auth.HashPassword(TestPassword)
	if err != nil {
		t.Fatalf("Failed to hash fixture password: %v", err)
	}
	result, err := repo.DB.Exec(`INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, hash)
	if err != nil {
		t.Fatalf("Failed to insert fixture user %q: %v", username, err)
	}
	id, _ := result.LastInsertId()
	return &domain.User{ID: id, Username: username, PasswordHash: hash}
}

// CreateFolder inserts a folder owned by the user and returns it.
func CreateFolder(t *testing.T, repo *db.Repository, userID int64, name string) *domain.Folder {
	t.Helper()

	result, err := repo.DB.Exec(`INSERT INTO folders (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		t.Fatalf("Failed to insert fixture folder %q: %v", name, err)
	}
	id, _ := result.LastInsertId()
	return &domain.Folder{ID: id, UserID: userID, Name: name}
}

// CreateImage inserts an image row and returns its ID.
func CreateImage(t *testing.T, repo *db.Repository, userID, folderID int64, filePath string) int64 {
	t.Helper()

	result, err := repo.DB.Exec(`INSERT INTO images (user_id, folder_id, file_path) VALUES (?, ?, ?)`,
		userID, folderID, filePath)
	if err != nil {
		t.Fatalf("Failed to insert fixture image %q: %v", filePath, err)
	}
	id, _ := result.LastInsertId()
	return id
}

// ShareFolder grants view access on a folder to another user.
func ShareFolder(t *testing.T, repo *db.Repository, folderID, ownerID, targetID int64) {
	t.Helper()

	_, err := repo.DB.Exec(
		`INSERT INTO folder_shares (folder_id, owner_id, shared_with_user_id, permission) VALUES (?, ?, ?, 'view')`,
		folderID, ownerID, targetID)
	if err != nil {
		t.Fatalf("Failed to insert fixture share: %v", err)
	}
}
