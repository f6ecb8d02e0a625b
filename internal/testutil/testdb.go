// Package testutil provides shared helpers for package tests: a throwaway
// migrated database, data fixtures and scripted doubles for the search
// client and event bus.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/pixfind/pixfind/internal/db"
)

// NewTestRepo creates a Repository backed by a temporary database file with
// all migrations applied. The database is removed with the test's temp dir.
func NewTestRepo(t *testing.T) *db.Repository {
	t.Helper()

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}
