package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/testutil"
)

func memFile(name, content string) UploadFile {
	return UploadFile{
		Filename: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		},
	}
}

func newTestUpload(t *testing.T) (*UploadService, *db.Repository, *testutil.MockSearchClient, *config.Config) {
	t.Helper()
	repo := testutil.NewTestRepo(t)
	events := testutil.NewMockPublisher()
	client := &testutil.MockSearchClient{}

	cfg := config.NewTestConfig()
	cfg.UploadRoot = t.TempDir()

	folders := NewFolderService(repo, client, events, cfg.UploadRoot)
	dispatcher := NewEmbeddingDispatcher(client, events, cfg)
	t.Cleanup(dispatcher.Stop)

	upload := NewUploadService(repo, folders, client, dispatcher, events, cfg)
	return upload, repo, client, cfg
}

// waitForEmbedCalls polls the mock until the dispatcher has delivered n
// embed calls or the deadline passes.
func waitForEmbedCalls(t *testing.T, client *testutil.MockSearchClient, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.EmbedCallCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d embed calls, saw %d", n, client.EmbedCallCount())
}

func TestUploadStoresFilesAndDispatchesEmbedding(t *testing.T) {
	upload, repo, client, cfg := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	result, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{
		memFile("beach.jpg", "jpeg-bytes"),
		memFile("sunset.png", "png-bytes"),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if result.UploadedCount != 2 || !result.FolderCreated {
		t.Errorf("Unexpected result: %+v", result)
	}

	// Files on disk under images/{user}/{folder}/
	folderDir := filepath.Join(cfg.UploadRoot, "images",
		strconv.FormatInt(alice.ID, 10), strconv.FormatInt(result.FolderID, 10))
	data, err := os.ReadFile(filepath.Join(folderDir, "beach.jpg"))
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("Stored file wrong: %q err=%v", data, err)
	}

	// Rows with relative paths
	var relPath string
	err = repo.DB.QueryRow(`SELECT file_path FROM images WHERE folder_id = ? ORDER BY id LIMIT 1`, result.FolderID).Scan(&relPath)
	if err != nil {
		t.Fatalf("Image row missing: %v", err)
	}
	wantPrefix := "images/" + strconv.FormatInt(alice.ID, 10) + "/" + strconv.FormatInt(result.FolderID, 10) + "/"
	if relPath != wantPrefix+"beach.jpg" {
		t.Errorf("Expected relative path %q, got %q", wantPrefix+"beach.jpg", relPath)
	}

	// New folder means an index provision call
	if len(client.CreateCalls) != 1 || client.CreateCalls[0] != [2]int64{alice.ID, result.FolderID} {
		t.Errorf("Expected one CreateIndex call, got %+v", client.CreateCalls)
	}

	// The dispatcher delivers the batch asynchronously
	waitForEmbedCalls(t, client, 1)
	embed := client.EmbedCalls[0]
	if embed.FolderID != result.FolderID || len(embed.Images) != 2 {
		t.Errorf("Unexpected embed call: %+v", embed)
	}
	// Embed payload carries the same relative path the row stores
	if embed.Images[0].ImageID == 0 || embed.Images[0].FilePath != wantPrefix+"beach.jpg" {
		t.Errorf("Embed images must carry IDs and relative paths: %+v", embed.Images[0])
	}
}

func TestUploadSecondBatchReusesFolder(t *testing.T) {
	upload, repo, client, _ := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	first, _ := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{memFile("a.jpg", "x")})
	second, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{memFile("b.jpg", "y")})
	if err != nil {
		t.Fatalf("Second upload failed: %v", err)
	}
	if second.FolderCreated || second.FolderID != first.FolderID {
		t.Errorf("Expected folder reuse, got %+v", second)
	}
	// No second CreateIndex
	if len(client.CreateCalls) != 1 {
		t.Errorf("Expected 1 CreateIndex call, got %d", len(client.CreateCalls))
	}
}

func TestUploadRejectsEmptyAndBadFiles(t *testing.T) {
	upload, repo, client, _ := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	if _, err := upload.Upload(context.Background(), alice.ID, "vacation", nil); !errors.Is(err, ErrNoFiles) {
		t.Errorf("Expected ErrNoFiles, got %v", err)
	}

	// One bad extension rejects the whole batch, including the valid file
	_, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{
		memFile("fine.jpg", "x"),
		memFile("script.exe", "x"),
	})
	if !errors.Is(err, ErrBadExtension) {
		t.Errorf("Expected ErrBadExtension, got %v", err)
	}

	var images int
	repo.DB.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&images)
	if images != 0 {
		t.Errorf("Rejected batch must store nothing, got %d rows", images)
	}
	var folders int
	repo.DB.QueryRow(`SELECT COUNT(*) FROM folders`).Scan(&folders)
	if folders != 0 {
		t.Errorf("Rejected batch must not create the folder, got %d", folders)
	}
	if len(client.CreateCalls) != 0 {
		t.Error("Rejected batch must not provision an index")
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	upload, repo, _, _ := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	big := memFile("huge.jpg", "x")
	big.Size = 26 << 20

	if _, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{big}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for oversized file, got %v", err)
	}
}

func TestUploadSanitizesFilenames(t *testing.T) {
	upload, repo, _, cfg := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	result, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{
		memFile("../../etc/passwd.jpg", "x"),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	folderDir := filepath.Join(cfg.UploadRoot, "images",
		strconv.FormatInt(alice.ID, 10), strconv.FormatInt(result.FolderID, 10))
	if _, err := os.Stat(filepath.Join(folderDir, "passwd.jpg")); err != nil {
		t.Errorf("Expected sanitized file inside the folder dir: %v", err)
	}
	// Nothing escaped the upload root
	if _, err := os.Stat(filepath.Join(cfg.UploadRoot, "..", "etc")); !os.IsNotExist(err) {
		t.Error("Path traversal must not escape the upload root")
	}
}

func TestUploadSameNameOverwrites(t *testing.T) {
	upload, repo, client, cfg := newTestUpload(t)
	alice := testutil.CreateUser(t, repo, "alice")

	upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{memFile("a.jpg", "first")})
	waitForEmbedCalls(t, client, 1)
	firstID := client.EmbedCalls[0].Images[0].ImageID

	result, err := upload.Upload(context.Background(), alice.ID, "vacation", []UploadFile{memFile("a.jpg", "second")})
	if err != nil {
		t.Fatalf("Second upload failed: %v", err)
	}

	// The path is deterministic, so the file is replaced in place
	folderDir := filepath.Join(cfg.UploadRoot, "images",
		strconv.FormatInt(alice.ID, 10), strconv.FormatInt(result.FolderID, 10))
	entries, _ := os.ReadDir(folderDir)
	if len(entries) != 1 {
		t.Fatalf("Expected a single file after re-upload, got %d", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(folderDir, "a.jpg"))
	if string(data) != "second" {
		t.Errorf("Re-upload must overwrite the file, got %q", data)
	}

	// And the row is reused, not duplicated
	var rows int
	repo.DB.QueryRow(`SELECT COUNT(*) FROM images WHERE folder_id = ?`, result.FolderID).Scan(&rows)
	if rows != 1 {
		t.Errorf("Expected 1 image row after re-upload, got %d", rows)
	}

	waitForEmbedCalls(t, client, 2)
	if secondID := client.EmbedCalls[1].Images[0].ImageID; secondID != firstID {
		t.Errorf("Re-upload must re-embed the same image id, got %d then %d", firstID, secondID)
	}
}
