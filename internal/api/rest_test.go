package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixfind/pixfind/internal/clock"
	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
	"github.com/pixfind/pixfind/internal/services"
	"github.com/pixfind/pixfind/internal/testutil"
)

// testServer assembles the full HTTP stack over a scripted search service.
type testServer struct {
	server *RESTServer
	mock   *testutil.MockSearchClient
	repo   *db.Repository
	queue  *services.FailedRequestService
	cfg    *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.NewTestConfig()
	cfg.UploadRoot = t.TempDir()
	cfg.PublicBaseURL = "http://localhost:8080"
	config.SetForTesting(cfg)

	repo := testutil.NewTestRepo(t)
	events := testutil.NewMockPublisher()
	mock := &testutil.MockSearchClient{}

	queue := services.NewFailedRequestService(repo, events, cfg.RetryMaxAttempts)
	registry := searchclient.NewBreakerRegistry(searchclient.BreakerConfigFromApp(cfg), nil)
	breakerClient := searchclient.NewBreakerClient(mock, registry, searchclient.Fallbacks{
		OnEmbedFailure: func(req searchclient.EmbedRequest, callErr error) {
			if err := queue.RecordFailedEmbed(req, callErr); err != nil {
				logger.Errorf("Failed to queue embed batch for retry: %v", err)
			}
		},
		OnDeleteFailure: func(userID, folderID int64, callErr error) {
			if err := queue.RecordFailedDeletion(userID, folderID, callErr); err != nil {
				logger.Errorf("Failed to queue index deletion for retry: %v", err)
			}
		},
	})

	sessions := services.NewSessionService(repo, events, clock.NewRealClock(), cfg.SessionTTL)
	folders := services.NewFolderService(repo, breakerClient, events, cfg.UploadRoot)
	accounts := services.NewAccountService(repo, sessions, breakerClient, events, cfg.UploadRoot)
	dispatcher := services.NewEmbeddingDispatcher(breakerClient, events, cfg)
	t.Cleanup(dispatcher.Stop)
	uploads := services.NewUploadService(repo, folders, breakerClient, dispatcher, events, cfg)
	search := services.NewSearchService(repo, folders, breakerClient, events, cfg.PublicBaseURL)
	scheduler := services.NewRetryScheduler(queue, mock, cfg)

	server := NewRESTServer(Deps{
		Config:     cfg,
		Accounts:   accounts,
		Sessions:   sessions,
		Folders:    folders,
		Uploads:    uploads,
		Search:     search,
		Queue:      queue,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Breakers:   registry,
	})

	return &testServer{server: server, mock: mock, repo: repo, queue: queue, cfg: cfg}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) register(t *testing.T, username, password string) {
	t.Helper()
	w := ts.doJSON(t, http.MethodPost, "/api/users/register", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusCreated, w.Code, "register failed: %s", w.Body.String())
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	w := ts.doJSON(t, http.MethodPost, "/api/users/login", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, "login failed: %s", w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (ts *testServer) upload(t *testing.T, token, folderName string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("token", token))
	require.NoError(t, mw.WriteField("folderName", folderName))
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		fw.Write([]byte(content))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/images/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) waitForEmbedCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.mock.EmbedCallCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d embed calls, saw %d", n, ts.mock.EmbedCallCount())
}

func (ts *testServer) waitForPendingEmbeds(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := ts.queue.Stats()
		require.NoError(t, err)
		if stats.Embeds[domain.RetryStatusPending] == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d pending embed rows", n)
}

func TestRegisterLoginLogout(t *testing.T) {
	ts := newTestServer(t)

	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")
	assert.Len(t, token, 44)

	w := ts.doJSON(t, http.MethodPost, "/api/users/logout", map[string]string{"token": token})
	assert.Equal(t, http.StatusOK, w.Code)

	// Token is dead after logout
	w = ts.doJSON(t, http.MethodGet, "/api/folders?token="+token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")

	w := ts.doJSON(t, http.MethodPost, "/api/users/register", map[string]string{
		"username": "alice", "password": "pw123-long-enough",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Uniform error body
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, body.Status)
	assert.Equal(t, "/api/users/register", body.Path)
	assert.NotEmpty(t, body.Detail)
	assert.NotEmpty(t, body.Timestamp)
}

func TestLoginBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")

	w := ts.doJSON(t, http.MethodPost, "/api/users/login", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSearchRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doJSON(t, http.MethodGet, "/api/images/search?query=cat", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHappySearchScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "cat-bytes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var uploadResp struct {
		FolderID      int64 `json:"folder_id"`
		UploadedCount int   `json:"uploaded_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadResp))
	assert.Equal(t, 1, uploadResp.UploadedCount)

	ts.waitForEmbedCalls(t, 1)
	imageID := ts.mock.EmbedCalls[0].Images[0].ImageID

	ts.mock.SearchResponse = &searchclient.SearchResponse{
		Results: []searchclient.SearchHit{{ImageID: imageID, Score: 0.87, FolderID: uploadResp.FolderID}},
		Total:   1,
	}

	w = ts.doJSON(t, http.MethodGet, "/api/images/search?token="+token+"&query=cat&top_k=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var searchResp struct {
		Results []struct {
			Image      string  `json:"image"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &searchResp))
	require.Len(t, searchResp.Results, 1)
	assert.Equal(t, 0.87, searchResp.Results[0].Similarity)
	assert.Contains(t, searchResp.Results[0].Image, "/images/1/1/a.jpg")
	assert.Contains(t, searchResp.Results[0].Image, ts.cfg.PublicBaseURL)
}

func TestSearchSilentlyFiltersForeignFolders(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	aliceToken := ts.login(t, "alice", "pw123-long-enough")
	ts.register(t, "bob", "pw456-long-enough")
	bobToken := ts.login(t, "bob", "pw456-long-enough")

	w := ts.upload(t, aliceToken, "private", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	// Bob asks for alice's folder 1: empty result, not 403
	w = ts.doJSON(t, http.MethodGet, "/api/images/search?token="+bobToken+"&query=cat&folder_ids=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, len(ts.mock.SearchCalls), "filtered-out search must not reach the service")
}

func TestShareThenSearchScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	aliceToken := ts.login(t, "alice", "pw123-long-enough")
	ts.register(t, "bob", "pw456-long-enough")
	bobToken := ts.login(t, "bob", "pw456-long-enough")

	w := ts.upload(t, aliceToken, "vacation", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	ts.waitForEmbedCalls(t, 1)
	imageID := ts.mock.EmbedCalls[0].Images[0].ImageID

	w = ts.doJSON(t, http.MethodPost, "/api/folders/share", map[string]interface{}{
		"token": aliceToken, "folder_id": 1, "target_username": "bob", "permission": "view",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Bob's folder listing shows the share with provenance
	w = ts.doJSON(t, http.MethodGet, "/api/folders?token="+bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var folderResp struct {
		Folders []struct {
			ID            int64  `json:"id"`
			IsShared      bool   `json:"is_shared"`
			OwnerUsername string `json:"owner_username"`
		} `json:"folders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &folderResp))
	require.Len(t, folderResp.Folders, 1)
	assert.True(t, folderResp.Folders[0].IsShared)
	assert.Equal(t, "alice", folderResp.Folders[0].OwnerUsername)

	// Bob can search alice's folder
	ts.mock.SearchResponse = &searchclient.SearchResponse{
		Results: []searchclient.SearchHit{{ImageID: imageID, Score: 0.9, FolderID: 1}},
		Total:   1,
	}
	w = ts.doJSON(t, http.MethodGet, "/api/images/search?token="+bobToken+"&query=beach&folder_ids=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var searchResp struct {
		Results []struct {
			Image string `json:"image"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &searchResp))
	require.Len(t, searchResp.Results, 1)

	// The owner map pointed the service at alice's index
	req := ts.mock.SearchCalls[len(ts.mock.SearchCalls)-1]
	assert.Equal(t, int64(1), req.FolderOwnerMap[1])
}

func TestUploadDuringOutageScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	// Primary down: embeds fail
	ts.mock.EmbedErr = errors.New("connection refused")

	w := ts.upload(t, token, "cats", map[string]string{
		"a.jpg": "x", "b.jpg": "y", "c.jpg": "z",
	})
	require.Equal(t, http.StatusOK, w.Code, "upload must succeed during an outage")

	var uploadResp struct {
		UploadedCount int `json:"uploaded_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadResp))
	assert.Equal(t, 3, uploadResp.UploadedCount)

	// One queued request holding all 3 images
	ts.waitForPendingEmbeds(t, 1)

	w = ts.doJSON(t, http.MethodGet, "/api/admin/retry-queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		PendingEmbeds int64 `json:"pending_embeds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.PendingEmbeds)

	// Service recovers; manual trigger drains the queue
	ts.mock.EmbedErr = nil
	w = ts.doJSON(t, http.MethodPost, "/api/admin/retry-queue/trigger-embed-retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trigger struct {
		Processed int `json:"processed"`
		Succeeded int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trigger))
	assert.Equal(t, 1, trigger.Processed)
	assert.Equal(t, 1, trigger.Succeeded)

	queueStats, err := ts.queue.Stats()
	require.NoError(t, err)
	assert.Zero(t, queueStats.Embeds[domain.RetryStatusPending])

	// Redelivered batch carried all 3 images
	last := ts.mock.EmbedCalls[len(ts.mock.EmbedCalls)-1]
	assert.Len(t, last.Images, 3)
}

func TestSearchDuringOutageReturns503(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	ts.mock.SearchErr = errors.New("connection refused")

	w = ts.doJSON(t, http.MethodGet, "/api/images/search?token="+token+"&query=cat", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Detail, "unavailable")
}

func TestFolderDeleteDuringOutageScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	ts.mock.DeleteErr = errors.New("connection refused")

	w = ts.doJSON(t, http.MethodDelete, "/api/folders", map[string]interface{}{
		"token": token, "folder_ids": []int64{1},
	})
	require.Equal(t, http.StatusOK, w.Code, "folder delete must succeed during an outage")

	var count int
	ts.repo.DB.QueryRow(`SELECT COUNT(*) FROM folders`).Scan(&count)
	assert.Zero(t, count, "local rows must be gone")

	stats, err := ts.queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Deletions[domain.RetryStatusPending])

	// Recovery: retry clears the orphan index
	ts.mock.DeleteErr = nil
	w = ts.doJSON(t, http.MethodPost, "/api/admin/retry-queue/trigger-index-deletion-retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats, err = ts.queue.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Deletions[domain.RetryStatusPending])
}

func TestDeleteFolderRequiresOwnershipOverAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	aliceToken := ts.login(t, "alice", "pw123-long-enough")
	ts.register(t, "bob", "pw456-long-enough")
	bobToken := ts.login(t, "bob", "pw456-long-enough")

	w := ts.upload(t, aliceToken, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.doJSON(t, http.MethodDelete, "/api/folders", map[string]interface{}{
		"token": bobToken, "folder_ids": []int64{1},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var count int
	ts.repo.DB.QueryRow(`SELECT COUNT(*) FROM folders`).Scan(&count)
	assert.Equal(t, 1, count, "denied delete must not remove anything")
}

func TestUploadValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	// Zero files
	w := ts.upload(t, token, "cats", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Mixed valid/invalid extensions rejects the batch
	w = ts.upload(t, token, "cats", map[string]string{"ok.jpg": "x", "bad.exe": "y"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var images int
	ts.repo.DB.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&images)
	assert.Zero(t, images)
}

func TestShareErrorsOverAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")
	ts.register(t, "bob", "pw456-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	// Unknown target user
	w = ts.doJSON(t, http.MethodPost, "/api/folders/share", map[string]interface{}{
		"token": token, "folder_id": 1, "target_username": "mallory",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// First share succeeds, second conflicts
	share := map[string]interface{}{"token": token, "folder_id": 1, "target_username": "bob"}
	w = ts.doJSON(t, http.MethodPost, "/api/folders/share", share)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.doJSON(t, http.MethodPost, "/api/folders/share", share)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unsupported permission
	w = ts.doJSON(t, http.MethodPost, "/api/folders/share", map[string]interface{}{
		"token": token, "folder_id": 1, "target_username": "bob", "permission": "edit",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAccountOverAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.doJSON(t, http.MethodDelete, "/api/users/delete", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Everything is gone and the credentials no longer work
	var users int
	ts.repo.DB.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users)
	assert.Zero(t, users)

	loginW := ts.doJSON(t, http.MethodPost, "/api/users/login", map[string]string{
		"username": "alice", "password": "pw123-long-enough",
	})
	assert.Equal(t, http.StatusUnauthorized, loginW.Code)

	assert.Len(t, ts.mock.DeleteCalls, 1, "one DeleteIndex per owned folder")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doJSON(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestBreakerAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "alice", "pw123-long-enough")
	token := ts.login(t, "alice", "pw123-long-enough")

	w := ts.upload(t, token, "cats", map[string]string{"a.jpg": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	ts.waitForEmbedCalls(t, 1)

	w = ts.doJSON(t, http.MethodGet, "/api/admin/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CLOSED")

	w = ts.doJSON(t, http.MethodPost, "/api/admin/breakers/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
