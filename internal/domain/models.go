package domain

import "time"

// User is an account row. PasswordHash never leaves the services layer.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is an opaque-token session row with a sliding expiry.
type Session struct {
	Token      string    `json:"-"`
	UserID     int64     `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Folder groups a user's images. Names are unique per owner.
type Folder struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FolderView is a folder as seen by a particular user, including access
// provenance for the folder listing endpoint.
type FolderView struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	OwnerID       int64  `json:"owner_id"`
	OwnerUsername string `json:"owner_username"`
	IsOwner       bool   `json:"is_owner"`
	IsShared      bool   `json:"is_shared"`
	Permission    string `json:"permission,omitempty"`
	ImageCount    int64  `json:"image_count"`
}

// Image is a stored upload. FilePath is relative to the upload root,
// e.g. "images/4/9/sunset.jpg".
type Image struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	FolderID   int64     `json:"folder_id"`
	FilePath   string    `json:"file_path"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Retry queue row statuses. Transitions:
// PENDING -> IN_PROGRESS -> SUCCEEDED | PENDING (retry_count++) | FAILED.
const (
	RetryStatusPending    = "PENDING"
	RetryStatusInProgress = "IN_PROGRESS"
	RetryStatusSucceeded  = "SUCCEEDED"
	RetryStatusFailed     = "FAILED"
)

// FailedEmbedRequest is a durably queued embed batch awaiting retry.
// ImagesPayload is the JSON-encoded image list exactly as it would be sent.
type FailedEmbedRequest struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	FolderID      int64      `json:"folder_id"`
	ImagesPayload string     `json:"-"`
	ImageCount    int        `json:"image_count"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRetryAt   *time.Time `json:"last_retry_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// FailedIndexDeletion is a durably queued index deletion awaiting retry.
type FailedIndexDeletion struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	FolderID     int64      `json:"folder_id"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
