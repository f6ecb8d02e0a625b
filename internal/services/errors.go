// Package services holds the application's business logic: accounts and
// sessions, folders and sharing, uploads, the search pipeline, the embedding
// dispatcher and the durable retry queue with its scheduler.
package services

import "errors"

// Sentinel errors returned by the services layer. The API layer maps these
// to HTTP statuses with errors.Is; everything else becomes a 500.
var (
	// ErrInvalidCredentials - unknown username or wrong password (401).
	// Deliberately indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUsernameTaken - registration against an existing username (409).
	ErrUsernameTaken = errors.New("username already taken")

	// ErrSessionInvalid - token unknown or malformed (401).
	ErrSessionInvalid = errors.New("invalid session token")

	// ErrSessionExpired - token known but past its expiry (401).
	ErrSessionExpired = errors.New("session expired")

	// ErrUserNotFound - referenced user does not exist (404).
	ErrUserNotFound = errors.New("user not found")

	// ErrFolderNotFound - referenced folder does not exist (404).
	ErrFolderNotFound = errors.New("folder not found")

	// ErrAccessDenied - caller lacks permission on the resource (403).
	ErrAccessDenied = errors.New("access denied")

	// ErrDuplicateShare - folder already shared with that user (409).
	ErrDuplicateShare = errors.New("folder already shared with this user")

	// ErrNoFiles - upload request with zero files (400).
	ErrNoFiles = errors.New("no files provided")

	// ErrBadExtension - upload contains a disallowed file type (400).
	ErrBadExtension = errors.New("file type not allowed")

	// ErrValidation - generic invalid-input error (400).
	ErrValidation = errors.New("invalid request")
)
