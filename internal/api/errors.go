package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
	"github.com/pixfind/pixfind/internal/services"
)

// errorResponse is the uniform error body rendered by every handler.
type errorResponse struct {
	Detail    string `json:"detail"`
	Status    int    `json:"status"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// statusFor maps a services-layer error to its HTTP status. Anything not in
// the table is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrNoFiles),
		errors.Is(err, services.ErrBadExtension):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrSessionInvalid),
		errors.Is(err, services.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrFolderNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUsernameTaken),
		errors.Is(err, services.ErrDuplicateShare):
		return http.StatusConflict
	case errors.Is(err, searchclient.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError renders err as the uniform error body. Internal errors
// are logged in full but reach the client as a generic message.
func respondWithError(c *gin.Context, err error) {
	status := statusFor(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("Internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		detail = "internal server error"
	}

	c.AbortWithStatusJSON(status, errorResponse{
		Detail:    detail,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
	})
}
