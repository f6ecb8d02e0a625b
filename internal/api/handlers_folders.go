package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixfind/pixfind/internal/services"
)

func (s *RESTServer) handleListFolders(c *gin.Context) {
	userID, ok := s.authenticate(c, c.Query("token"))
	if !ok {
		return
	}

	views, err := s.folders.ListAccessible(userID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": views})
}

type deleteFoldersRequest struct {
	Token     string  `json:"token"`
	FolderIDs []int64 `json:"folder_ids"`
}

// handleDeleteFolders deletes a batch of owned folders. The batch is
// all-or-nothing on validation (any denied or unknown folder rejects the
// request before anything is deleted), matching the upload pipeline's
// validate-first behavior.
func (s *RESTServer) handleDeleteFolders(c *gin.Context) {
	var req deleteFoldersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}
	if len(req.FolderIDs) == 0 {
		respondWithError(c, fmt.Errorf("%w: folder_ids is required", services.ErrValidation))
		return
	}

	userID, ok := s.authenticate(c, req.Token)
	if !ok {
		return
	}

	// Validate ownership of the whole batch before deleting anything
	for _, folderID := range req.FolderIDs {
		folder, err := s.folders.GetFolder(folderID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if folder.UserID != userID {
			respondWithError(c, services.ErrAccessDenied)
			return
		}
	}

	for _, folderID := range req.FolderIDs {
		if err := s.folders.Delete(c.Request.Context(), userID, folderID); err != nil {
			// A concurrent delete of the same folder is fine
			if errors.Is(err, services.ErrFolderNotFound) {
				continue
			}
			respondWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("deleted %d folder(s)", len(req.FolderIDs))})
}

type shareFolderRequest struct {
	Token          string `json:"token"`
	FolderID       int64  `json:"folder_id"`
	TargetUsername string `json:"target_username"`
	Permission     string `json:"permission"`
}

func (s *RESTServer) handleShareFolder(c *gin.Context) {
	var req shareFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed JSON body", services.ErrValidation))
		return
	}

	userID, ok := s.authenticate(c, req.Token)
	if !ok {
		return
	}

	// "view" is the only permission granted; anything else is rejected
	// rather than silently downgraded.
	if req.Permission != "" && req.Permission != services.SharePermissionView {
		respondWithError(c, fmt.Errorf("%w: unsupported permission %q", services.ErrValidation, req.Permission))
		return
	}

	if err := s.folders.Share(userID, req.FolderID, req.TargetUsername); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "folder shared"})
}
