package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pixfind/pixfind/internal/services"
)

func (s *RESTServer) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondWithError(c, fmt.Errorf("%w: malformed multipart form", services.ErrValidation))
		return
	}

	userID, ok := s.authenticate(c, c.PostForm("token"))
	if !ok {
		return
	}

	folderName := c.PostForm("folderName")
	files := form.File["files"]

	uploadFiles := make([]services.UploadFile, len(files))
	for i, fh := range files {
		fh := fh
		uploadFiles[i] = services.UploadFile{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		}
	}
	result, err := s.uploads.Upload(c.Request.Context(), userID, folderName, uploadFiles)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "images are being processed and will be searchable shortly",
		"folder_id":      result.FolderID,
		"uploaded_count": result.UploadedCount,
	})
}

// searchResultWire is one hit on the wire: the image's public URL plus its
// similarity score.
type searchResultWire struct {
	Image      string  `json:"image"`
	Similarity float64 `json:"similarity"`
}

func (s *RESTServer) handleSearch(c *gin.Context) {
	userID, ok := s.authenticate(c, c.Query("token"))
	if !ok {
		return
	}

	query := c.Query("query")

	var folderIDs []int64
	if csv := c.Query("folder_ids"); csv != "" {
		for _, part := range strings.Split(csv, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				respondWithError(c, fmt.Errorf("%w: invalid folder id %q", services.ErrValidation, part))
				return
			}
			folderIDs = append(folderIDs, id)
		}
	}

	topK := 0
	if raw := c.Query("top_k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(c, fmt.Errorf("%w: invalid top_k %q", services.ErrValidation, raw))
			return
		}
		topK = parsed
	}

	results, err := s.search.Search(c.Request.Context(), userID, query, folderIDs, topK)
	if err != nil {
		respondWithError(c, err)
		return
	}

	wire := make([]searchResultWire, len(results.Results))
	for i, r := range results.Results {
		wire[i] = searchResultWire{Image: r.URL, Similarity: r.Score}
	}

	c.JSON(http.StatusOK, gin.H{"results": wire})
}
