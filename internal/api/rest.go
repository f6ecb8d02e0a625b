// Package api exposes the HTTP surface: the client-facing REST endpoints,
// static image serving, the Prometheus scrape endpoint and the admin
// WebSocket stream.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/searchclient"
	"github.com/pixfind/pixfind/internal/services"
)

// RESTServer wires the HTTP routes to the services layer.
type RESTServer struct {
	engine *gin.Engine
	cfg    *config.Config

	accounts   *services.AccountService
	sessions   *services.SessionService
	folders    *services.FolderService
	uploads    *services.UploadService
	search     *services.SearchService
	queue      *services.FailedRequestService
	scheduler  *services.RetryScheduler
	dispatcher *services.EmbeddingDispatcher
	breakers   *searchclient.BreakerRegistry

	metricsHandler http.Handler
	hub            *WebSocketHub
}

// Deps collects everything the REST server needs. All fields are required
// except MetricsHandler and Hub.
type Deps struct {
	Config     *config.Config
	Accounts   *services.AccountService
	Sessions   *services.SessionService
	Folders    *services.FolderService
	Uploads    *services.UploadService
	Search     *services.SearchService
	Queue      *services.FailedRequestService
	Scheduler  *services.RetryScheduler
	Dispatcher *services.EmbeddingDispatcher
	Breakers   *searchclient.BreakerRegistry

	MetricsHandler http.Handler
	Hub            *WebSocketHub
}

// NewRESTServer builds the engine with all middleware and routes registered.
func NewRESTServer(deps Deps) *RESTServer {
	if deps.Config.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &RESTServer{
		engine:         gin.New(),
		cfg:            deps.Config,
		accounts:       deps.Accounts,
		sessions:       deps.Sessions,
		folders:        deps.Folders,
		uploads:        deps.Uploads,
		search:         deps.Search,
		queue:          deps.Queue,
		scheduler:      deps.Scheduler,
		dispatcher:     deps.Dispatcher,
		breakers:       deps.Breakers,
		metricsHandler: deps.MetricsHandler,
		hub:            deps.Hub,
	}

	s.engine.Use(requestIDMiddleware())
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Errorf("Panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
			Detail:    "internal server error",
			Status:    http.StatusInternalServerError,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      c.Request.URL.Path,
		})
	}))
	s.engine.Use(corsMiddleware())

	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler for the http.Server.
func (s *RESTServer) Handler() http.Handler {
	return s.engine
}

func (s *RESTServer) registerRoutes() {
	apiGroup := s.engine.Group("/api")
	{
		users := apiGroup.Group("/users")
		{
			users.POST("/register", s.handleRegister)
			users.POST("/login", s.handleLogin)
			users.POST("/logout", s.handleLogout)
			users.DELETE("/delete", s.handleDeleteAccount)
		}

		images := apiGroup.Group("/images")
		{
			images.POST("/upload", s.handleUpload)
			images.GET("/search", s.handleSearch)
		}

		apiGroup.GET("/folders", s.handleListFolders)
		apiGroup.DELETE("/folders", s.handleDeleteFolders)
		apiGroup.POST("/folders/share", s.handleShareFolder)

		admin := apiGroup.Group("/admin")
		{
			admin.GET("/retry-queue/stats", s.handleRetryQueueStats)
			admin.POST("/retry-queue/trigger-embed-retry", s.handleTriggerEmbedRetry)
			admin.POST("/retry-queue/trigger-index-deletion-retry", s.handleTriggerDeletionRetry)
			admin.GET("/breakers", s.handleBreakerStats)
			admin.POST("/breakers/reset", s.handleBreakerReset)
			if s.hub != nil {
				admin.GET("/events", s.hub.HandleConnection)
			}
		}

		apiGroup.GET("/health", s.handleHealth)
	}

	if s.metricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	// Uploaded images, served from {UploadRoot}/images
	imagesDir := filepath.Join(s.cfg.UploadRoot, "images")
	if err := os.MkdirAll(imagesDir, 0755); err != nil {
		logger.Errorf("Failed to create images directory: %v", err)
	}
	s.engine.Static("/images", imagesDir)
}

// authenticate resolves the caller's session. On failure it writes the 401
// response and returns false.
func (s *RESTServer) authenticate(c *gin.Context, token string) (int64, bool) {
	sess, err := s.sessions.Validate(token)
	if err != nil {
		respondWithError(c, err)
		return 0, false
	}
	return sess.UserID, true
}

func (s *RESTServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": config.Version,
	})
}

// requestIDMiddleware tags every request with an ID for log correlation.
// Inbound X-Request-ID values are honored.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	origin := os.Getenv("PIXFIND_CORS_ORIGIN")
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
