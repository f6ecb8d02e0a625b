package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pixfind/pixfind/internal/api"
	"github.com/pixfind/pixfind/internal/clock"
	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/db"
	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
	"github.com/pixfind/pixfind/internal/metrics"
	"github.com/pixfind/pixfind/internal/notifier"
	"github.com/pixfind/pixfind/internal/searchclient"
	"github.com/pixfind/pixfind/internal/services"
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (PIXFIND_*)
	flagPort := flag.String("port", "", "HTTP server port (env: PIXFIND_PORT, default: 3090)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: PIXFIND_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: PIXFIND_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: PIXFIND_DATABASE_PATH)")
	flagSearchBackend := flag.String("search-backend", "", "Search backend: clip or phash (env: PIXFIND_SEARCH_BACKEND, default: clip)")
	flagPrimarySearchURL := flag.String("primary-search-url", "", "CLIP search service base URL (env: PIXFIND_PRIMARY_SEARCH_URL)")
	flagBackupSearchURL := flag.String("backup-search-url", "", "Perceptual-hash search service base URL (env: PIXFIND_BACKUP_SEARCH_URL)")
	flagSearchTimeout := flag.Duration("search-timeout", 0, "Per-call search service deadline (env: PIXFIND_SEARCH_TIMEOUT, default: 30s)")
	flagRetryMaxAttempts := flag.Int("retry-max-attempts", 0, "Attempts before a queued request is marked FAILED (env: PIXFIND_RETRY_MAX_ATTEMPTS, default: 5)")
	flagAsyncWorkers := flag.Int("async-workers", 0, "Embedding dispatcher worker count (env: PIXFIND_ASYNC_WORKERS, default: 2)")
	flagSessionTTL := flag.Duration("session-ttl", 0, "Sliding session lifetime (env: PIXFIND_SESSION_TTL, default: 24h)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("PixFind %s\n", config.Version)
		os.Exit(0)
	}

	// Load configuration from environment variables, then apply flag overrides
	config.Load()
	config.ApplyFlags(config.FlagOverrides{
		Port:             flagPort,
		LogLevel:         flagLogLevel,
		DataDir:          flagDataDir,
		DatabasePath:     flagDatabasePath,
		SearchBackend:    flagSearchBackend,
		PrimarySearchURL: flagPrimarySearchURL,
		BackupSearchURL:  flagBackupSearchURL,
		SearchTimeout:    flagSearchTimeout,
		RetryMaxAttempts: flagRetryMaxAttempts,
		AsyncWorkers:     flagAsyncWorkers,
		SessionTTL:       flagSessionTTL,
	})
	cfg := config.Get()

	// The data directory must exist and be writable before anything else starts
	if err := ensureWritable(cfg.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Data directory %s is not writable: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting PixFind %s...", config.Version)
	logger.Infof("Semantic image search orchestration")
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Upload Root: %s", cfg.UploadRoot)
	logger.Infof("  Public Base URL: %s", cfg.PublicBaseURL)
	logger.Infof("  Search Backend: %s", cfg.SearchBackend)
	if cfg.SearchBackend == config.BackendPHash {
		logger.Infof("  Search Service: %s", cfg.BackupSearchURL)
	} else {
		logger.Infof("  Search Service: %s", cfg.PrimarySearchURL)
	}
	logger.Infof("  Search Timeout: %s", cfg.SearchTimeout)
	logger.Infof("  Breaker: window=%d min=%d failure=%.0f%% slow=%.0f%% open=%s probes=%d",
		cfg.BreakerWindowSize, cfg.BreakerMinCalls, cfg.BreakerFailureRate,
		cfg.BreakerSlowRate, cfg.BreakerOpenDuration, cfg.BreakerHalfOpenProbes)
	logger.Infof("  Retry: max-attempts=%d embed-interval=%s delete-interval=%s",
		cfg.RetryMaxAttempts, cfg.RetryEmbedInterval, cfg.RetryDeleteInterval)
	logger.Infof("  Dispatcher: workers=%d queue=%d batch=%d",
		cfg.AsyncWorkers, cfg.AsyncQueueCapacity, cfg.AsyncBatchSize)
	logger.Infof("  Session TTL: %s", cfg.SessionTTL)

	// Initialize Database
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized successfully")

	stopCheckpoint := repo.StartPeriodicCheckpoint(5 * time.Minute)

	// Scheduled maintenance, daily at 3 AM local time
	go func() {
		retentionDays := cfg.RetryRetentionDays
		for {
			now := time.Now()
			next3AM := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
			if now.After(next3AM) {
				next3AM = next3AM.Add(24 * time.Hour)
			}
			sleepDuration := next3AM.Sub(now)
			logger.Debugf("Next database maintenance scheduled in %v", sleepDuration)

			time.Sleep(sleepDuration)

			if err := repo.RunMaintenance(retentionDays); err != nil {
				logger.Errorf("Scheduled maintenance failed: %v", err)
			}
		}
	}()

	// Initialize Event Bus
	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus()
	logger.Infof("✓ Event Bus initialized")

	// Initialize Metrics (Prometheus endpoint at /metrics)
	logger.Infof("Initializing Metrics...")
	metricsCollector := metrics.NewCollector(eb)
	logger.Infof("✓ Metrics collector subscribed")

	// Initialize Notifications
	logger.Infof("Initializing Notifications...")
	notifier.New(cfg.NotifyURLs, eb)
	if len(cfg.NotifyURLs) > 0 {
		logger.Infof("✓ Notifications enabled (%d target(s))", len(cfg.NotifyURLs))
	} else {
		logger.Infof("✓ Notifications disabled (no PIXFIND_NOTIFY_URLS configured)")
	}

	// Initialize Search Client with per-method circuit breakers
	logger.Infof("Initializing Search Client (%s backend)...", cfg.SearchBackend)
	rawClient := searchclient.NewFromConfig(cfg)
	registry := searchclient.NewBreakerRegistry(searchclient.BreakerConfigFromApp(cfg),
		func(name string, from, to searchclient.CircuitState) {
			eb.Publish(domain.NewEvent(domain.BreakerStateChanged, map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}))
		})

	queue := services.NewFailedRequestService(repo, eb, cfg.RetryMaxAttempts)
	breakerClient := searchclient.NewBreakerClient(rawClient, registry, searchclient.Fallbacks{
		OnEmbedFailure: func(req searchclient.EmbedRequest, callErr error) {
			if err := queue.RecordFailedEmbed(req, callErr); err != nil {
				logger.Errorf("Failed to queue embed batch for folder %d for retry, batch lost: %v", req.FolderID, err)
			}
		},
		OnDeleteFailure: func(userID, folderID int64, callErr error) {
			if err := queue.RecordFailedDeletion(userID, folderID, callErr); err != nil {
				logger.Errorf("Failed to queue index deletion for folder %d for retry: %v", folderID, err)
			}
		},
	})
	logger.Infof("✓ Search Client initialized (breakers: search, embedImages, createIndex, deleteIndex)")

	// Initialize Services
	logger.Infof("Initializing core services...")
	sessions := services.NewSessionService(repo, eb, clock.NewRealClock(), cfg.SessionTTL)
	stopSweeper := sessions.StartSweeper(time.Hour)
	logger.Infof("✓ Session Service (sliding %s sessions)", cfg.SessionTTL)

	folders := services.NewFolderService(repo, breakerClient, eb, cfg.UploadRoot)
	logger.Infof("✓ Folder Service (ownership, sharing, index lifecycle)")

	accounts := services.NewAccountService(repo, sessions, breakerClient, eb, cfg.UploadRoot)
	logger.Infof("✓ Account Service (registration, login, deletion)")

	dispatcher := services.NewEmbeddingDispatcher(breakerClient, eb, cfg)
	logger.Infof("✓ Embedding Dispatcher (%d workers, batches of %d)", cfg.AsyncWorkers, cfg.AsyncBatchSize)

	uploads := services.NewUploadService(repo, folders, breakerClient, dispatcher, eb, cfg)
	logger.Infof("✓ Upload Service (validated multipart ingest)")

	search := services.NewSearchService(repo, folders, breakerClient, eb, cfg.PublicBaseURL)
	logger.Infof("✓ Search Service (access-scoped semantic search)")

	// The scheduler retries against the raw client on purpose: a retry that
	// fails must burn an attempt on its queue row, not re-enqueue through
	// the breaker fallbacks.
	scheduler := services.NewRetryScheduler(queue, rawClient, cfg)
	if err := scheduler.Start(); err != nil {
		logger.Errorf("Failed to start retry scheduler: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Retry Scheduler (embed: every %s, index deletion: every %s)",
		cfg.RetryEmbedInterval, cfg.RetryDeleteInterval)

	// Start API Server
	logger.Infof("Initializing REST API and admin WebSocket stream...")
	hub := api.NewWebSocketHub(eb)
	server := api.NewRESTServer(api.Deps{
		Config:         cfg,
		Accounts:       accounts,
		Sessions:       sessions,
		Folders:        folders,
		Uploads:        uploads,
		Search:         search,
		Queue:          queue,
		Scheduler:      scheduler,
		Dispatcher:     dispatcher,
		Breakers:       registry,
		MetricsHandler: metricsCollector.Handler(),
		Hub:            hub,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ PixFind %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	logger.Infof("========================================")

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("========================================")
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof("========================================")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	logger.Infof("Stopping API Server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	logger.Infof("Stopping Retry Scheduler...")
	scheduler.Stop()
	logger.Infof("✓ Retry Scheduler stopped")

	logger.Infof("Stopping Embedding Dispatcher (draining queued batches)...")
	dispatcher.Stop()
	logger.Infof("✓ Embedding Dispatcher stopped")

	stopSweeper()
	stopCheckpoint()

	logger.Infof("Stopping admin stream...")
	hub.Shutdown()
	logger.Infof("✓ Admin stream stopped")

	logger.Infof("Stopping Event Bus...")
	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	logger.Infof("Closing database connection...")
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("========================================")
	logger.Infof("✓ PixFind shutdown complete")
	logger.Infof("========================================")
}

// ensureWritable creates dir if needed and verifies a file can be created in it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
