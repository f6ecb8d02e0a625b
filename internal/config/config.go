package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Backend identifiers for the search service selection.
const (
	BackendClip  = "clip"
	BackendPHash = "phash"
)

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3090)
	Port string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// PublicBaseURL is the externally reachable base URL used when building
	// image URLs in search responses (default: http://localhost:<Port>)
	PublicBaseURL string

	// SearchBackend selects the live search service implementation: "clip" or "phash".
	// Exactly one client is constructed at startup; switching requires a restart.
	SearchBackend string

	// PrimarySearchURL is the base URL of the CLIP search service
	PrimarySearchURL string

	// BackupSearchURL is the base URL of the perceptual-hash search service.
	// Unused at runtime unless SearchBackend is "phash".
	BackupSearchURL string

	// SearchTimeout is the per-call deadline for search service requests (default: 30s).
	// Expiry counts as a breaker-observed failure.
	SearchTimeout time.Duration

	// Circuit breaker parameters, one breaker per search-client method.
	BreakerWindowSize     int           // sliding window of call outcomes (default: 100)
	BreakerMinCalls       int           // minimum calls before rate decisions (default: 10)
	BreakerFailureRate    float64       // failure-rate threshold in percent (default: 50)
	BreakerSlowRate       float64       // slow-call-rate threshold in percent (default: 50)
	BreakerSlowDuration   time.Duration // calls slower than this count as slow (default: 10s)
	BreakerOpenDuration   time.Duration // time spent OPEN before probing (default: 60s)
	BreakerHalfOpenProbes int           // permitted calls in HALF_OPEN (default: 5)

	// Retry queue parameters.
	RetryMaxAttempts    int           // attempts before a row goes FAILED (default: 5)
	RetryEmbedInterval  time.Duration // embed retry job interval (default: 60s)
	RetryDeleteInterval time.Duration // index-deletion retry job interval (default: 300s)
	RetryBatchSize      int           // rows loaded per job run (default: 50)
	RetryRetentionDays  int           // SUCCEEDED rows older than this are pruned (default: 7)

	// Embedding dispatcher parameters.
	AsyncWorkers       int // worker pool size (default: 2)
	AsyncQueueCapacity int // bounded task queue capacity (default: 100)
	AsyncBatchSize     int // images per embed call (default: 32)

	// UploadAllowedExtensions is the lower-cased extension allow-list (default: .png, .jpg, .jpeg)
	UploadAllowedExtensions []string

	// UploadMaxBytes limits a single uploaded file (default: 25 MiB)
	UploadMaxBytes int64

	// SessionTTL is the sliding session lifetime (default: 24h)
	SessionTTL time.Duration

	// NotifyURLs holds shoutrrr notification URLs, comma-separated in the env var
	NotifyURLs []string

	// DataDir is the directory for persistent data (database, logs, uploads)
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/pixfind.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// UploadRoot is where image files live (default: <DataDir>/uploads)
	UploadRoot string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	dataDir := getEnvOrDefault("PIXFIND_DATA_DIR", "")
	if dataDir == "" {
		// Check if we're in Docker (has /data directory)
		if info, err := os.Stat("/data"); err == nil && info.IsDir() {
			dataDir = "/data"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "data")
		} else {
			dataDir = "./data"
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}

	dbPath := getEnvOrDefault("PIXFIND_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "pixfind.db")
	}

	port := getEnvOrDefault("PIXFIND_PORT", "3090")

	cfg = &Config{
		Port:          port,
		LogLevel:      strings.ToLower(getEnvOrDefault("PIXFIND_LOG_LEVEL", "info")),
		PublicBaseURL: strings.TrimSuffix(getEnvOrDefault("PIXFIND_PUBLIC_BASE_URL", "http://localhost:"+port), "/"),

		SearchBackend:    strings.ToLower(getEnvOrDefault("PIXFIND_SEARCH_BACKEND", BackendClip)),
		PrimarySearchURL: getEnvOrDefault("PIXFIND_PRIMARY_SEARCH_URL", "http://localhost:8001"),
		BackupSearchURL:  getEnvOrDefault("PIXFIND_BACKUP_SEARCH_URL", "http://localhost:8002"),
		SearchTimeout:    getEnvDurationOrDefault("PIXFIND_SEARCH_TIMEOUT", 30*time.Second),

		BreakerWindowSize:     getEnvIntOrDefault("PIXFIND_BREAKER_WINDOW", 100),
		BreakerMinCalls:       getEnvIntOrDefault("PIXFIND_BREAKER_MIN_CALLS", 10),
		BreakerFailureRate:    getEnvFloatOrDefault("PIXFIND_BREAKER_FAILURE_RATE", 50),
		BreakerSlowRate:       getEnvFloatOrDefault("PIXFIND_BREAKER_SLOW_RATE", 50),
		BreakerSlowDuration:   getEnvDurationOrDefault("PIXFIND_BREAKER_SLOW_DURATION", 10*time.Second),
		BreakerOpenDuration:   getEnvDurationOrDefault("PIXFIND_BREAKER_OPEN_DURATION", 60*time.Second),
		BreakerHalfOpenProbes: getEnvIntOrDefault("PIXFIND_BREAKER_HALF_OPEN_PROBES", 5),

		RetryMaxAttempts:    getEnvIntOrDefault("PIXFIND_RETRY_MAX_ATTEMPTS", 5),
		RetryEmbedInterval:  getEnvDurationOrDefault("PIXFIND_RETRY_EMBED_INTERVAL", 60*time.Second),
		RetryDeleteInterval: getEnvDurationOrDefault("PIXFIND_RETRY_DELETE_INTERVAL", 300*time.Second),
		RetryBatchSize:      getEnvIntOrDefault("PIXFIND_RETRY_BATCH_SIZE", 50),
		RetryRetentionDays:  getEnvIntOrDefault("PIXFIND_RETRY_RETENTION_DAYS", 7),

		AsyncWorkers:       getEnvIntOrDefault("PIXFIND_ASYNC_WORKERS", 2),
		AsyncQueueCapacity: getEnvIntOrDefault("PIXFIND_ASYNC_QUEUE_CAPACITY", 100),
		AsyncBatchSize:     getEnvIntOrDefault("PIXFIND_ASYNC_BATCH_SIZE", 32),

		UploadAllowedExtensions: splitAndTrim(getEnvOrDefault("PIXFIND_UPLOAD_ALLOWED_EXTENSIONS", ".png,.jpg,.jpeg")),
		UploadMaxBytes:          getEnvInt64OrDefault("PIXFIND_UPLOAD_MAX_BYTES", 25<<20),

		SessionTTL: getEnvDurationOrDefault("PIXFIND_SESSION_TTL", 24*time.Hour),
		NotifyURLs: splitAndTrim(os.Getenv("PIXFIND_NOTIFY_URLS")),

		DataDir:      dataDir,
		DatabasePath: dbPath,
		LogDir:       filepath.Join(dataDir, "logs"),
		UploadRoot:   filepath.Join(dataDir, "uploads"),
	}

	// Validate log level
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info"
	}

	// Unknown backend values fall back to the primary
	switch cfg.SearchBackend {
	case BackendClip, BackendPHash:
	default:
		cfg.SearchBackend = BackendClip
	}

	return cfg
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:          "8080",
		LogLevel:      "debug",
		PublicBaseURL: "http://localhost:8080",

		SearchBackend:    BackendClip,
		PrimarySearchURL: "http://localhost:8001",
		BackupSearchURL:  "http://localhost:8002",
		SearchTimeout:    5 * time.Second,

		BreakerWindowSize:     100,
		BreakerMinCalls:       10,
		BreakerFailureRate:    50,
		BreakerSlowRate:       50,
		BreakerSlowDuration:   10 * time.Second,
		BreakerOpenDuration:   60 * time.Second,
		BreakerHalfOpenProbes: 5,

		RetryMaxAttempts:    5,
		RetryEmbedInterval:  60 * time.Second,
		RetryDeleteInterval: 300 * time.Second,
		RetryBatchSize:      50,
		RetryRetentionDays:  7,

		AsyncWorkers:       2,
		AsyncQueueCapacity: 100,
		AsyncBatchSize:     32,

		UploadAllowedExtensions: []string{".png", ".jpg", ".jpeg"},
		UploadMaxBytes:          25 << 20,

		SessionTTL: 24 * time.Hour,

		DataDir:      "/tmp/pixfind-test",
		DatabasePath: "/tmp/pixfind-test/pixfind.db",
		LogDir:       "/tmp/pixfind-test/logs",
		UploadRoot:   "/tmp/pixfind-test/uploads",
	}
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port             *string
	LogLevel         *string
	DataDir          *string
	DatabasePath     *string
	SearchBackend    *string
	PrimarySearchURL *string
	BackupSearchURL  *string
	SearchTimeout    *time.Duration
	RetryMaxAttempts *int
	AsyncWorkers     *int
	SessionTTL       *time.Duration
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
		cfg.UploadRoot = filepath.Join(cfg.DataDir, "uploads")
		if flags.DatabasePath == nil || *flags.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(cfg.DataDir, "pixfind.db")
		}
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.SearchBackend != nil && *flags.SearchBackend != "" {
		cfg.SearchBackend = strings.ToLower(*flags.SearchBackend)
	}
	if flags.PrimarySearchURL != nil && *flags.PrimarySearchURL != "" {
		cfg.PrimarySearchURL = *flags.PrimarySearchURL
	}
	if flags.BackupSearchURL != nil && *flags.BackupSearchURL != "" {
		cfg.BackupSearchURL = *flags.BackupSearchURL
	}
	if flags.SearchTimeout != nil && *flags.SearchTimeout != 0 {
		cfg.SearchTimeout = *flags.SearchTimeout
	}
	if flags.RetryMaxAttempts != nil && *flags.RetryMaxAttempts != 0 {
		cfg.RetryMaxAttempts = *flags.RetryMaxAttempts
	}
	if flags.AsyncWorkers != nil && *flags.AsyncWorkers != 0 {
		cfg.AsyncWorkers = *flags.AsyncWorkers
	}
	if flags.SessionTTL != nil && *flags.SessionTTL != 0 {
		cfg.SessionTTL = *flags.SessionTTL
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable as an int64 or the default if not set/invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvFloatOrDefault returns the environment variable as a float64 or the default if not set/invalid.
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// splitAndTrim splits a comma-separated value, dropping empty entries.
func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}
