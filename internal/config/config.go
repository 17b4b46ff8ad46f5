// Package config provides configuration loading for the Way-Share backend and agent.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set variables, so OS env > .env.local > .env.
func init() {
	// Load .env.local first so its values win over the shared .env
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the backend service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables event publishing
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name for report media
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	PlateSalt   string // Server-side salt for license plate hashing
	JWTSecret   string // HMAC secret for access and refresh tokens
	LogLevel    string // debug, info, warn, error
	LogFormat   string // json or console

	// Media limits
	MaxMediaSize     int64    // Maximum attachment size in bytes
	AllowedMimeTypes []string // Allowed attachment MIME types

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// AgentConfig captures environment-driven settings for the reporting agent.
type AgentConfig struct {
	APIURL             string        // Backend base URL
	Store              string        // Durable storage backend: sqlite or redis
	SQLitePath         string        // SQLite database file for the sqlite store
	RedisAddr          string        // Redis address for the redis store
	PersistMedia       bool          // Keep queued attachments in the store's blob area across restarts
	SyncInterval       time.Duration // Periodic sweep interval while online
	ProbeInterval      time.Duration // Connectivity probe interval
	QuarantineRejected bool          // Move permanently rejected reports out of the retry queue
	LogLevel           string
	LogFormat          string
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"
	defaultS3Region      = "us-east-1"
	defaultEnv           = "dev"
	defaultMaxMediaSize  = 10 * 1024 * 1024
	defaultAPIURL        = "http://localhost:8080"
	defaultStore         = "sqlite"
	defaultSQLitePath    = "wayshare-agent.db"
	defaultSyncInterval  = 30 * time.Second
	defaultProbeInterval = 10 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring the backend.
// Returns an error if required parameters are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("WAYSHARE_ENV", defaultEnv),
		Port:        getEnv("WAYSHARE_PORT", defaultPort),
		DatabaseDSN: os.Getenv("WAYSHARE_DB_DSN"),
		NATSURL:     os.Getenv("WAYSHARE_NATS_URL"),
		S3Endpoint:  os.Getenv("WAYSHARE_S3_ENDPOINT"),
		S3Region:    getEnv("WAYSHARE_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("WAYSHARE_S3_BUCKET"),
		S3AccessKey: os.Getenv("WAYSHARE_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("WAYSHARE_S3_SECRET_KEY"),
		PlateSalt:   os.Getenv("WAYSHARE_PLATE_SALT"),
		JWTSecret:   os.Getenv("WAYSHARE_JWT_SECRET"),
		LogLevel:    getEnv("WAYSHARE_LOG_LEVEL", "info"),
		LogFormat:   getEnv("WAYSHARE_LOG_FORMAT", "json"),
	}

	cfg.MaxMediaSize = defaultMaxMediaSize
	if v, exists := os.LookupEnv("WAYSHARE_MAX_MEDIA_SIZE"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("WAYSHARE_MAX_MEDIA_SIZE must be a positive integer, got %q", v)
		}
		cfg.MaxMediaSize = size
	}

	if v, exists := os.LookupEnv("WAYSHARE_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = splitList(v)
	} else {
		cfg.AllowedMimeTypes = []string{"image/jpeg", "image/png", "image/heic", "video/mp4"}
	}

	if v, exists := os.LookupEnv("WAYSHARE_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	if cfg.Env == "dev" && os.Getenv("WAYSHARE_LOG_LEVEL") == "" {
		cfg.LogLevel = "debug"
	}

	// Validate required parameters
	if cfg.PlateSalt == "" {
		return cfg, fmt.Errorf("WAYSHARE_PLATE_SALT is required")
	}
	if len(cfg.PlateSalt) < 16 {
		return cfg, fmt.Errorf("WAYSHARE_PLATE_SALT must be at least 16 characters")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("WAYSHARE_JWT_SECRET is required")
	}

	return cfg, nil
}

// LoadAgent reads environment variables and produces an AgentConfig.
func LoadAgent() (AgentConfig, error) {
	cfg := AgentConfig{
		APIURL:             strings.TrimRight(getEnv("WAYSHARE_API_URL", defaultAPIURL), "/"),
		Store:              getEnv("WAYSHARE_STORE", defaultStore),
		SQLitePath:         getEnv("WAYSHARE_SQLITE_PATH", defaultSQLitePath),
		RedisAddr:          os.Getenv("WAYSHARE_REDIS_ADDR"),
		PersistMedia:       parseBool(os.Getenv("WAYSHARE_PERSIST_MEDIA")),
		SyncInterval:       defaultSyncInterval,
		ProbeInterval:      defaultProbeInterval,
		QuarantineRejected: parseBool(os.Getenv("WAYSHARE_QUARANTINE_REJECTED")),
		LogLevel:           getEnv("WAYSHARE_LOG_LEVEL", "info"),
		LogFormat:          getEnv("WAYSHARE_LOG_FORMAT", "console"),
	}

	var err error
	if cfg.SyncInterval, err = getDuration("WAYSHARE_SYNC_INTERVAL", defaultSyncInterval); err != nil {
		return cfg, err
	}
	if cfg.ProbeInterval, err = getDuration("WAYSHARE_PROBE_INTERVAL", defaultProbeInterval); err != nil {
		return cfg, err
	}

	switch cfg.Store {
	case "sqlite":
	case "redis":
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("WAYSHARE_REDIS_ADDR is required when WAYSHARE_STORE=redis")
		}
	default:
		return cfg, fmt.Errorf("unsupported WAYSHARE_STORE %q (want sqlite or redis)", cfg.Store)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma-separated value and trims whitespace from each element
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
