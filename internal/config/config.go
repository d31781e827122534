// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all quince server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Default storage location created on first run
	// ("s3", "mount" or "memory")
	StorageBackend string
	S3Endpoint     string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string
	S3UseSSL       bool
	MountPath      string

	// Mount hardening gate: asserts mounts are safe against symlink
	// escape during archive extraction. Fail closed when unset.
	MountsSafeForArchiveExtract bool

	// Strict mode: symlink entries fail extraction instead of being
	// skipped and counted.
	ArchiveFSStrict bool

	// Jobs
	JobStore        string // "memory", "redis" or "postgres"
	RedisURL        string
	JobWorkers      int
	JobTTL          time.Duration
	JobEntryTimeout time.Duration

	// Extraction limits
	ArchiveLimits ArchiveLimits

	// Uploads
	MaxUploadSize int64

	// Rate limiting (0 = unlimited)
	JobSubmissionsPerMin int
}

// ArchiveLimits bound what a single extraction or zip job may process.
type ArchiveLimits struct {
	MaxFiles            int
	MaxTotalSize        int64
	MaxFileSize         int64
	MaxPathLength       int
	MaxDepth            int
	MaxCompressionRatio int64
	// MaxArchiveSize is the hard ceiling for spooling a whole archive
	// when range reads are unavailable. Never a soft default.
	MaxArchiveSize int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),
		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),
		JWTSecret:   envOr("JWT_SECRET", ""),

		StorageBackend: envOr("STORAGE_BACKEND", "s3"),
		S3Endpoint:     envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:       envOr("S3_BUCKET", "quince"),
		S3AccessKey:    envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3UseSSL:       envBool("S3_USE_SSL", false),
		MountPath:      envOr("MOUNT_PATH", "/mnt/quince"),

		MountsSafeForArchiveExtract: envBool("MOUNTS_SAFE_FOR_ARCHIVE_EXTRACT", false),
		ArchiveFSStrict:             envBool("ARCHIVE_FS_STRICT", false),

		JobStore:        envOr("JOB_STORE", "memory"),
		RedisURL:        envOr("REDIS_URL", ""),
		JobWorkers:      envInt("JOB_WORKERS", 2),
		JobTTL:          envDuration("JOB_TTL", 24*time.Hour),
		JobEntryTimeout: envDuration("JOB_ENTRY_TIMEOUT", 5*time.Minute),

		ArchiveLimits: ArchiveLimits{
			MaxFiles:            envInt("ARCHIVE_EXTRACT_MAX_FILES", 10_000),
			MaxTotalSize:        envInt64("ARCHIVE_EXTRACT_MAX_TOTAL_SIZE", 5<<30),
			MaxFileSize:         envInt64("ARCHIVE_EXTRACT_MAX_FILE_SIZE", 1<<30),
			MaxPathLength:       envInt("ARCHIVE_EXTRACT_MAX_PATH_LENGTH", 512),
			MaxDepth:            envInt("ARCHIVE_EXTRACT_MAX_DEPTH", 32),
			MaxCompressionRatio: envInt64("ARCHIVE_EXTRACT_MAX_COMPRESSION_RATIO", 1000),
			MaxArchiveSize:      envInt64("ARCHIVE_EXTRACT_MAX_ARCHIVE_SIZE", 2<<30),
		},

		MaxUploadSize:        envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		JobSubmissionsPerMin: envInt("JOB_SUBMISSIONS_PER_MINUTE", 0),    // 0 = unlimited
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.JobStore == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when JOB_STORE=redis")
	}
	if cfg.JobWorkers < 1 {
		return nil, fmt.Errorf("JOB_WORKERS must be at least 1")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
