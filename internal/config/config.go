// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fruitsalade/mediastore/internal/storage"
)

// Config holds all media store configuration. It is built once at startup
// and never mutated.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string
	LocalURLPrefix   string

	// Keys
	DefaultNamespace string
	KeyNamespaces    []string

	// S3 storage
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3PublicBucket    string
	S3AccessKey       string
	S3SecretKey       string
	S3UsePathStyle    bool
	S3PublicACL       bool
	S3SSE             string
	S3KMSKeyID        string
	S3PartSize        int64
	S3PartConcurrency int

	// URLs
	PublicBaseURL     string
	CDNDomain         string
	CDNKeyPairID      string
	CDNPrivateKey     string
	CDNPrivateKeyFile string
	CDNCategories     []string
	PresignPublicTTL  time.Duration
	PresignPrivateTTL time.Duration
}

// Load reads a .env file when present, then configuration from environment
// variables with defaults. Errors wrap storage.ErrConfiguration.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		StorageBackend:    envOr("STORAGE_BACKEND", storage.TypeLocal),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", "/data/uploads"),
		LocalURLPrefix:    envOr("LOCAL_URL_PREFIX", storage.DefaultLocalPrefix),
		DefaultNamespace:  envOr("DEFAULT_NAMESPACE", storage.DefaultNamespace),
		KeyNamespaces:     envList("KEY_NAMESPACES", storage.DefaultNamespaces),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3PublicBucket:    envOr("S3_PUBLIC_BUCKET", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3UsePathStyle:    envBool("S3_USE_PATH_STYLE", false),
		S3PublicACL:       envBool("S3_PUBLIC_ACL", false),
		S3SSE:             envOr("S3_SSE", ""),
		S3KMSKeyID:        envOr("S3_KMS_KEY_ID", ""),
		S3PartSize:        envInt64("S3_PART_SIZE", storage.DefaultPartSize),
		S3PartConcurrency: envInt("S3_PART_CONCURRENCY", storage.DefaultPartConcurrency),
		PublicBaseURL:     envOr("PUBLIC_BASE_URL", ""),
		CDNDomain:         envOr("CDN_DOMAIN", ""),
		CDNKeyPairID:      envOr("CDN_KEY_PAIR_ID", ""),
		CDNPrivateKey:     envOr("CDN_PRIVATE_KEY", ""),
		CDNPrivateKeyFile: envOr("CDN_PRIVATE_KEY_FILE", ""),
		CDNCategories:     envList("CDN_CATEGORIES", nil),
		PresignPublicTTL:  envDuration("PRESIGN_PUBLIC_TTL", storage.DefaultPublicTTL),
		PresignPrivateTTL: envDuration("PRESIGN_PRIVATE_TTL", storage.DefaultPrivateTTL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend can be built.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case storage.TypeLocal:
		if c.LocalStoragePath == "" {
			return configErr("LOCAL_STORAGE_PATH is required for the local backend")
		}
	case storage.TypeS3:
		if c.S3Bucket == "" {
			return configErr("S3_BUCKET is required for the s3 backend")
		}
		if c.S3PartSize < storage.MinPartSize {
			return configErr("S3_PART_SIZE must be at least %d", storage.MinPartSize)
		}
		if c.S3PartConcurrency <= 0 {
			return configErr("S3_PART_CONCURRENCY must be positive")
		}
		switch c.S3SSE {
		case "", "AES256", "aws:kms":
		default:
			return configErr("S3_SSE must be AES256 or aws:kms, got %q", c.S3SSE)
		}
		if c.S3KMSKeyID != "" && c.S3SSE != "aws:kms" {
			return configErr("S3_KMS_KEY_ID requires S3_SSE=aws:kms")
		}
	default:
		return configErr("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	hasKey := c.CDNPrivateKey != "" || c.CDNPrivateKeyFile != ""
	if c.CDNKeyPairID != "" && !hasKey {
		return configErr("CDN_KEY_PAIR_ID is set without CDN_PRIVATE_KEY or CDN_PRIVATE_KEY_FILE")
	}
	if hasKey && c.CDNKeyPairID == "" {
		return configErr("CDN private key is set without CDN_KEY_PAIR_ID")
	}
	if c.CDNKeyPairID != "" && c.CDNDomain == "" {
		return configErr("CDN_DOMAIN is required when CDN signing is configured")
	}
	if c.DefaultNamespace != "" {
		if err := storage.ValidateNamespace(c.DefaultNamespace); err != nil {
			return fmt.Errorf("DEFAULT_NAMESPACE: %w", err)
		}
	}
	for _, ns := range c.KeyNamespaces {
		if err := storage.ValidateNamespace(ns); err != nil {
			return fmt.Errorf("KEY_NAMESPACES: %w", err)
		}
	}
	if c.PresignPublicTTL <= 0 || c.PresignPrivateTTL <= 0 {
		return configErr("presign TTLs must be positive")
	}
	return nil
}

// CDNEnabled reports whether CDN signing is configured.
func (c *Config) CDNEnabled() bool {
	return c.CDNKeyPairID != ""
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", storage.ErrConfiguration, fmt.Sprintf(format, args...))
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
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
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

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
