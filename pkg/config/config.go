// Package config loads server and validator configuration from the
// environment, with optional per-deployment YAML profile overlays.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full aegis configuration.
type Config struct {
	// Server
	ListenAddr  string
	LogLevel    string
	Environment string

	// Storage and state
	StorageRoot  string
	RegistryPath string
	LedgerPath   string
	EvidenceDir  string
	RunsDir      string

	// Signing keys
	PrivateKeyPath string
	PublicKeyPath  string

	// Bundle verification limits
	MaxArchiveBytes int64
	MaxVerifyFiles  int

	// Archive retention
	ArchiveRetention time.Duration

	// Dedup
	DedupWindow         time.Duration
	SimilarityThreshold int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int

	// Evidence buffer
	BufferCapacity int
	BatchSize      int
	MaxBatchAge    time.Duration

	// Operator API auth and rate limiting
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	// Validator downstream checks
	DownstreamDSN string
	WaitTimeout   time.Duration

	// Optional S3 archive mirror
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// Telemetry
	OTelEnabled  bool
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults
// for everything optional. Malformed numeric or duration values are
// configuration errors, not silent fallbacks.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envStr("AEGIS_LISTEN_ADDR", ":8080"),
		LogLevel:       envStr("AEGIS_LOG_LEVEL", "INFO"),
		Environment:    envStr("AEGIS_ENVIRONMENT", "development"),
		StorageRoot:    envStr("AEGIS_STORAGE_ROOT", "/var/lib/aegis"),
		PrivateKeyPath: envStr("AEGIS_PRIVATE_KEY", "/var/lib/aegis/keys/signing.pem"),
		PublicKeyPath:  envStr("AEGIS_PUBLIC_KEY", "/var/lib/aegis/keys/signing.pub.pem"),
		RedisAddr:      os.Getenv("AEGIS_REDIS_ADDR"),
		RedisPassword:  os.Getenv("AEGIS_REDIS_PASSWORD"),
		JWTSecret:      os.Getenv("AEGIS_JWT_SECRET"),
		DownstreamDSN:  os.Getenv("AEGIS_DOWNSTREAM_DSN"),
		S3Bucket:       os.Getenv("AEGIS_S3_BUCKET"),
		S3Region:       envStr("AEGIS_S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("AEGIS_S3_ENDPOINT"),
		S3Prefix:       envStr("AEGIS_S3_PREFIX", "archive"),
		OTLPEndpoint:   envStr("AEGIS_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:    os.Getenv("AEGIS_OTEL_ENABLED") == "true",
	}
	cfg.RegistryPath = envStr("AEGIS_REGISTRY_PATH", cfg.StorageRoot+"/registry.db")
	cfg.LedgerPath = envStr("AEGIS_LEDGER_PATH", cfg.StorageRoot+"/audit.ndjson")
	cfg.EvidenceDir = envStr("AEGIS_EVIDENCE_DIR", cfg.StorageRoot+"/evidence")
	cfg.RunsDir = envStr("AEGIS_RUNS_DIR", cfg.StorageRoot+"/runs")

	var err error
	if cfg.MaxArchiveBytes, err = envInt64("AEGIS_MAX_ARCHIVE_BYTES", 5<<30); err != nil {
		return nil, err
	}
	if cfg.MaxVerifyFiles, err = envInt("AEGIS_MAX_VERIFY_FILES", 50_000); err != nil {
		return nil, err
	}
	if cfg.ArchiveRetention, err = envDuration("AEGIS_ARCHIVE_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = envDuration("AEGIS_DEDUP_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SimilarityThreshold, err = envInt("AEGIS_SIMILARITY_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("AEGIS_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.BufferCapacity, err = envInt("AEGIS_BUFFER_CAPACITY", 2000); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = envInt("AEGIS_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.MaxBatchAge, err = envDuration("AEGIS_MAX_BATCH_AGE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = envFloat("AEGIS_RATE_LIMIT_RPS", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("AEGIS_RATE_LIMIT_BURST", 200); err != nil {
		return nil, err
	}
	if cfg.WaitTimeout, err = envDuration("AEGIS_WAIT_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
