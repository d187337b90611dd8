// Package config loads the issuer's environment configuration and the
// agent's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/wardenhq/warden/pkg/archive"
)

// Config holds the issuer server configuration, read from WARDEN_*
// environment variables. Defaults suit a single-node deployment: SQLite,
// filesystem archive, in-memory limiters.
type Config struct {
	Port     string
	LogLevel string

	// DBDriver is "sqlite" or "postgres"; DBDSN is a file path or a
	// connection string accordingly.
	DBDriver string
	DBDSN    string

	PrivateKeyPath string
	PublicKeyPath  string

	// Registry credentials sealed into every activation bundle.
	RegistryURL      string
	RegistryUsername string
	RegistryToken    string

	// AdminSecret signs admin API bearer tokens (HS256). Empty keeps the
	// admin surface locked.
	AdminSecret string

	// MinAppVersion is the semver floor activation requests must satisfy.
	// Empty disables the check.
	MinAppVersion string

	// Per-IP request limiting on the public API.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// RedisAddr switches the per-license hourly budget to Redis so several
	// issuer replicas share buckets. Empty keeps buckets in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SweepSchedule is the expiry sweeper's cron expression.
	SweepSchedule string

	Archive archive.Config

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged first when present; real environment variables
// win over file entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             envStr("WARDEN_PORT", "8080"),
		LogLevel:         envStr("WARDEN_LOG_LEVEL", "INFO"),
		DBDriver:         envStr("WARDEN_DB_DRIVER", "sqlite"),
		DBDSN:            envStr("WARDEN_DB_DSN", "data/warden.db"),
		PrivateKeyPath:   envStr("WARDEN_PRIVATE_KEY", "data/keys/private_key.pem"),
		PublicKeyPath:    envStr("WARDEN_PUBLIC_KEY", "data/keys/public_key.pem"),
		RegistryURL:      envStr("WARDEN_REGISTRY_URL", "registry.warden.internal"),
		RegistryUsername: envStr("WARDEN_REGISTRY_USERNAME", "license-pull"),
		RegistryToken:    os.Getenv("WARDEN_REGISTRY_TOKEN"),
		AdminSecret:      os.Getenv("WARDEN_ADMIN_SECRET"),
		MinAppVersion:    os.Getenv("WARDEN_MIN_APP_VERSION"),
		RedisAddr:        os.Getenv("WARDEN_REDIS_ADDR"),
		RedisPassword:    os.Getenv("WARDEN_REDIS_PASSWORD"),
		SweepSchedule:    envStr("WARDEN_SWEEP_SCHEDULE", "@hourly"),
		OTelEnabled:      envBool("WARDEN_OTEL_ENABLED"),
		OTelEndpoint:     envStr("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure:     envBool("WARDEN_OTEL_INSECURE"),
		Archive: archive.Config{
			Backend:  archive.Backend(envStr("WARDEN_ARCHIVE_BACKEND", string(archive.BackendFS))),
			Dir:      envStr("WARDEN_ARCHIVE_DIR", "data/certificates"),
			Bucket:   os.Getenv("WARDEN_ARCHIVE_BUCKET"),
			Region:   os.Getenv("WARDEN_ARCHIVE_REGION"),
			Endpoint: os.Getenv("WARDEN_ARCHIVE_ENDPOINT"),
			Prefix:   os.Getenv("WARDEN_ARCHIVE_PREFIX"),
		},
	}

	var err error
	if cfg.RateLimitPerSecond, err = envFloat("WARDEN_RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("WARDEN_RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("WARDEN_REDIS_DB", 0); err != nil {
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

func envBool(key string) bool {
	return os.Getenv(key) == "true"
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
