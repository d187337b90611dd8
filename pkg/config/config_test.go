package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns a working single-node
// setup when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"WARDEN_PORT", "WARDEN_LOG_LEVEL", "WARDEN_DB_DRIVER", "WARDEN_DB_DSN",
		"WARDEN_ARCHIVE_BACKEND", "WARDEN_RATE_LIMIT_RPS", "WARDEN_RATE_LIMIT_BURST",
		"WARDEN_REDIS_ADDR", "WARDEN_REDIS_DB", "WARDEN_SWEEP_SCHEDULE",
		"WARDEN_OTEL_ENABLED", "WARDEN_ADMIN_SECRET", "WARDEN_MIN_APP_VERSION",
	} {
		t.Setenv(key, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "data/warden.db", cfg.DBDSN)
	assert.Equal(t, archive.BackendFS, cfg.Archive.Backend)
	assert.Equal(t, 10.0, cfg.RateLimitPerSecond)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "@hourly", cfg.SweepSchedule)
	assert.False(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.AdminSecret, "admin surface stays locked by default")
}

// TestLoad_Overrides verifies 12-factor env overrides.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WARDEN_PORT", "9443")
	t.Setenv("WARDEN_DB_DRIVER", "postgres")
	t.Setenv("WARDEN_DB_DSN", "postgres://warden@db:5432/warden?sslmode=disable")
	t.Setenv("WARDEN_ARCHIVE_BACKEND", "s3")
	t.Setenv("WARDEN_ARCHIVE_BUCKET", "warden-certs")
	t.Setenv("WARDEN_ARCHIVE_REGION", "eu-central-1")
	t.Setenv("WARDEN_RATE_LIMIT_RPS", "2.5")
	t.Setenv("WARDEN_RATE_LIMIT_BURST", "5")
	t.Setenv("WARDEN_REDIS_ADDR", "redis:6379")
	t.Setenv("WARDEN_REDIS_DB", "3")
	t.Setenv("WARDEN_MIN_APP_VERSION", "2.0.0")
	t.Setenv("WARDEN_OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9443", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, archive.BackendS3, cfg.Archive.Backend)
	assert.Equal(t, "warden-certs", cfg.Archive.Bucket)
	assert.Equal(t, "eu-central-1", cfg.Archive.Region)
	assert.Equal(t, 2.5, cfg.RateLimitPerSecond)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "2.0.0", cfg.MinAppVersion)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_RejectsMalformedNumbers(t *testing.T) {
	t.Setenv("WARDEN_RATE_LIMIT_BURST", "many")

	_, err := config.Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_RATE_LIMIT_BURST")
}
