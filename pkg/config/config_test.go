package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequiredEnv sets the variables without defaults.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BUCKET_NAME", "films")
	t.Setenv("UPLOAD_PART_SIZE", "6291456")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "geocdn", cfg.ProjectName)
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, ".env.minio.json", cfg.NodesFile)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 300, cfg.Redis.ExpireSeconds)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, int64(20), cfg.RateLimit.PerMinute)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.FinishInterval)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.AbortInterval)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_ExplicitValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROJECT_NAME", "cdn-staging")
	t.Setenv("HOST_CDN", "10.0.0.5")
	t.Setenv("PORT_CDN", "9090")
	t.Setenv("NODES_FILE", "/etc/geocdn/nodes.json")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("IS_RATE_LIMIT", "True")
	t.Setenv("REQUEST_LIMIT_PER_MINUTE", "5")
	t.Setenv("SCHEDULER_WORKERS", "8")
	t.Setenv("FINISH_INTERVAL", "90s")
	t.Setenv("ABORT_INTERVAL", "1h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("METRICS_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cdn-staging", cfg.ProjectName)
	assert.Equal(t, "10.0.0.5:9090", cfg.Addr())
	assert.Equal(t, "/etc/geocdn/nodes.json", cfg.NodesFile)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, int64(5), cfg.RateLimit.PerMinute)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.FinishInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.AbortInterval)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 9100, cfg.MetricsPort)
}

func TestLoad_MissingBucket(t *testing.T) {
	t.Setenv("UPLOAD_PART_SIZE", "6291456")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PartSizeTooSmall(t *testing.T) {
	t.Setenv("BUCKET_NAME", "films")
	// Exactly 5 MiB is rejected; parts must exceed the S3 minimum.
	t.Setenv("UPLOAD_PART_SIZE", "5242880")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BadLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	assert.Error(t, err)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		ProjectName: "custom",
		Port:        9999,
		Redis:       RedisConfig{Host: "redis.internal"},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "custom", cfg.ProjectName)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	// Untouched fields still receive defaults.
	assert.Equal(t, 6379, cfg.Redis.Port)
}
