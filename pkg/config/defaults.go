package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	if cfg.ProjectName == "" {
		cfg.ProjectName = "geocdn"
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.NodesFile == "" {
		cfg.NodesFile = ".env.minio.json"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	applyRedisDefaults(&cfg.Redis)
	applyRateLimitDefaults(&cfg.RateLimit)
	applySchedulerDefaults(&cfg.Scheduler)
	applyLoggingDefaults(&cfg.Logging)
}

func applyRedisDefaults(cfg *RedisConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.ExpireSeconds == 0 {
		cfg.ExpireSeconds = 300
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	// Enabled defaults to false (opt-in)
	if cfg.PerMinute == 0 {
		cfg.PerMinute = 20
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.FinishInterval == 0 {
		cfg.FinishInterval = 2 * time.Minute
	}
	if cfg.AbortInterval == 0 {
		cfg.AbortInterval = 30 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

// decodeHooks returns the decode hook for custom types. Durations come
// from the environment as strings like "2m". Numeric and boolean
// coercion is handled by viper's weakly typed decoding.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
