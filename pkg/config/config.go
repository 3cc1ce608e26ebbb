// Package config loads and validates the service configuration.
//
// Configuration comes from environment variables (optionally sourced
// from a .env-style file through the process environment). Each setting
// binds to one flat variable name; there is no prefix convention.
//
// Sources in order of precedence:
//  1. Environment variables
//  2. Default values
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the full service configuration.
type Config struct {
	// ProjectName names the service in logs and the health endpoint.
	ProjectName string `mapstructure:"project_name"`

	// Host and Port are the API listen address.
	Host string `mapstructure:"host_cdn" validate:"required"`
	Port int    `mapstructure:"port_cdn" validate:"required,gt=0,lte=65535"`

	// Bucket is the single bucket all nodes serve.
	Bucket string `mapstructure:"bucket_name" validate:"required"`

	// PartSize is the multipart chunk size in bytes. S3 rejects parts
	// at or under 5 MiB, so the value must exceed that.
	PartSize int64 `mapstructure:"upload_part_size" validate:"required,gt=5242880"`

	// NodesFile points at the JSON document describing the S3 nodes.
	NodesFile string `mapstructure:"nodes_file" validate:"required"`

	// IPAPIKey authenticates geolocation lookups against ipapi.co.
	IPAPIKey string `mapstructure:"ipapi_key"`

	// Redis is the cache connection.
	Redis RedisConfig `mapstructure:",squash"`

	// RateLimit controls the per-client request limiter.
	RateLimit RateLimitConfig `mapstructure:",squash"`

	// Scheduler tunes the replication scheduler.
	Scheduler SchedulerConfig `mapstructure:",squash"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:",squash"`

	// MetricsPort exposes Prometheus metrics when non-zero.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RedisConfig is the cache connection configuration.
type RedisConfig struct {
	Host string `mapstructure:"redis_host" validate:"required"`
	Port int    `mapstructure:"redis_port" validate:"required,gt=0,lte=65535"`

	// ExpireSeconds is the TTL for transient cache entries.
	ExpireSeconds int `mapstructure:"cache_expire_in_seconds" validate:"gt=0"`
}

// RateLimitConfig controls the request limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Off by default.
	Enabled bool `mapstructure:"is_rate_limit"`

	// PerMinute is the per-client request budget per minute.
	PerMinute int64 `mapstructure:"request_limit_per_minute" validate:"gt=0"`
}

// SchedulerConfig tunes the background replication scheduler.
type SchedulerConfig struct {
	Workers        int           `mapstructure:"scheduler_workers" validate:"gt=0"`
	FinishInterval time.Duration `mapstructure:"finish_interval" validate:"gt=0"`
	AbortInterval  time.Duration `mapstructure:"abort_interval" validate:"gt=0"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json".
	Format string `mapstructure:"log_format" validate:"required,oneof=text json"`
}

// envKeys lists every environment variable the service reads. Each is
// bound explicitly because the names predate any prefix convention.
var envKeys = []string{
	"project_name",
	"host_cdn",
	"port_cdn",
	"bucket_name",
	"upload_part_size",
	"nodes_file",
	"ipapi_key",
	"redis_host",
	"redis_port",
	"cache_expire_in_seconds",
	"is_rate_limit",
	"request_limit_per_minute",
	"scheduler_workers",
	"finish_interval",
	"abort_interval",
	"log_level",
	"log_format",
	"metrics_port",
	"shutdown_timeout",
}

// Load reads the configuration from the environment, applies defaults
// and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	for _, key := range envKeys {
		// BindEnv with one argument maps the key to its uppercase form.
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Addr returns the host:port the API server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
