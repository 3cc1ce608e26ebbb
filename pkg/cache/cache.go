// Package cache defines the key/value capability set the CDN core
// needs and its Redis backing.
//
// The cache is the source of truth for upload state, rate counters, and
// single-flight signaling. Writes are last-write-wins per key; callers
// rely on status transitions never regressing.
package cache

import (
	"context"
	"time"
)

// Cache is the capability set used by the core.
type Cache interface {
	// HGetAll returns all hash fields of key. A missing key yields an
	// empty map and no error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes the given hash fields of key. With a positive ttl the
	// key expires after ttl; with zero it persists.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// IncrExpire atomically increments the counter at key, sets its TTL,
	// and returns the new value. Used by the rate limiter.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
