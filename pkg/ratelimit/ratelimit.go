// Package ratelimit implements a per-client fixed-window request
// limiter backed by the shared cache.
//
// The window is the current wall-clock minute: each request increments
// a counter under "{client}:{minute}" with a TTL just under a minute,
// so counters expire on their own and a restart never leaks state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/metrics"
)

// ErrRateLimited is returned when a client exhausted its per-minute
// request budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// DefaultLimit is the per-minute request budget when none is
// configured.
const DefaultLimit = 20

// windowTTL keeps counters alive slightly shorter than the window so a
// key never bleeds into the next minute.
const windowTTL = 59 * time.Second

// Limiter counts requests per client address per minute.
type Limiter struct {
	cache   cache.Cache
	limit   int64
	enabled bool
	metrics *metrics.Metrics

	// now is stubbed in tests to pin the window.
	now func() time.Time
}

// New creates a limiter allowing limit requests per client per minute.
// A disabled limiter allows everything.
func New(c cache.Cache, limit int64, enabled bool, m *metrics.Metrics) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		cache:   c,
		limit:   limit,
		enabled: enabled,
		now:     time.Now,
		metrics: m,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool { return l.enabled }

// Allow records one request from clientAddr and returns ErrRateLimited
// when the client went over budget for the current minute.
func (l *Limiter) Allow(ctx context.Context, clientAddr string) error {
	if !l.enabled {
		return nil
	}

	key := fmt.Sprintf("%s:%d", clientAddr, l.now().Minute())
	count, err := l.cache.IncrExpire(ctx, key, windowTTL)
	if err != nil {
		// An unreachable cache must not take the API down with it.
		logger.Warn("rate limit counter unavailable, allowing request",
			"client", clientAddr, "error", err)
		return nil
	}
	if count > l.limit {
		l.metrics.RecordRateLimited()
		return fmt.Errorf("client %s sent %d requests this minute: %w", clientAddr, count, ErrRateLimited)
	}
	return nil
}
