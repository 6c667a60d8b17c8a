package admission

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
)

// Decision is the outcome of one rate limiter check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter is how long the caller should wait before the oldest recorded
// request leaves the window.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// RateLimiter counts accepted requests per key in a trailing window.
// Rejected requests are not recorded.
type RateLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Key builds the limiter key for an actor calling an endpoint.
func Key(actor, endpoint string) string {
	return actor + ":" + strings.TrimPrefix(endpoint, "/")
}

// MemoryLimiter is a sliding-log limiter for a single process.
type MemoryLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	entries      map[string][]time.Time
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

// NewMemoryLimiter creates an in-process limiter. Non-positive arguments
// fall back to the defaults.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &MemoryLimiter{
		limit:        limit,
		window:       window,
		entries:      map[string][]time.Time{},
		cleanupEvery: window,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)

	if now.Sub(l.lastCleanup) >= l.cleanupEvery {
		for k, log := range l.entries {
			if len(log) == 0 || !log[len(log)-1].After(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	log := l.entries[key]
	live := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	dec := Decision{Limit: l.limit}
	if len(live) < l.limit {
		live = append(live, now)
		dec.Allowed = true
	}
	l.entries[key] = live

	dec.Remaining = l.limit - len(live)
	dec.ResetAt = live[0].Add(l.window)
	return dec, nil
}
