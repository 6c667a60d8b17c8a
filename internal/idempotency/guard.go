// Package idempotency replays the stored response of a mutating request that
// carries a client-supplied key, instead of executing it again.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// ErrInProgress is returned while another request holding the same key is
// still running.
var ErrInProgress = errors.New("idempotency: a request with this key is in progress")

// DefaultPendingTTL is how long a reservation blocks its key before a retry
// may take it over.
const DefaultPendingTTL = time.Minute

// Response is a stored HTTP outcome.
type Response struct {
	StatusCode int
	Body       []byte
}

// Guard reserves, records and replays responses keyed by (key, actor).
type Guard struct {
	store      store.IdempotencyStore
	logger     *slog.Logger
	now        func() time.Time
	pendingTTL time.Duration
}

// NewGuard creates a guard over the given store.
func NewGuard(st store.IdempotencyStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: st, logger: logger, now: time.Now, pendingTTL: DefaultPendingTTL}
}

// Lookup returns the completed response for (key, actor). An empty key or a
// reservation still in flight never matches.
func (g *Guard) Lookup(ctx context.Context, key, actor string) (*Response, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, err := g.store.GetIdempotency(ctx, key, actor)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	if rec.Pending() {
		return nil, false, nil
	}
	return &Response{StatusCode: rec.StatusCode, Body: rec.Body}, true, nil
}

// Execute runs fn once per (key, actor). The key is reserved before fn runs,
// so a concurrent duplicate gets ErrInProgress and a later one the stored
// response with replayed=true. Only 2xx outcomes are recorded; any other
// outcome, or a panic in fn, releases the key for a retry.
func (g *Guard) Execute(ctx context.Context, key, actor string, fn func() (int, []byte)) (Response, bool, error) {
	if key == "" {
		status, body := fn()
		return Response{StatusCode: status, Body: body}, false, nil
	}

	now := g.now().UTC()
	rec, reserved, err := g.store.ReserveIdempotency(ctx, key, actor, now, now.Add(-g.pendingTTL))
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if !reserved {
		if rec.Pending() {
			return Response{}, false, ErrInProgress
		}
		return Response{StatusCode: rec.StatusCode, Body: rec.Body}, true, nil
	}

	completed := false
	defer func() {
		if !completed {
			g.release(ctx, key, actor)
		}
	}()

	status, body := fn()
	if status < 200 || status >= 300 {
		return Response{StatusCode: status, Body: body}, false, nil
	}

	err = g.store.CompleteIdempotency(ctx, &model.IdempotencyRecord{
		Key:        key,
		UserID:     actor,
		StatusCode: status,
		Body:       body,
		CreatedAt:  now,
	})
	// The side effect already happened. A failed save keeps the reservation
	// so duplicates see ErrInProgress until it goes stale.
	completed = true
	if err != nil {
		g.logger.Warn("idempotency save failed", "key", key, "user", actor, "err", err)
	}
	return Response{StatusCode: status, Body: body}, false, nil
}

func (g *Guard) release(ctx context.Context, key, actor string) {
	if err := g.store.ReleaseIdempotency(context.WithoutCancel(ctx), key, actor); err != nil {
		g.logger.Warn("idempotency release failed", "key", key, "user", actor, "err", err)
	}
}
