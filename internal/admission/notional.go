// Package admission implements the advisory gates evaluated before business
// logic runs: a per-(actor, endpoint) request rate limiter and a per-actor
// daily notional ceiling.
//
// Both gates count then record. Under a race a request may slip past the
// ceiling by a small margin; a request that is within the limit is never
// turned away.
package admission

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotionalLimitExceeded is returned when a new order would push the
	// actor's notional for the current UTC day past the ceiling.
	ErrNotionalLimitExceeded = errors.New("admission: daily notional limit exceeded")

	// ErrRateLimited is returned by callers that surface a rejected
	// Decision as an error.
	ErrRateLimited = errors.New("admission: rate limit exceeded")
)

// DefaultMaxNotionalPerDay is the ceiling when none is configured.
var DefaultMaxNotionalPerDay = decimal.NewFromInt(100000)

// NotionalDecision reports usage against the daily ceiling. Remaining is
// what is left after the request when it is admitted, and what was left
// before it when it is not.
type NotionalDecision struct {
	Used      decimal.Decimal `json:"used"`
	Limit     decimal.Decimal `json:"limit"`
	Remaining decimal.Decimal `json:"remaining"`
}

// NotionalLimiter enforces a per-actor ceiling on the sum of non-cancelled
// order notionals created in one UTC day.
type NotionalLimiter struct {
	// MaxPerDay is the inclusive ceiling on used + requested.
	MaxPerDay decimal.Decimal
}

// NewNotionalLimiter creates a limiter. A non-positive max falls back to
// DefaultMaxNotionalPerDay.
func NewNotionalLimiter(maxPerDay decimal.Decimal) *NotionalLimiter {
	if !maxPerDay.IsPositive() {
		maxPerDay = DefaultMaxNotionalPerDay
	}
	return &NotionalLimiter{MaxPerDay: maxPerDay}
}

// Check validates that requested fits on top of used.
//
// Returns the decision in both cases so the caller can surface
// used/limit/remaining with the rejection.
func (l *NotionalLimiter) Check(used, requested decimal.Decimal) (NotionalDecision, error) {
	after := used.Add(requested)
	if after.GreaterThan(l.MaxPerDay) {
		return NotionalDecision{
			Used:      used,
			Limit:     l.MaxPerDay,
			Remaining: nonNegative(l.MaxPerDay.Sub(used)),
		}, ErrNotionalLimitExceeded
	}
	return NotionalDecision{
		Used:      after,
		Limit:     l.MaxPerDay,
		Remaining: l.MaxPerDay.Sub(after),
	}, nil
}

// DayBounds returns the [start, end) of the UTC day containing t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
