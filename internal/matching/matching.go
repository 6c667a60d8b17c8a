// Package matching scores how compatible two opposite-direction orders are.
//
// Three ratios feed a weighted score:
//
//	expiry proximity  = clamp(1 − |Δdays| / min(tolA, tolB), 0, 1)
//	strike overlap    = max(0, overlap) / union   over [min, max] intervals
//	notional overlap  = min(nA, nB) / max(nA, nB)
//
//	score = 0.4·expiry + 0.4·strike + 0.2·notional
//
// Counter-eligibility is judged on thresholds, not on the score: a pair with
// a high score still fails if any single threshold fails.
//
// Ratios and scores are float64. They rank candidates and never touch money.
package matching

import (
	"math"
	"sort"
	"time"

	"github.com/atmx/hedge-engine/internal/model"
)

const (
	WeightExpiry   = 0.4
	WeightStrike   = 0.4
	WeightNotional = 0.2

	// MinStrikeOverlap and MinNotionalOverlap are the eligibility floors.
	MinStrikeOverlap   = 0.15
	MinNotionalOverlap = 0.5

	// DefaultLimit caps the number of candidates returned by Rank.
	DefaultLimit = 20
)

// Result is the compatibility verdict for an ordered pair of orders.
type Result struct {
	OrderAID              string  `json:"order_a_id"`
	OrderBID              string  `json:"order_b_id"`
	ExpiryProximity       float64 `json:"expiry_proximity"`
	StrikeOverlapRatio    float64 `json:"strike_overlap_ratio"`
	NotionalOverlapRatio  float64 `json:"notional_overlap_ratio"`
	Score                 float64 `json:"score"`
	CounterEligible       bool    `json:"counter_eligible"`
	ExpiryDeltaDays       float64 `json:"expiry_delta_days"`
	ExpiryToleranceInDays int     `json:"expiry_tolerance_days"`
}

// Score compares a and b. It returns nil when the orders share a direction
// or differ in underlying.
func Score(a, b model.Order) *Result {
	if a.Direction == b.Direction || a.Underlying != b.Underlying {
		return nil
	}

	tol := a.TolDays
	if b.TolDays < tol {
		tol = b.TolDays
	}
	delta := DeltaDays(a.Expiry, b.Expiry)

	expiry := ExpiryProximity(delta, tol)
	strike := StrikeOverlapRatio(
		a.StrikeMin.InexactFloat64(), a.StrikeMax.InexactFloat64(),
		b.StrikeMin.InexactFloat64(), b.StrikeMax.InexactFloat64(),
	)
	notional := NotionalOverlapRatio(a.Notional.InexactFloat64(), b.Notional.InexactFloat64())

	return &Result{
		OrderAID:              a.ID,
		OrderBID:              b.ID,
		ExpiryProximity:       expiry,
		StrikeOverlapRatio:    strike,
		NotionalOverlapRatio:  notional,
		Score:                 WeightedScore(expiry, strike, notional),
		CounterEligible:       CounterEligible(delta, tol, strike, notional),
		ExpiryDeltaDays:       delta,
		ExpiryToleranceInDays: tol,
	}
}

// DeltaDays returns |a − b| in fractional days.
func DeltaDays(a, b time.Time) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d.Hours() / 24
}

// ExpiryProximity maps an expiry gap onto [0, 1] against a tolerance in
// days. A non-positive tolerance only accepts an exact expiry match.
func ExpiryProximity(deltaDays float64, tolDays int) float64 {
	if tolDays <= 0 {
		if deltaDays == 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - deltaDays/float64(tolDays))
}

// StrikeOverlapRatio returns overlap width over union width of the intervals
// [minA, maxA] and [minB, maxB]. Identical single-point intervals give 1;
// disjoint or merely touching intervals give 0.
func StrikeOverlapRatio(minA, maxA, minB, maxB float64) float64 {
	unionWidth := math.Max(maxA, maxB) - math.Min(minA, minB)
	if unionWidth == 0 {
		return 1
	}
	overlapWidth := math.Min(maxA, maxB) - math.Max(minA, minB)
	if overlapWidth <= 0 {
		return 0
	}
	return clamp01(overlapWidth / unionWidth)
}

// NotionalOverlapRatio returns min/max of the two notionals, or 0 when
// either is zero.
func NotionalOverlapRatio(a, b float64) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	return clamp01(math.Min(a, b) / math.Max(a, b))
}

// WeightedScore combines the three ratios.
func WeightedScore(expiry, strike, notional float64) float64 {
	return clamp01(WeightExpiry*expiry + WeightStrike*strike + WeightNotional*notional)
}

// CounterEligible applies the three thresholds independently of the score.
func CounterEligible(deltaDays float64, tolDays int, strike, notional float64) bool {
	return deltaDays <= float64(tolDays) &&
		strike >= MinStrikeOverlap &&
		notional >= MinNotionalOverlap
}

// Rank scores every pool order against source and returns the eligible ones
// by descending score, ties broken by counterpart ID. Orders owned by the
// source's owner and the source itself are skipped. limit ≤ 0 means
// DefaultLimit.
func Rank(source model.Order, pool []model.Order, limit int) []Result {
	if limit <= 0 {
		limit = DefaultLimit
	}

	results := make([]Result, 0, len(pool))
	for _, candidate := range pool {
		if candidate.ID == source.ID || candidate.UserID == source.UserID {
			continue
		}
		r := Score(source, candidate)
		if r == nil || !r.CounterEligible {
			continue
		}
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].OrderBID < results[j].OrderBID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
