package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/store"
)

// DefaultScanInterval is how often the scheduler looks for due contracts.
const DefaultScanInterval = time.Minute

// Scheduler periodically resolves LIVE contracts past expiry. A contract
// that fails stays LIVE and is picked up again on the next scan.
type Scheduler struct {
	store    store.ContractStore
	resolver *Resolver
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. interval <= 0 means DefaultScanInterval.
func NewScheduler(st store.ContractStore, resolver *Resolver, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, resolver: resolver, interval: interval, logger: logger, now: time.Now}
}

// Run scans until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement scheduler stopped")
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// ScanResult summarizes one pass.
type ScanResult struct {
	Due       int
	Settled   int
	Simulated int
	Skipped   int
	Failed    int
}

// Scan resolves every due contract once.
func (s *Scheduler) Scan(ctx context.Context) ScanResult {
	var res ScanResult
	due, err := s.store.ListDueContracts(ctx, s.now())
	if err != nil {
		s.logger.Error("list due contracts failed", "err", err)
		return res
	}
	res.Due = len(due)
	metrics.DueContracts.Set(float64(len(due)))

	for _, c := range due {
		if ctx.Err() != nil {
			return res
		}
		out, err := s.resolver.Resolve(ctx, Request{ContractID: c.ID})
		switch {
		case err == nil:
			if _, ok := out.(*SimulatedSettlement); ok {
				res.Simulated++
			} else {
				res.Settled++
			}
		case errors.Is(err, ErrPending), errors.Is(err, ErrAlreadySettled):
			res.Skipped++
		default:
			res.Failed++
			s.logger.Warn("scheduled settlement failed", "contract_id", c.ID, "err", err)
		}
	}
	if res.Due > 0 {
		s.logger.Info("settlement scan complete",
			"due", res.Due,
			"settled", res.Settled,
			"simulated", res.Simulated,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}
