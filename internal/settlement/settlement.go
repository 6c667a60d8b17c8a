// Package settlement resolves expired LIVE contracts: it fetches a price from
// the oracle, picks the winner against the strike and sends a settlement
// instruction to the execution layer. The SETTLE webhook, not this package,
// makes the contract terminal.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/events"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

var (
	ErrAlreadySettled       = errors.New("settlement: contract already settled")
	ErrNotLive              = errors.New("settlement: contract is not live")
	ErrNotExpired           = errors.New("settlement: contract has not expired")
	ErrPending              = errors.New("settlement: instruction pending")
	ErrTermsMismatch        = errors.New("settlement: request does not match contract terms")
	ErrOracleUnavailable    = errors.New("settlement: oracle unavailable")
	ErrExecutionUnavailable = errors.New("settlement: execution layer unavailable")
)

// Quote is an oracle price observation.
type Quote struct {
	Price       decimal.Decimal `json:"price"`
	Source      string          `json:"source,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitempty"`
}

// Oracle reports the current price of an underlying.
type Oracle interface {
	Price(ctx context.Context, underlying string) (Quote, error)
}

// Instruction is the payout the execution layer is asked to carry out.
type Instruction struct {
	ContractID  string          `json:"contractId"`
	ContractPDA string          `json:"contractPda"`
	EscrowPDA   string          `json:"escrowPda"`
	OracleFeed  string          `json:"oracleFeed"`
	Price       decimal.Decimal `json:"settlementPrice"`
	Winner      string          `json:"winner"`
	Loser       string          `json:"loser"`
	Payout      decimal.Decimal `json:"payout"`
	SettledAt   time.Time       `json:"settledAt"`
}

// Executor submits settlement instructions and returns the transaction
// signature.
type Executor interface {
	Settle(ctx context.Context, in Instruction) (string, error)
}

// Request identifies the contract to settle. Term fields are optional; when
// set they must agree with the stored contract.
type Request struct {
	ContractID string          `json:"contractId" validate:"required"`
	Underlying string          `json:"underlying,omitempty"`
	Strike     decimal.Decimal `json:"strike,omitempty"`
	Expiry     *time.Time      `json:"expiry,omitempty"`
	LongParty  string          `json:"longParty,omitempty"`
	ShortParty string          `json:"shortParty,omitempty"`
	Notional   decimal.Decimal `json:"notional,omitempty"`
}

// Decision is the winner computation shared by real and simulated outcomes.
type Decision struct {
	ContractID       string          `json:"contract_id"`
	Underlying       string          `json:"underlying"`
	Strike           decimal.Decimal `json:"strike"`
	Price            decimal.Decimal `json:"price"`
	PriceAboveStrike bool            `json:"price_above_strike"`
	Winner           string          `json:"winner"`
	Loser            string          `json:"loser"`
	Payout           decimal.Decimal `json:"payout"`
	SettledAt        time.Time       `json:"settled_at"`
}

// Outcome is either a *Settlement or a *SimulatedSettlement.
type Outcome interface {
	decision() Decision
}

// Settlement is an instruction accepted by the execution layer.
type Settlement struct {
	Decision
	TxSig        string `json:"tx_sig"`
	OracleSource string `json:"oracle_source,omitempty"`
}

// SimulatedSettlement is produced only when simulation is enabled and a
// collaborator was unreachable. Nothing was sent to the execution layer.
type SimulatedSettlement struct {
	Decision
	Reason       string `json:"reason"`
	OracleSource string `json:"oracle_source,omitempty"`
}

func (s *Settlement) decision() Decision          { return s.Decision }
func (s *SimulatedSettlement) decision() Decision { return s.Decision }

// Decide picks the winner: the long party wins when price is strictly above
// strike, the short party otherwise.
func Decide(c model.Contract, price decimal.Decimal, at time.Time) Decision {
	above := price.GreaterThan(c.Strike)
	winner, loser := c.ShortParty, c.LongParty
	if above {
		winner, loser = c.LongParty, c.ShortParty
	}
	return Decision{
		ContractID:       c.ID,
		Underlying:       c.Underlying,
		Strike:           c.Strike,
		Price:            price,
		PriceAboveStrike: above,
		Winner:           winner,
		Loser:            loser,
		Payout:           c.Notional,
		SettledAt:        at.UTC(),
	}
}

// Store is the persistence the resolver needs.
type Store interface {
	store.ContractStore
	store.LedgerStore
}

// Config controls retries and the simulated fallback.
type Config struct {
	Attempts       int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration

	// ClaimTTL bounds how long one resolver holds a contract. It must
	// outlast a full round of oracle and execution retries.
	ClaimTTL time.Duration

	// AllowSimulated enables SimulatedSettlement when a collaborator is
	// exhausted. Never set in production.
	AllowSimulated bool
	FallbackPrices map[string]decimal.Decimal
}

// DefaultConfig returns three attempts one second apart, five seconds each,
// under a five minute claim.
func DefaultConfig() Config {
	return Config{Attempts: 3, RetryDelay: time.Second, AttemptTimeout: 5 * time.Second, ClaimTTL: 5 * time.Minute}
}

// Resolver settles contracts.
type Resolver struct {
	store    Store
	oracle   Oracle
	executor Executor
	cfg      Config
	audit    *audit.Recorder
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. Zero retry settings take DefaultConfig
// values.
func NewResolver(st Store, oracle Oracle, exec Executor, cfg Config, rec *audit.Recorder, pub events.Publisher, logger *slog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    st,
		oracle:   oracle,
		executor: exec,
		cfg:      cfg,
		audit:    rec,
		events:   pub,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve settles the contract named by req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Outcome, error) {
	start := r.now()
	out, err := r.resolve(ctx, req)
	metrics.SettlementsTotal.WithLabelValues(outcomeLabel(out, err)).Inc()
	if err == nil {
		metrics.SettlementLatency.Observe(r.now().Sub(start).Seconds())
	}
	return out, err
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Outcome, error) {
	c, err := r.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadySettled, c.ID, c.State)
	}
	if c.State != model.ContractLive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLive, c.ID, c.State)
	}
	if err := checkTerms(req, c); err != nil {
		return nil, err
	}
	now := r.now()
	if now.Before(c.Expiry) {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotExpired, c.Expiry.UTC().Format(time.RFC3339))
	}

	// Only the lease holder may read the ledger and send. The SENT entry
	// takes over as the guard once it is recorded.
	holder := uuid.New().String()
	claimed, err := r.store.ClaimSettlement(ctx, c.ID, holder, now, now.Add(r.cfg.ClaimTTL))
	if err != nil {
		return nil, fmt.Errorf("claim settlement: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s is being settled", ErrPending, c.ID)
	}
	keepClaim := false
	defer func() {
		if keepClaim {
			return
		}
		if err := r.store.ReleaseSettlement(context.WithoutCancel(ctx), c.ID, holder); err != nil {
			r.logger.Warn("release settlement claim failed", "contract_id", c.ID, "err", err)
		}
	}()

	if err := r.checkPending(ctx, c.ID); err != nil {
		return nil, err
	}

	r.logger.Info("settling contract", "contract_id", c.ID, "underlying", c.Underlying)

	var quote Quote
	err = r.retry(ctx, "oracle", func(ctx context.Context) error {
		q, err := r.oracle.Price(ctx, c.Underlying)
		quote = q
		return err
	})
	if err != nil {
		return r.fallback(c, now, nil, ErrOracleUnavailable, err)
	}

	d := Decide(*c, quote.Price, now)
	in := Instruction{
		ContractID:  c.ID,
		ContractPDA: c.ContractPDA,
		EscrowPDA:   c.EscrowPDA,
		OracleFeed:  c.OracleFeed,
		Price:       d.Price,
		Winner:      d.Winner,
		Loser:       d.Loser,
		Payout:      d.Payout,
		SettledAt:   d.SettledAt,
	}

	var sig string
	err = r.retry(ctx, "execution", func(ctx context.Context) error {
		s, err := r.executor.Settle(ctx, in)
		sig = s
		return err
	})
	if err != nil {
		return r.fallback(c, now, &quote, ErrExecutionUnavailable, err)
	}

	if err := r.recordSent(ctx, c.ID, sig, d); err != nil {
		// The instruction is out. Holding the claim until it lapses keeps
		// other resolvers from sending again before the webhook records it.
		keepClaim = true
		r.logger.Error("record settlement tx failed", "contract_id", c.ID, "tx_sig", sig, "err", err)
		return nil, fmt.Errorf("record settlement tx %s: %w", sig, err)
	}

	r.audit.Record(ctx, audit.EntityContract, c.ID, audit.ActionSettle, "", map[string]any{
		"tx_sig": sig,
		"price":  d.Price.String(),
		"winner": d.Winner,
		"payout": d.Payout.String(),
	})
	r.events.Publish(events.Event{
		Type:       events.ContractSettling,
		MatchID:    c.MatchID,
		ContractID: c.ID,
		State:      string(c.State),
	})
	r.logger.Info("settlement sent",
		"contract_id", c.ID,
		"tx_sig", sig,
		"price", d.Price.String(),
		"winner", d.Winner,
	)
	return &Settlement{Decision: d, TxSig: sig, OracleSource: quote.Source}, nil
}

// checkPending refuses to send a second instruction while an earlier one is
// in flight or confirmed. A FAILED entry allows a retry.
func (r *Resolver) checkPending(ctx context.Context, contractID string) error {
	entries, err := r.store.ListLedger(ctx, contractID)
	if err != nil {
		return fmt.Errorf("list ledger: %w", err)
	}
	for _, e := range entries {
		if e.Kind == model.TxSettle && e.Status != model.TxFailed {
			return fmt.Errorf("%w: %s (%s)", ErrPending, e.Sig, e.Status)
		}
	}
	return nil
}

func (r *Resolver) recordSent(ctx context.Context, contractID, sig string, d Decision) error {
	meta, _ := json.Marshal(map[string]string{
		"winner": d.Winner,
		"price":  d.Price.String(),
	})
	_, err := r.store.ApplyTxEvent(context.WithoutCancel(ctx), store.TxEvent{
		Sig:        sig,
		ContractID: contractID,
		Kind:       model.TxSettle,
		Status:     model.TxSent,
		Meta:       meta,
		At:         r.now().UTC(),
	}, nil)
	return err
}

// fallback turns an exhausted collaborator into a SimulatedSettlement when
// allowed. An oracle quote already obtained is used over the configured
// fallback price.
func (r *Resolver) fallback(c *model.Contract, now time.Time, quote *Quote, sentinel, cause error) (Outcome, error) {
	price, ok := r.cfg.FallbackPrices[c.Underlying]
	if quote != nil {
		price, ok = quote.Price, true
	}
	if !r.cfg.AllowSimulated || !ok {
		r.logger.Error("settlement failed, contract left live",
			"contract_id", c.ID,
			"reason", sentinel.Error(),
			"err", cause,
		)
		return nil, fmt.Errorf("%w: %v", sentinel, cause)
	}
	r.logger.Warn("simulated settlement",
		"contract_id", c.ID,
		"reason", sentinel.Error(),
		"err", cause,
	)
	sim := &SimulatedSettlement{
		Decision: Decide(*c, price, now),
		Reason:   fmt.Sprintf("%s: %v", sentinel, cause),
	}
	if quote != nil {
		sim.OracleSource = quote.Source
	}
	return sim, nil
}

// retry runs fn up to cfg.Attempts times with a fixed delay, each attempt
// bounded by cfg.AttemptTimeout.
func (r *Resolver) retry(ctx context.Context, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Warn("settlement call failed", "call", what, "attempt", attempt, "err", err)
		if attempt == r.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
	return err
}

func checkTerms(req Request, c *model.Contract) error {
	mismatch := func(field string) error {
		return fmt.Errorf("%w: %s", ErrTermsMismatch, field)
	}
	if req.Underlying != "" && req.Underlying != c.Underlying {
		return mismatch("underlying")
	}
	if !req.Strike.IsZero() && !req.Strike.Equal(c.Strike) {
		return mismatch("strike")
	}
	if !req.Notional.IsZero() && !req.Notional.Equal(c.Notional) {
		return mismatch("notional")
	}
	if req.Expiry != nil && !req.Expiry.Equal(c.Expiry) {
		return mismatch("expiry")
	}
	if req.LongParty != "" && req.LongParty != c.LongParty {
		return mismatch("longParty")
	}
	if req.ShortParty != "" && req.ShortParty != c.ShortParty {
		return mismatch("shortParty")
	}
	return nil
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case err == nil:
		if _, ok := out.(*SimulatedSettlement); ok {
			return "simulated"
		}
		return "settled"
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrPending):
		return "skipped"
	case errors.Is(err, ErrNotExpired), errors.Is(err, ErrNotLive), errors.Is(err, ErrTermsMismatch):
		return "rejected"
	default:
		return "failed"
	}
}
