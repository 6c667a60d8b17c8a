// Package negotiation owns the lifecycle of a match between two orders:
// opening it, exchanging counter-proposals, collecting acknowledgements
// until both parties agree on one terms hash, and creating the contract
// that the execution layer initializes.
//
// Transitions past AGREED belong to the gateway; nothing here assumes a
// local call implies execution-layer success.
package negotiation

import (
	"context"
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
	"github.com/atmx/hedge-engine/internal/terms"
)

var (
	ErrNotParty     = errors.New("negotiation: actor is not a party to this match")
	ErrNotOwner     = errors.New("negotiation: actor owns neither order")
	ErrSameOwner    = errors.New("negotiation: orders belong to the same actor")
	ErrIncompatible = errors.New("negotiation: orders are not compatible")
	ErrInvalidState = errors.New("negotiation: illegal state transition")
	ErrInvalidTerms = errors.New("negotiation: invalid proposal")
	ErrUnknownTerms = errors.New("negotiation: terms hash was not proposed for this match")
	ErrNoQuorum     = errors.New("negotiation: both parties must sign the agreed terms")
)

// Config carries the execution-layer identities written into every offer.
type Config struct {
	ProgramID   string
	USDCMint    string
	OracleFeeds map[string]string // underlying -> feed ID
	DefaultFeed string
}

// OracleFeed returns the feed configured for underlying, or the default.
func (c Config) OracleFeed(underlying string) string {
	if feed, ok := c.OracleFeeds[underlying]; ok && feed != "" {
		return feed
	}
	return c.DefaultFeed
}

// Initializer asks the execution layer to create an on-chain contract.
type Initializer interface {
	Initialize(ctx context.Context, c model.Contract) error
}

// Service coordinates matches. It holds no per-match state in memory; every
// atomic step is a single store call.
type Service struct {
	store  store.Store
	cfg    Config
	audit  *audit.Recorder
	events events.Publisher
	exec   Initializer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a negotiation service. Pass nil for pub if events are
// not needed.
func NewService(st store.Store, cfg Config, rec *audit.Recorder, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		cfg:    cfg,
		audit:  rec,
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

// WithInitializer attaches the execution-layer client used by Initialize.
// Without one, contracts are created and wait for the execution layer to
// pick them up.
func (s *Service) WithInitializer(exec Initializer) *Service {
	s.exec = exec
	return s
}

// Proposal is one side's counter-offer.
type Proposal struct {
	Strike   decimal.Decimal
	Notional decimal.Decimal
	Expiry   time.Time
	Message  string
}

func (p Proposal) validate() error {
	switch {
	case !p.Strike.IsPositive():
		return fmt.Errorf("%w: strike must be positive", ErrInvalidTerms)
	case !p.Notional.IsPositive():
		return fmt.Errorf("%w: notional must be positive", ErrInvalidTerms)
	case p.Expiry.IsZero():
		return fmt.Errorf("%w: expiry is required", ErrInvalidTerms)
	}
	return nil
}

// CounterResult is the outcome of a counter-proposal.
type CounterResult struct {
	Negotiation model.Negotiation `json:"negotiation"`
	TermsHash   string            `json:"terms_hash"`
	Match       model.Match       `json:"match"`
}

// CreateMatch pairs two orders. The actor must own one of them. A second
// call for the same unordered pair returns the existing match with
// created=false.
func (s *Service) CreateMatch(ctx context.Context, actor, orderAID, orderBID string) (*model.Match, bool, error) {
	if orderAID == orderBID {
		return nil, false, fmt.Errorf("%w: an order cannot be matched with itself", ErrIncompatible)
	}

	a, err := s.store.GetOrder(ctx, orderAID)
	if err != nil {
		return nil, false, err
	}
	b, err := s.store.GetOrder(ctx, orderBID)
	if err != nil {
		return nil, false, err
	}

	if a.UserID != actor && b.UserID != actor {
		return nil, false, ErrNotOwner
	}
	if a.UserID == b.UserID {
		return nil, false, ErrSameOwner
	}
	if a.Underlying != b.Underlying {
		return nil, false, fmt.Errorf("%w: orders must have the same underlying", ErrIncompatible)
	}
	if a.Direction == b.Direction {
		return nil, false, fmt.Errorf("%w: orders must have opposite directions", ErrIncompatible)
	}

	now := s.now().UTC()
	m, created, err := s.store.CreateMatch(ctx, &model.Match{
		ID:         uuid.New().String(),
		OrderAID:   a.ID,
		OrderBID:   b.ID,
		PartyAID:   a.UserID,
		PartyBID:   b.UserID,
		Underlying: a.Underlying,
		State:      model.MatchOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, false, fmt.Errorf("%w: both orders must be OPEN", ErrInvalidState)
	}
	if err != nil {
		return nil, false, fmt.Errorf("create match: %w", err)
	}

	if !created {
		metrics.MatchesTotal.WithLabelValues("existing").Inc()
		return m, false, nil
	}
	metrics.MatchesTotal.WithLabelValues("created").Inc()

	s.audit.Record(ctx, audit.EntityMatch, m.ID, audit.ActionCreate, actor, map[string]any{
		"order_a_id": m.OrderAID,
		"order_b_id": m.OrderBID,
	})
	s.events.Publish(events.Event{Type: events.MatchCreated, MatchID: m.ID, State: string(m.State), UserID: actor})
	s.logger.Info("match created",
		"match_id", m.ID,
		"order_a", m.OrderAID,
		"order_b", m.OrderBID,
		"underlying", m.Underlying,
	)
	return m, true, nil
}

// Counter appends a proposal from one of the two parties, hashes its terms
// and makes it the match's current terms.
func (s *Service) Counter(ctx context.Context, actor, matchID string, p Proposal) (*CounterResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actor) {
		return nil, ErrNotParty
	}
	if !m.State.Negotiable() {
		return nil, fmt.Errorf("%w: match is %s", ErrInvalidState, m.State)
	}

	offer, err := s.offerFor(ctx, m, p)
	if err != nil {
		return nil, err
	}
	hash, err := terms.Hash(offer)
	if err != nil {
		return nil, fmt.Errorf("hash terms: %w", err)
	}

	n := &model.Negotiation{
		ID:         uuid.New().String(),
		MatchID:    m.ID,
		ProposerID: actor,
		Strike:     p.Strike,
		Notional:   p.Notional,
		Expiry:     p.Expiry.UTC(),
		Message:    p.Message,
		TermsHash:  hash,
		CreatedAt:  s.now().UTC(),
	}
	updated, err := s.store.AppendProposal(ctx, n)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: match is no longer negotiable", ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("append proposal: %w", err)
	}
	metrics.ProposalsTotal.Inc()

	s.audit.Record(ctx, audit.EntityMatch, m.ID, audit.ActionCounter, actor, map[string]any{
		"terms_hash": hash,
		"strike":     p.Strike.String(),
		"notional":   p.Notional.String(),
	})
	s.events.Publish(events.Event{Type: events.MatchCountered, MatchID: m.ID, TermsHash: hash, State: string(updated.State), UserID: actor})
	s.logger.Info("counter proposed",
		"match_id", m.ID,
		"proposer", actor,
		"terms_hash", hash,
		"strike", p.Strike.String(),
		"notional", p.Notional.String(),
	)

	return &CounterResult{Negotiation: *n, TermsHash: hash, Match: *updated}, nil
}

// offerFor builds the canonical offer for p on match m. The long and short
// parties are the wallets (or owner IDs) of the orders with those directions.
func (s *Service) offerFor(ctx context.Context, m *model.Match, p Proposal) (terms.Offer, error) {
	a, err := s.store.GetOrder(ctx, m.OrderAID)
	if err != nil {
		return terms.Offer{}, fmt.Errorf("load order %s: %w", m.OrderAID, err)
	}
	b, err := s.store.GetOrder(ctx, m.OrderBID)
	if err != nil {
		return terms.Offer{}, fmt.Errorf("load order %s: %w", m.OrderBID, err)
	}
	long, short := a, b
	if a.Direction == model.Short {
		long, short = b, a
	}

	return terms.NewOffer(terms.OfferParams{
		MatchID:    m.ID,
		Underlying: m.Underlying,
		Strike:     p.Strike,
		Expiry:     p.Expiry,
		Notional:   p.Notional,
		LongParty:  long.PartyIdentity(),
		ShortParty: short.PartyIdentity(),
		ProgramID:  s.cfg.ProgramID,
		OracleFeed: s.cfg.OracleFeed(m.Underlying),
		USDCMint:   s.cfg.USDCMint,
	}), nil
}

// Reject closes the match as REJECTED and releases both orders.
func (s *Service) Reject(ctx context.Context, actor, matchID string) (*model.Match, error) {
	return s.close(ctx, actor, matchID, model.MatchRejected, audit.ActionReject)
}

// Cancel closes the match as CANCELLED and releases both orders.
func (s *Service) Cancel(ctx context.Context, actor, matchID string) (*model.Match, error) {
	return s.close(ctx, actor, matchID, model.MatchCancelled, audit.ActionCancel)
}

func (s *Service) close(ctx context.Context, actor, matchID string, to model.MatchState, action string) (*model.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actor) {
		return nil, ErrNotParty
	}

	closed, err := s.store.CloseMatch(ctx, matchID, to)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: match is %s", ErrInvalidState, m.State)
	}
	if err != nil {
		return nil, fmt.Errorf("close match: %w", err)
	}

	s.audit.Record(ctx, audit.EntityMatch, matchID, action, actor, nil)
	s.events.Publish(events.Event{Type: events.MatchClosed, MatchID: matchID, State: string(to), UserID: actor})
	s.logger.Info("match closed", "match_id", matchID, "state", to, "by", actor)
	return closed, nil
}

// History returns the match with its full proposal trail, signatures and
// contract, if any.
func (s *Service) History(ctx context.Context, actor, matchID string) (*model.MatchDetail, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actor) {
		return nil, ErrNotParty
	}

	proposals, err := s.store.ListProposals(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	sigs, err := s.store.ListSignatures(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}

	detail := &model.MatchDetail{Match: *m, Negotiations: proposals, Signatures: sigs}
	c, err := s.store.GetContractByMatch(ctx, matchID)
	switch {
	case err == nil:
		detail.Contract = c
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return detail, nil
}
