package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/events"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/terms"
)

// Acknowledgement is one party's acceptance of a terms hash. The signature
// is recorded as given; it is not verified against the public key.
type Acknowledgement struct {
	TermsHash string
	PubKey    string
	Signature string
}

// SignResult is the outcome of Sign.
type SignResult struct {
	Signature  model.NegotiationSignature `json:"signature"`
	Created    bool                       `json:"created"`
	BothSigned bool                       `json:"both_signed"`
	Agreed     bool                       `json:"agreed"` // this call promoted the match
	Match      model.Match                `json:"match"`
}

// Sign records actor's acknowledgement of a terms hash proposed on the
// match. A repeated (hash, actor) returns the stored record and never
// triggers promotion. On a fresh insert, the match is promoted to AGREED
// when both parties have signed the hash and it is still the best terms.
func (s *Service) Sign(ctx context.Context, actor, matchID string, ack Acknowledgement) (*SignResult, error) {
	if ack.TermsHash == "" || ack.PubKey == "" || ack.Signature == "" {
		return nil, fmt.Errorf("%w: terms_hash, pubkey and signature are required", ErrInvalidTerms)
	}

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actor) {
		return nil, ErrNotParty
	}
	if m.State.Terminal() {
		return nil, fmt.Errorf("%w: match is %s", ErrInvalidState, m.State)
	}
	if _, err := s.store.GetProposalByHash(ctx, matchID, ack.TermsHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownTerms
		}
		return nil, fmt.Errorf("load proposal: %w", err)
	}

	sig, created, err := s.store.AddSignature(ctx, &model.NegotiationSignature{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		TermsHash: ack.TermsHash,
		UserID:    actor,
		PubKey:    ack.PubKey,
		Signature: ack.Signature,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("add signature: %w", err)
	}

	both, err := s.hasQuorum(ctx, m, ack.TermsHash)
	if err != nil {
		return nil, err
	}
	res := &SignResult{Signature: *sig, Created: created, BothSigned: both, Match: *m}
	if !created {
		return res, nil
	}

	s.audit.Record(ctx, audit.EntityMatch, matchID, audit.ActionSign, actor, map[string]any{"terms_hash": ack.TermsHash})
	s.events.Publish(events.Event{Type: events.MatchSigned, MatchID: matchID, TermsHash: ack.TermsHash, UserID: actor})

	if both {
		promoted, agreed, err := s.store.PromoteAgreed(ctx, matchID, ack.TermsHash)
		if err != nil {
			return nil, fmt.Errorf("promote match: %w", err)
		}
		res.Match = *promoted
		res.Agreed = agreed
		if agreed {
			metrics.AgreementsTotal.Inc()
			s.audit.Record(ctx, audit.EntityMatch, matchID, audit.ActionAgree, actor, map[string]any{"terms_hash": ack.TermsHash})
			s.events.Publish(events.Event{Type: events.MatchAgreed, MatchID: matchID, TermsHash: ack.TermsHash, State: string(promoted.State)})
			s.logger.Info("match agreed", "match_id", matchID, "terms_hash", ack.TermsHash)
		}
	}
	return res, nil
}

// hasQuorum reports whether both parties of m have signed hash.
func (s *Service) hasQuorum(ctx context.Context, m *model.Match, hash string) (bool, error) {
	sigs, err := s.store.ListSignatures(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("list signatures: %w", err)
	}
	return Quorum(sigs, hash, m.PartyAID, m.PartyBID), nil
}

// Quorum reports whether partyA and partyB each signed hash. Repeated
// signatures by one party count once.
func Quorum(sigs []model.NegotiationSignature, hash, partyA, partyB string) bool {
	var signedA, signedB bool
	for _, sig := range sigs {
		if sig.TermsHash != hash {
			continue
		}
		switch sig.UserID {
		case partyA:
			signedA = true
		case partyB:
			signedB = true
		}
	}
	return partyA != partyB && signedA && signedB
}

// InitRequest carries the execution-layer addresses for a new contract.
type InitRequest struct {
	MatchID     string
	ContractPDA string
	EscrowPDA   string
}

// Initialize creates the contract for an AGREED match from its best terms
// and asks the execution layer to initialize it. A match has at most one
// contract; a repeat call returns it with created=false. An execution-layer
// failure is logged and the PENDING_INIT contract kept for retry.
func (s *Service) Initialize(ctx context.Context, actor string, req InitRequest) (*model.Contract, bool, error) {
	m, err := s.store.GetMatch(ctx, req.MatchID)
	if err != nil {
		return nil, false, err
	}
	if !m.IsParty(actor) {
		return nil, false, ErrNotParty
	}

	existing, err := s.store.GetContractByMatch(ctx, m.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load contract: %w", err)
	}

	if m.State != model.MatchAgreed {
		return nil, false, fmt.Errorf("%w: match must be AGREED, is %s", ErrInvalidState, m.State)
	}
	if m.BestTermsHash == "" {
		return nil, false, ErrNoQuorum
	}
	if ok, err := s.hasQuorum(ctx, m, m.BestTermsHash); err != nil {
		return nil, false, err
	} else if !ok {
		return nil, false, ErrNoQuorum
	}

	agreed, err := s.store.GetProposalByHash(ctx, m.ID, m.BestTermsHash)
	if err != nil {
		return nil, false, fmt.Errorf("load agreed proposal: %w", err)
	}
	offer, err := s.offerFor(ctx, m, Proposal{
		Strike:   agreed.Strike,
		Notional: agreed.Notional,
		Expiry:   agreed.Expiry,
	})
	if err != nil {
		return nil, false, err
	}
	// Identities in the config may have changed since the terms were signed.
	if hash, err := terms.Hash(offer); err != nil || hash != m.BestTermsHash {
		return nil, false, fmt.Errorf("%w: agreed terms no longer reproduce their hash", ErrInvalidState)
	}

	now := s.now().UTC()
	c, created, err := s.store.CreateContract(ctx, &model.Contract{
		ID:          uuid.New().String(),
		MatchID:     m.ID,
		TermsHash:   m.BestTermsHash,
		ProgramID:   offer.ProgramID,
		ContractPDA: req.ContractPDA,
		EscrowPDA:   req.EscrowPDA,
		OracleFeed:  offer.OracleFeed,
		USDCMint:    offer.USDCMint,
		Underlying:  m.Underlying,
		Strike:      agreed.Strike,
		Notional:    agreed.Notional,
		Expiry:      agreed.Expiry.UTC(),
		LongParty:   offer.LongParty,
		ShortParty:  offer.ShortParty,
		State:       model.ContractPendingInit,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create contract: %w", err)
	}
	if !created {
		return c, false, nil
	}

	s.audit.Record(ctx, audit.EntityContract, c.ID, audit.ActionInitialize, actor, map[string]any{
		"match_id":   m.ID,
		"terms_hash": c.TermsHash,
	})
	s.events.Publish(events.Event{Type: events.ContractCreated, MatchID: m.ID, ContractID: c.ID, TermsHash: c.TermsHash, State: string(c.State)})
	s.logger.Info("contract created", "contract_id", c.ID, "match_id", m.ID, "terms_hash", c.TermsHash)

	if s.exec != nil {
		if err := s.exec.Initialize(ctx, *c); err != nil {
			s.logger.Warn("execution layer initialize failed, contract kept for retry",
				"contract_id", c.ID,
				"err", err,
			)
		}
	}
	return c, true, nil
}
