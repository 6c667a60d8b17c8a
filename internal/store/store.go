// Package store defines the persistence interfaces for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every step that must be atomic is a single method here, so coordination
// logic never composes a read and a write across two calls.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a guarded write finds the entity in a
	// state that does not allow it.
	ErrConflict = errors.New("store: conflict")
)

// MaxListLimit bounds every list query.
const MaxListLimit = 100

// OrderFilter selects orders. Zero values mean "any".
type OrderFilter struct {
	UserID        string
	ExcludeUserID string
	Underlying    string
	Direction     model.Direction
	Status        model.OrderStatus
	ExpiryFrom    *time.Time
	ExpiryTo      *time.Time
	Limit         int
	// Offset skips that many rows of the newest-first ordering.
	Offset int
}

// ClampLimit returns the effective page size for a requested limit.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// OrderStore persists orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns at most ClampLimit(f.Limit) orders, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// UpdateOrderStatus moves an order to `to` only if its current status is
	// one of `from`. Returns ErrConflict otherwise.
	UpdateOrderStatus(ctx context.Context, id string, from []model.OrderStatus, to model.OrderStatus) (*model.Order, error)

	// SumNotional sums the user's non-cancelled order notionals created in
	// [from, to).
	SumNotional(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error)
}

// MatchStore persists matches, their proposals and acknowledgements.
type MatchStore interface {
	// CreateMatch inserts m unless a match already exists for the unordered
	// order pair, in which case the existing one is returned with
	// created=false. Both orders must be OPEN and move to NEGOTIATING.
	CreateMatch(ctx context.Context, m *model.Match) (*model.Match, bool, error)

	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// AppendProposal inserts n and moves the match's current terms and
	// best-terms pointer to it, setting COUNTERING. The match must be
	// negotiable.
	AppendProposal(ctx context.Context, n *model.Negotiation) (*model.Match, error)

	// ListProposals returns a match's proposals oldest first.
	ListProposals(ctx context.Context, matchID string) ([]model.Negotiation, error)

	GetProposalByHash(ctx context.Context, matchID, termsHash string) (*model.Negotiation, error)

	// AddSignature inserts s unless (terms hash, user) already signed, in
	// which case the existing record is returned with created=false.
	AddSignature(ctx context.Context, s *model.NegotiationSignature) (*model.NegotiationSignature, bool, error)

	ListSignatures(ctx context.Context, matchID string) ([]model.NegotiationSignature, error)

	// PromoteAgreed moves the match to AGREED and both orders to MATCHED
	// if, under lock, the match is negotiable, its best-terms hash equals
	// termsHash, and both parties have signed termsHash.
	PromoteAgreed(ctx context.Context, matchID, termsHash string) (*model.Match, bool, error)

	// CloseMatch moves a pre-execution match to `to` (REJECTED or
	// CANCELLED) and releases both orders back to OPEN.
	CloseMatch(ctx context.Context, matchID string, to model.MatchState) (*model.Match, error)
}

// ContractStore persists contracts.
type ContractStore interface {
	// CreateContract inserts c unless the match already has one, in which
	// case the existing contract is returned with created=false.
	CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, bool, error)

	GetContract(ctx context.Context, id string) (*model.Contract, error)
	GetContractByMatch(ctx context.Context, matchID string) (*model.Contract, error)

	// ListDueContracts returns LIVE contracts whose expiry is at or before now.
	ListDueContracts(ctx context.Context, now time.Time) ([]model.Contract, error)

	// ClaimSettlement takes the settlement lease on a contract for holder
	// until `until`. claimed=false while another holder's lease is still
	// current at now.
	ClaimSettlement(ctx context.Context, contractID, holder string, now, until time.Time) (bool, error)

	// ReleaseSettlement drops holder's lease. A lease taken over by another
	// holder is left alone.
	ReleaseSettlement(ctx context.Context, contractID, holder string) error
}

// TxEvent is one execution-layer transaction report.
type TxEvent struct {
	Sig        string
	ContractID string
	Kind       model.TxKind
	Status     model.TxStatus
	Meta       json.RawMessage
	At         time.Time
}

// Effect is the state change a confirmed transaction causes. Empty Match or
// Orders leave those entities untouched.
type Effect struct {
	Contract model.ContractState
	Match    model.MatchState
	Orders   model.OrderStatus
}

// TransitionFunc decides the effect of a confirmed kind on a contract in
// state current. ok=false means no transition.
type TransitionFunc func(kind model.TxKind, current model.ContractState) (Effect, bool)

// TxResult reports what ApplyTxEvent did.
type TxResult struct {
	Ledger       model.TxLedger
	Contract     model.Contract
	Previous     model.ContractState
	Confirmed    bool // this event moved the ledger entry into CONFIRMED
	Transitioned bool
}

// LedgerStore persists execution-layer transactions.
type LedgerStore interface {
	// ApplyTxEvent upserts the ledger entry by sig. Whenever the stored
	// entry is CONFIRMED, transition is consulted for its kind and then for
	// the contract's other confirmed kinds until the state stops moving, so
	// a confirmation that arrived ahead of its predecessor applies once the
	// predecessor lands. Effects reach the contract, its match and its
	// orders in the same atomic step. A nil transition only records.
	ApplyTxEvent(ctx context.Context, ev TxEvent, transition TransitionFunc) (*TxResult, error)

	ListLedger(ctx context.Context, contractID string) ([]model.TxLedger, error)
}

// IdempotencyStore persists replayable responses.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key, userID string) (*model.IdempotencyRecord, error)

	// ReserveIdempotency inserts a pending record for (key, user) unless one
	// exists. A pending record created before staleBefore is taken over.
	// reserved=false returns the existing record.
	ReserveIdempotency(ctx context.Context, key, userID string, at, staleBefore time.Time) (*model.IdempotencyRecord, bool, error)

	// CompleteIdempotency stores the response on the pending record for
	// (rec.Key, rec.UserID). ErrConflict if there is no pending record.
	CompleteIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error

	// ReleaseIdempotency deletes a pending record. Completed records stay.
	ReleaseIdempotency(ctx context.Context, key, userID string) error
}

// AuditStore persists the audit trail.
type AuditStore interface {
	InsertAudit(ctx context.Context, rec *model.AuditRecord) error
	ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	OrderStore
	MatchStore
	ContractStore
	LedgerStore
	IdempotencyStore
	AuditStore
}

// PairKey identifies an unordered order pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// nextLedgerStatus returns the status an upsert stores and whether it is the
// first arrival at CONFIRMED. A confirmed entry never changes status again.
func nextLedgerStatus(prev, incoming model.TxStatus, existed bool) (model.TxStatus, bool) {
	if existed && prev == model.TxConfirmed {
		return prev, false
	}
	return incoming, incoming == model.TxConfirmed
}

// advance walks the contract forward from current through every confirmed
// kind until no kind moves it, and returns the effects in the order applied.
// kinds leads with the kind just delivered. The walk is bounded so a table
// that cycles cannot spin.
func advance(current model.ContractState, kinds []model.TxKind, transition TransitionFunc) []Effect {
	var applied []Effect
	for round := 0; round <= len(kinds); round++ {
		moved := false
		for _, k := range kinds {
			if eff, ok := transition(k, current); ok {
				current = eff.Contract
				applied = append(applied, eff)
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return applied
}
