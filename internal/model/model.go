// Package model defines the core domain types shared across the hedge engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the exposure polarity of an order.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other polarity.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderOpen        OrderStatus = "OPEN"
	OrderNegotiating OrderStatus = "NEGOTIATING" // reserved by an active match
	OrderMatched     OrderStatus = "MATCHED"     // terms agreed by both parties
	OrderFunded      OrderStatus = "FUNDED"
	OrderLive        OrderStatus = "LIVE"
	OrderSettled     OrderStatus = "SETTLED"
	OrderExpired     OrderStatus = "EXPIRED"
	OrderCancelled   OrderStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderSettled || s == OrderExpired || s == OrderCancelled
}

// MatchState is the negotiation lifecycle of a pairing.
type MatchState string

const (
	MatchOpen         MatchState = "OPEN"
	MatchCountering   MatchState = "COUNTERING"
	MatchAgreed       MatchState = "AGREED"
	MatchInitializing MatchState = "INITIALIZING"
	MatchLive         MatchState = "LIVE"
	MatchSettled      MatchState = "SETTLED"
	MatchCancelled    MatchState = "CANCELLED"
	MatchRejected     MatchState = "REJECTED"
)

// Terminal reports whether the match has reached a final state.
func (s MatchState) Terminal() bool {
	return s == MatchSettled || s == MatchCancelled || s == MatchRejected
}

// Negotiable reports whether proposals and signatures are still accepted.
func (s MatchState) Negotiable() bool {
	return s == MatchOpen || s == MatchCountering
}

// ContractState mirrors the execution layer's view of an agreement.
type ContractState string

const (
	ContractPendingInit     ContractState = "PENDING_INIT"
	ContractInit            ContractState = "INIT"
	ContractPartiallyFunded ContractState = "PARTIALLY_FUNDED"
	ContractLive            ContractState = "LIVE"
	ContractSettled         ContractState = "SETTLED"
	ContractCancelled       ContractState = "CANCELLED"
)

// Terminal reports whether the contract has reached a final state.
func (s ContractState) Terminal() bool {
	return s == ContractSettled || s == ContractCancelled
}

// TxKind is the kind of execution-layer transaction reported by a webhook.
type TxKind string

const (
	TxInit   TxKind = "INIT"
	TxFundA  TxKind = "FUND_A"
	TxFundB  TxKind = "FUND_B"
	TxSettle TxKind = "SETTLE"
	TxCancel TxKind = "CANCEL"
)

// TxStatus is the outcome of an execution-layer transaction.
type TxStatus string

const (
	TxSent      TxStatus = "SENT"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

// Order is one side's desired exposure on an underlying.
type Order struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Wallet     string          `json:"wallet,omitempty" db:"wallet"` // public key used as party identity
	Underlying string          `json:"underlying" db:"underlying"`
	Direction  Direction       `json:"direction" db:"direction"`
	StrikeMin  decimal.Decimal `json:"strike_min" db:"strike_min"`
	StrikeMax  decimal.Decimal `json:"strike_max" db:"strike_max"`
	Notional   decimal.Decimal `json:"notional" db:"notional"`
	Expiry     time.Time       `json:"expiry" db:"expiry"`
	TolDays    int             `json:"tol_days" db:"tol_days"`
	Status     OrderStatus     `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// PartyIdentity is the identity written into negotiated terms: the wallet
// if one was supplied, otherwise the owning user ID.
func (o *Order) PartyIdentity() string {
	if o.Wallet != "" {
		return o.Wallet
	}
	return o.UserID
}

// Match pairs two opposite-direction orders on the same underlying.
// Strike, Notional and Expiry hold the most recently proposed terms.
type Match struct {
	ID            string          `json:"id" db:"id"`
	OrderAID      string          `json:"order_a_id" db:"order_a_id"`
	OrderBID      string          `json:"order_b_id" db:"order_b_id"`
	PartyAID      string          `json:"party_a_id" db:"party_a_id"`
	PartyBID      string          `json:"party_b_id" db:"party_b_id"`
	Underlying    string          `json:"underlying" db:"underlying"`
	Strike        decimal.Decimal `json:"strike" db:"strike"`
	Notional      decimal.Decimal `json:"notional" db:"notional"`
	Expiry        *time.Time      `json:"expiry,omitempty" db:"expiry"`
	BestTermsHash string          `json:"best_terms_hash,omitempty" db:"best_terms_hash"`
	State         MatchState      `json:"state" db:"state"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// IsParty reports whether userID is one of the two counterparties.
func (m *Match) IsParty(userID string) bool {
	return userID != "" && (m.PartyAID == userID || m.PartyBID == userID)
}

// Negotiation is one immutable proposal in a match's history.
type Negotiation struct {
	ID         string          `json:"id" db:"id"`
	MatchID    string          `json:"match_id" db:"match_id"`
	ProposerID string          `json:"proposer_id" db:"proposer_id"`
	Strike     decimal.Decimal `json:"strike" db:"strike"`
	Notional   decimal.Decimal `json:"notional" db:"notional"`
	Expiry     time.Time       `json:"expiry" db:"expiry"`
	Message    string          `json:"message,omitempty" db:"message"`
	TermsHash  string          `json:"terms_hash" db:"terms_hash"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// NegotiationSignature is one actor's acknowledgement of a terms hash.
// Unique per (TermsHash, UserID).
type NegotiationSignature struct {
	ID        string    `json:"id" db:"id"`
	MatchID   string    `json:"match_id" db:"match_id"`
	TermsHash string    `json:"terms_hash" db:"terms_hash"`
	UserID    string    `json:"user_id" db:"user_id"`
	PubKey    string    `json:"pubkey" db:"pubkey"`
	Signature string    `json:"signature" db:"signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Contract is the execution-layer-facing record of agreed terms.
type Contract struct {
	ID          string          `json:"id" db:"id"`
	MatchID     string          `json:"match_id" db:"match_id"`
	TermsHash   string          `json:"terms_hash" db:"terms_hash"`
	ProgramID   string          `json:"program_id" db:"program_id"`
	ContractPDA string          `json:"contract_pda" db:"contract_pda"`
	EscrowPDA   string          `json:"escrow_pda" db:"escrow_pda"`
	OracleFeed  string          `json:"oracle_feed" db:"oracle_feed"`
	USDCMint    string          `json:"usdc_mint" db:"usdc_mint"`
	Underlying  string          `json:"underlying" db:"underlying"`
	Strike      decimal.Decimal `json:"strike" db:"strike"`
	Notional    decimal.Decimal `json:"notional" db:"notional"`
	Expiry      time.Time       `json:"expiry" db:"expiry"`
	LongParty   string          `json:"long_party" db:"long_party"`
	ShortParty  string          `json:"short_party" db:"short_party"`
	State       ContractState   `json:"state" db:"state"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TxLedger is one observed execution-layer transaction, keyed by Sig.
type TxLedger struct {
	Sig        string          `json:"sig" db:"sig"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	Kind       TxKind          `json:"kind" db:"kind"`
	Status     TxStatus        `json:"status" db:"status"`
	Meta       json.RawMessage `json:"meta,omitempty" db:"meta"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// IdempotencyRecord stores the response produced by the first execution of
// a mutating request tagged with (Key, UserID). A zero StatusCode marks a
// reservation taken before the request ran.
type IdempotencyRecord struct {
	Key        string    `json:"key" db:"key"`
	UserID     string    `json:"user_id" db:"user_id"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Body       []byte    `json:"body" db:"body"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Pending reports whether the record is a reservation still waiting for its
// response.
func (r IdempotencyRecord) Pending() bool { return r.StatusCode == 0 }

// AuditRecord is an append-only trail entry.
type AuditRecord struct {
	ID         string          `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Action     string          `json:"action" db:"action"`
	UserID     string          `json:"user_id,omitempty" db:"user_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// MatchDetail is a match with its full negotiation trail.
type MatchDetail struct {
	Match        Match                  `json:"match"`
	Negotiations []Negotiation          `json:"negotiations"`
	Signatures   []NegotiationSignature `json:"signatures"`
	Contract     *Contract              `json:"contract,omitempty"`
}
