package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every method, which makes each one atomic.
type MemoryStore struct {
	mu sync.RWMutex

	orders    map[string]*model.Order
	matches   map[string]*model.Match
	pairs     map[string]string // PairKey -> match ID
	proposals map[string][]model.Negotiation
	sigs      map[string][]model.NegotiationSignature
	contracts map[string]*model.Contract
	byMatch   map[string]string // match ID -> contract ID
	ledger    map[string]*model.TxLedger
	idem      map[string]*model.IdempotencyRecord
	claims    map[string]settlementClaim // contract ID -> lease
	audit     []model.AuditRecord

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		matches:   make(map[string]*model.Match),
		pairs:     make(map[string]string),
		proposals: make(map[string][]model.Negotiation),
		sigs:      make(map[string][]model.NegotiationSignature),
		contracts: make(map[string]*model.Contract),
		byMatch:   make(map[string]string),
		ledger:    make(map[string]*model.TxLedger),
		idem:      make(map[string]*model.IdempotencyRecord),
		claims:    make(map[string]settlementClaim),
		now:       time.Now,
	}
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	// Store a copy to avoid external mutation.
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, 0)
	for _, o := range s.orders {
		if matchesFilter(o, f) {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(orders) {
			return []model.Order{}, nil
		}
		orders = orders[f.Offset:]
	}
	if limit := ClampLimit(f.Limit); len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func matchesFilter(o *model.Order, f OrderFilter) bool {
	switch {
	case f.UserID != "" && o.UserID != f.UserID:
		return false
	case f.ExcludeUserID != "" && o.UserID == f.ExcludeUserID:
		return false
	case f.Underlying != "" && o.Underlying != f.Underlying:
		return false
	case f.Direction != "" && o.Direction != f.Direction:
		return false
	case f.Status != "" && o.Status != f.Status:
		return false
	case f.ExpiryFrom != nil && o.Expiry.Before(*f.ExpiryFrom):
		return false
	case f.ExpiryTo != nil && o.Expiry.After(*f.ExpiryTo):
		return false
	}
	return true
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id string, from []model.OrderStatus, to model.OrderStatus) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !statusIn(o.Status, from) {
		return nil, fmt.Errorf("order %s is %s: %w", id, o.Status, ErrConflict)
	}
	o.Status = to
	o.UpdatedAt = s.now().UTC()
	copy := *o
	return &copy, nil
}

func statusIn(st model.OrderStatus, set []model.OrderStatus) bool {
	for _, candidate := range set {
		if st == candidate {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SumNotional(_ context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, o := range s.orders {
		if o.UserID != userID || o.Status == model.OrderCancelled {
			continue
		}
		if o.CreatedAt.Before(from) || !o.CreatedAt.Before(to) {
			continue
		}
		total = total.Add(o.Notional)
	}
	return total, nil
}

// --- Matches ---

func (s *MemoryStore) CreateMatch(_ context.Context, m *model.Match) (*model.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(m.OrderAID, m.OrderBID)
	if id, exists := s.pairs[key]; exists {
		copy := *s.matches[id]
		return &copy, false, nil
	}

	a, okA := s.orders[m.OrderAID]
	b, okB := s.orders[m.OrderBID]
	if !okA || !okB {
		return nil, false, fmt.Errorf("match orders: %w", ErrNotFound)
	}
	if a.Status != model.OrderOpen || b.Status != model.OrderOpen {
		return nil, false, fmt.Errorf("orders %s/%s not open: %w", a.Status, b.Status, ErrConflict)
	}

	now := s.now().UTC()
	a.Status, a.UpdatedAt = model.OrderNegotiating, now
	b.Status, b.UpdatedAt = model.OrderNegotiating, now

	copy := *m
	s.matches[m.ID] = &copy
	s.pairs[key] = m.ID
	out := copy
	return &out, true, nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) AppendProposal(_ context.Context, n *model.Negotiation) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[n.MatchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", n.MatchID, ErrNotFound)
	}
	if !m.State.Negotiable() {
		return nil, fmt.Errorf("match %s is %s: %w", m.ID, m.State, ErrConflict)
	}

	s.proposals[m.ID] = append(s.proposals[m.ID], *n)

	expiry := n.Expiry
	m.Strike = n.Strike
	m.Notional = n.Notional
	m.Expiry = &expiry
	m.BestTermsHash = n.TermsHash
	m.State = model.MatchCountering
	m.UpdatedAt = n.CreatedAt

	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, matchID string) ([]model.Negotiation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Negotiation, len(s.proposals[matchID]))
	copy(out, s.proposals[matchID])
	return out, nil
}

func (s *MemoryStore) GetProposalByHash(_ context.Context, matchID, termsHash string) (*model.Negotiation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.proposals[matchID] {
		if n.TermsHash == termsHash {
			found := n
			return &found, nil
		}
	}
	return nil, fmt.Errorf("proposal %s: %w", termsHash, ErrNotFound)
}

func (s *MemoryStore) AddSignature(_ context.Context, sig *model.NegotiationSignature) (*model.NegotiationSignature, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[sig.MatchID]; !ok {
		return nil, false, fmt.Errorf("match %s: %w", sig.MatchID, ErrNotFound)
	}
	for _, existing := range s.sigs[sig.MatchID] {
		if existing.TermsHash == sig.TermsHash && existing.UserID == sig.UserID {
			found := existing
			return &found, false, nil
		}
	}
	s.sigs[sig.MatchID] = append(s.sigs[sig.MatchID], *sig)
	out := *sig
	return &out, true, nil
}

func (s *MemoryStore) ListSignatures(_ context.Context, matchID string) ([]model.NegotiationSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.NegotiationSignature, len(s.sigs[matchID]))
	copy(out, s.sigs[matchID])
	return out, nil
}

func (s *MemoryStore) PromoteAgreed(_ context.Context, matchID, termsHash string) (*model.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, false, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if !m.State.Negotiable() || m.BestTermsHash != termsHash {
		copy := *m
		return &copy, false, nil
	}

	var signedA, signedB bool
	for _, sig := range s.sigs[matchID] {
		if sig.TermsHash != termsHash {
			continue
		}
		signedA = signedA || sig.UserID == m.PartyAID
		signedB = signedB || sig.UserID == m.PartyBID
	}
	if !signedA || !signedB {
		copy := *m
		return &copy, false, nil
	}

	now := s.now().UTC()
	m.State = model.MatchAgreed
	m.UpdatedAt = now
	s.setOrderStatus(now, model.OrderMatched, m.OrderAID, m.OrderBID)

	copy := *m
	return &copy, true, nil
}

func (s *MemoryStore) CloseMatch(_ context.Context, matchID string, to model.MatchState) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if !closable(m.State) {
		return nil, fmt.Errorf("match %s is %s: %w", matchID, m.State, ErrConflict)
	}

	now := s.now().UTC()
	m.State = to
	m.UpdatedAt = now
	for _, id := range []string{m.OrderAID, m.OrderBID} {
		if o, ok := s.orders[id]; ok && (o.Status == model.OrderNegotiating || o.Status == model.OrderMatched) {
			o.Status = model.OrderOpen
			o.UpdatedAt = now
		}
	}

	copy := *m
	return &copy, nil
}

// closable reports whether a match can still be rejected or cancelled
// without involving the execution layer.
func closable(st model.MatchState) bool {
	return st == model.MatchOpen || st == model.MatchCountering || st == model.MatchAgreed
}

// setOrderStatus updates non-terminal orders. Caller holds the write lock.
func (s *MemoryStore) setOrderStatus(now time.Time, to model.OrderStatus, ids ...string) {
	for _, id := range ids {
		if o, ok := s.orders[id]; ok && !o.Status.Terminal() {
			o.Status = to
			o.UpdatedAt = now
		}
	}
}

// --- Contracts ---

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) (*model.Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byMatch[c.MatchID]; exists {
		copy := *s.contracts[id]
		return &copy, false, nil
	}
	copy := *c
	s.contracts[c.ID] = &copy
	s.byMatch[c.MatchID] = c.ID
	out := copy
	return &out, true, nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) GetContractByMatch(_ context.Context, matchID string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMatch[matchID]
	if !ok {
		return nil, fmt.Errorf("contract for match %s: %w", matchID, ErrNotFound)
	}
	copy := *s.contracts[id]
	return &copy, nil
}

func (s *MemoryStore) ListDueContracts(_ context.Context, now time.Time) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]model.Contract, 0)
	for _, c := range s.contracts {
		if c.State == model.ContractLive && !c.Expiry.After(now) {
			due = append(due, *c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].Expiry.Equal(due[j].Expiry) {
			return due[i].Expiry.Before(due[j].Expiry)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

type settlementClaim struct {
	holder string
	until  time.Time
}

func (s *MemoryStore) ClaimSettlement(_ context.Context, contractID, holder string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[contractID]; !ok {
		return false, fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	if cur, held := s.claims[contractID]; held && cur.holder != holder && cur.until.After(now) {
		return false, nil
	}
	s.claims[contractID] = settlementClaim{holder: holder, until: until}
	return true, nil
}

func (s *MemoryStore) ReleaseSettlement(_ context.Context, contractID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, held := s.claims[contractID]; held && cur.holder == holder {
		delete(s.claims, contractID)
	}
	return nil
}

// --- Ledger ---

func (s *MemoryStore) ApplyTxEvent(_ context.Context, ev TxEvent, transition TransitionFunc) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[ev.ContractID]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", ev.ContractID, ErrNotFound)
	}

	at := ev.At.UTC()
	if ev.At.IsZero() {
		at = s.now().UTC()
	}
	entry, existed := s.ledger[ev.Sig]
	if existed && entry.ContractID != ev.ContractID {
		return nil, fmt.Errorf("tx %s belongs to contract %s: %w", ev.Sig, entry.ContractID, ErrConflict)
	}

	var prevStatus model.TxStatus
	if existed {
		prevStatus = entry.Status
	} else {
		entry = &model.TxLedger{
			Sig:        ev.Sig,
			ContractID: ev.ContractID,
			Kind:       ev.Kind,
			CreatedAt:  at,
		}
		s.ledger[ev.Sig] = entry
	}
	status, first := nextLedgerStatus(prevStatus, ev.Status, existed)
	entry.Status = status
	if len(ev.Meta) > 0 {
		entry.Meta = append([]byte(nil), ev.Meta...)
	}
	entry.UpdatedAt = at

	res := &TxResult{Previous: c.State, Confirmed: first}
	if status == model.TxConfirmed && transition != nil {
		kinds := append([]model.TxKind{entry.Kind}, s.confirmedKinds(c.ID, entry.Sig)...)
		for _, eff := range advance(c.State, kinds, transition) {
			c.State = eff.Contract
			c.UpdatedAt = at
			s.cascade(c.MatchID, eff, at)
			res.Transitioned = true
		}
	}

	res.Ledger = *entry
	res.Contract = *c
	return res, nil
}

// confirmedKinds lists the kinds of the contract's confirmed entries other
// than skipSig, oldest first. Caller holds the lock.
func (s *MemoryStore) confirmedKinds(contractID, skipSig string) []model.TxKind {
	entries := make([]*model.TxLedger, 0)
	for _, e := range s.ledger {
		if e.ContractID == contractID && e.Sig != skipSig && e.Status == model.TxConfirmed {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Sig < entries[j].Sig
	})
	kinds := make([]model.TxKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

// cascade applies a contract effect to its match and orders. Caller holds
// the write lock.
func (s *MemoryStore) cascade(matchID string, eff Effect, at time.Time) {
	m, ok := s.matches[matchID]
	if !ok {
		return
	}
	if eff.Match != "" && !m.State.Terminal() {
		m.State = eff.Match
		m.UpdatedAt = at
	}
	if eff.Orders != "" {
		s.setOrderStatus(at, eff.Orders, m.OrderAID, m.OrderBID)
	}
}

func (s *MemoryStore) ListLedger(_ context.Context, contractID string) ([]model.TxLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.TxLedger, 0)
	for _, e := range s.ledger {
		if e.ContractID == contractID {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Sig < entries[j].Sig
	})
	return entries, nil
}

// --- Idempotency ---

func idemKey(key, userID string) string { return userID + "\x00" + key }

func (s *MemoryStore) GetIdempotency(_ context.Context, key, userID string) (*model.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[idemKey(key, userID)]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	copy := *rec
	return &copy, nil
}

func (s *MemoryStore) ReserveIdempotency(_ context.Context, key, userID string, at, staleBefore time.Time) (*model.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey(key, userID)
	if existing, ok := s.idem[k]; ok && !(existing.Pending() && existing.CreatedAt.Before(staleBefore)) {
		copy := *existing
		return &copy, false, nil
	}
	rec := &model.IdempotencyRecord{Key: key, UserID: userID, CreatedAt: at}
	s.idem[k] = rec
	out := *rec
	return &out, true, nil
}

func (s *MemoryStore) CompleteIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.idem[idemKey(rec.Key, rec.UserID)]
	if !ok || !existing.Pending() {
		return fmt.Errorf("idempotency key %s not pending: %w", rec.Key, ErrConflict)
	}
	existing.StatusCode = rec.StatusCode
	existing.Body = append([]byte(nil), rec.Body...)
	return nil
}

func (s *MemoryStore) ReleaseIdempotency(_ context.Context, key, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey(key, userID)
	if existing, ok := s.idem[k]; ok && existing.Pending() {
		delete(s.idem, k)
	}
	return nil
}

// --- Audit ---

func (s *MemoryStore) InsertAudit(_ context.Context, rec *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *rec)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditRecord
	for _, r := range s.audit {
		if r.EntityType == entityType && r.EntityID == entityID {
			result = append(result, r)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
