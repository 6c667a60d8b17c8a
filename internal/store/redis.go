package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for orders, matches and contracts. Writes to an existing entity go
// to the primary store and delete the cached copy, so the next read
// repopulates from the source of truth; reads check Redis first then fall
// back to the primary. Everything else passes through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	if err := s.Store.CreateOrder(ctx, o); err != nil {
		return err
	}
	s.put(ctx, orderKey(o.ID), o)
	return nil
}

func (s *CachedStore) UpdateOrderStatus(ctx context.Context, id string, from []model.OrderStatus, to model.OrderStatus) (*model.Order, error) {
	o, err := s.Store.UpdateOrderStatus(ctx, id, from, to)
	s.rdb.Del(ctx, orderKey(id))
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *CachedStore) CreateMatch(ctx context.Context, m *model.Match) (*model.Match, bool, error) {
	out, created, err := s.Store.CreateMatch(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.rdb.Del(ctx, matchKey(out.ID), orderKey(out.OrderAID), orderKey(out.OrderBID))
	}
	return out, created, nil
}

func (s *CachedStore) AppendProposal(ctx context.Context, n *model.Negotiation) (*model.Match, error) {
	m, err := s.Store.AppendProposal(ctx, n)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, matchKey(m.ID))
	return m, nil
}

func (s *CachedStore) PromoteAgreed(ctx context.Context, matchID, termsHash string) (*model.Match, bool, error) {
	m, promoted, err := s.Store.PromoteAgreed(ctx, matchID, termsHash)
	if err != nil {
		return nil, false, err
	}
	if promoted {
		s.rdb.Del(ctx, matchKey(m.ID), orderKey(m.OrderAID), orderKey(m.OrderBID))
	}
	return m, promoted, nil
}

func (s *CachedStore) CloseMatch(ctx context.Context, matchID string, to model.MatchState) (*model.Match, error) {
	m, err := s.Store.CloseMatch(ctx, matchID, to)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, matchKey(m.ID), orderKey(m.OrderAID), orderKey(m.OrderBID))
	return m, nil
}

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, bool, error) {
	out, created, err := s.Store.CreateContract(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.rdb.Del(ctx, contractKey(out.ID))
	}
	return out, created, nil
}

func (s *CachedStore) ApplyTxEvent(ctx context.Context, ev TxEvent, transition TransitionFunc) (*TxResult, error) {
	res, err := s.Store.ApplyTxEvent(ctx, ev, transition)
	if err != nil {
		return nil, err
	}
	if res.Transitioned {
		keys := []string{contractKey(res.Contract.ID), matchKey(res.Contract.MatchID)}
		// The cascade touched both orders.
		if m, err := s.Store.GetMatch(ctx, res.Contract.MatchID); err == nil {
			keys = append(keys, orderKey(m.OrderAID), orderKey(m.OrderBID))
		}
		s.rdb.Del(ctx, keys...)
	}
	return res, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.get(ctx, orderKey(id), &o) {
		return &o, nil
	}

	// Cache miss: read from primary.
	out, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, orderKey(id), out)
	return out, nil
}

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	var m model.Match
	if s.get(ctx, matchKey(id), &m) {
		return &m, nil
	}

	out, err := s.Store.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, matchKey(id), out)
	return out, nil
}

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	var c model.Contract
	if s.get(ctx, contractKey(id), &c) {
		return &c, nil
	}

	out, err := s.Store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, contractKey(id), out)
	return out, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func orderKey(id string) string    { return fmt.Sprintf("hedge:order:%s", id) }
func matchKey(id string) string    { return fmt.Sprintf("hedge:match:%s", id) }
func contractKey(id string) string { return fmt.Sprintf("hedge:contract:%s", id) }

var _ Store = (*CachedStore)(nil)
