package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, _, mr := newCached(t)
	seedOrder(t, cs, "o1", "alice", model.Long)

	if !mr.Exists("hedge:order:o1") {
		t.Fatal("CreateOrder should populate the cache")
	}

	o, err := cs.GetOrder(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.UserID != "alice" || !o.Notional.Equal(d("1000")) {
		t.Errorf("unexpected cached order: %+v", o)
	}
}

func TestCachedStore_MissFallsBackToPrimary(t *testing.T) {
	cs, primary, mr := newCached(t)
	seedOrder(t, primary, "o1", "alice", model.Long)

	if _, err := cs.GetOrder(context.Background(), "o1"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("hedge:order:o1") {
		t.Error("miss should populate the cache")
	}
}

func TestCachedStore_CreateMatchInvalidatesOrders(t *testing.T) {
	cs, _, _ := newCached(t)
	ctx := context.Background()
	seedOrder(t, cs, "oa", "alice", model.Long)
	seedOrder(t, cs, "ob", "bob", model.Short)
	cs.GetOrder(ctx, "oa")

	if _, _, err := cs.CreateMatch(ctx, newMatch("m1", "oa", "ob")); err != nil {
		t.Fatal(err)
	}
	if got := orderStatus(t, cs, "oa"); got != model.OrderNegotiating {
		t.Errorf("stale cached order: expected NEGOTIATING, got %s", got)
	}
}

func TestCachedStore_TxCascadeInvalidates(t *testing.T) {
	cs, _, _ := newCached(t)
	ctx := context.Background()
	seedContract(t, cs, model.ContractLive)
	cs.GetMatch(ctx, "m1")
	cs.GetOrder(ctx, "oa")

	transition := flipTo(model.ContractSettled, store.Effect{Match: model.MatchSettled, Orders: model.OrderSettled})
	_, err := cs.ApplyTxEvent(ctx, store.TxEvent{Sig: "tx1", ContractID: "c1", Kind: model.TxSettle, Status: model.TxConfirmed}, transition)
	if err != nil {
		t.Fatal(err)
	}

	c, _ := cs.GetContract(ctx, "c1")
	if c.State != model.ContractSettled {
		t.Errorf("expected cached contract SETTLED, got %s", c.State)
	}
	m, _ := cs.GetMatch(ctx, "m1")
	if m.State != model.MatchSettled {
		t.Errorf("expected match SETTLED, got %s", m.State)
	}
	if got := orderStatus(t, cs, "oa"); got != model.OrderSettled {
		t.Errorf("expected order SETTLED, got %s", got)
	}
}

func TestCachedStore_ProposalInvalidatesMatch(t *testing.T) {
	cs, primary, mr := newCached(t)
	ctx := context.Background()
	seedMatch(t, cs)
	cs.GetMatch(ctx, "m1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			cs.AppendProposal(ctx, &model.Negotiation{
				ID:         fmt.Sprintf("n%d", i),
				MatchID:    "m1",
				ProposerID: "alice",
				Strike:     d("110"),
				Notional:   d("1000"),
				Expiry:     t0,
				TermsHash:  fmt.Sprintf("hash-%d", i),
				CreatedAt:  t0,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	if mr.Exists("hedge:match:m1") {
		t.Fatal("a proposal should drop the cached match")
	}
	want, _ := primary.GetMatch(ctx, "m1")
	got, err := cs.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.BestTermsHash != want.BestTermsHash {
		t.Errorf("cached best terms %s, primary has %s", got.BestTermsHash, want.BestTermsHash)
	}
}
