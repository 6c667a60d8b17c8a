package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func TestExecute_ReplaysStoredResponse(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), nil)
	ctx := context.Background()
	var calls int

	fn := func() (int, []byte) {
		calls++
		if calls == 1 {
			return http.StatusCreated, []byte(`{"id":"first"}`)
		}
		return http.StatusCreated, []byte(`{"id":"second"}`)
	}

	first, replayed, err := g.Execute(ctx, "k1", "alice", fn)
	if err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := g.Execute(ctx, "k1", "alice", fn)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Error("second call should replay")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	if second.StatusCode != first.StatusCode || string(second.Body) != string(first.Body) {
		t.Errorf("replay differs: %+v vs %+v", second, first)
	}
}

func TestExecute_ScopedPerActor(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), nil)
	ctx := context.Background()
	var calls int
	fn := func() (int, []byte) { calls++; return http.StatusOK, []byte(`{}`) }

	g.Execute(ctx, "k1", "alice", fn)
	_, replayed, _ := g.Execute(ctx, "k1", "bob", fn)
	if replayed || calls != 2 {
		t.Errorf("same key from another actor must execute: calls=%d replayed=%v", calls, replayed)
	}
}

func TestExecute_EmptyKeyAlwaysRuns(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), nil)
	var calls int
	fn := func() (int, []byte) { calls++; return http.StatusOK, nil }

	for i := 0; i < 3; i++ {
		if _, replayed, _ := g.Execute(context.Background(), "", "alice", fn); replayed {
			t.Fatal("empty key must not replay")
		}
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecute_FailuresNotStored(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), nil)
	ctx := context.Background()

	g.Execute(ctx, "k1", "alice", func() (int, []byte) {
		return http.StatusTooManyRequests, []byte(`{"error":"rate limited"}`)
	})
	resp, replayed, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) {
		return http.StatusCreated, []byte(`{"id":"ok"}`)
	})
	if err != nil || replayed {
		t.Fatalf("retry after rejection should execute: replayed=%v err=%v", replayed, err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func newCachedStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
}

func TestExecute_ConcurrentDuplicatesRunOnce(t *testing.T) {
	backends := map[string]func(*testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"cached": newCachedStore,
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(newStore(t), nil)
			ctx := context.Background()

			var effects atomic.Int32
			release := make(chan struct{})
			fn := func() (int, []byte) {
				n := effects.Add(1)
				<-release
				return http.StatusCreated, []byte{byte('0' + n)}
			}

			const callers = 8
			var wg sync.WaitGroup
			start := make(chan struct{})
			results := make(chan error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, _, err := g.Execute(ctx, "k1", "alice", fn)
					results <- err
				}()
			}
			close(start)

			// Hold the winner inside fn until every loser has answered.
			deadline := time.After(2 * time.Second)
			for busy := 0; busy < callers-1; {
				select {
				case err := <-results:
					if !errors.Is(err, ErrInProgress) {
						t.Fatalf("duplicate during execution: %v", err)
					}
					busy++
				case <-deadline:
					t.Fatal("duplicates did not answer while the first was running")
				}
			}
			close(release)
			wg.Wait()
			if err := <-results; err != nil {
				t.Fatalf("winner: %v", err)
			}

			if effects.Load() != 1 {
				t.Errorf("side effects = %d, want 1", effects.Load())
			}
			replay, replayed, err := g.Execute(ctx, "k1", "alice", fn)
			if err != nil || !replayed || string(replay.Body) != "1" {
				t.Errorf("replay = %q replayed=%v err=%v", replay.Body, replayed, err)
			}
		})
	}
}

func TestExecute_StaleReservationTakenOver(t *testing.T) {
	ms := store.NewMemoryStore()
	g := NewGuard(ms, nil)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ms.ReserveIdempotency(ctx, "k1", "alice", now, now.Add(-time.Minute))
	if _, _, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) { return http.StatusOK, nil }); !errors.Is(err, ErrInProgress) {
		t.Fatalf("fresh reservation: expected ErrInProgress, got %v", err)
	}

	now = now.Add(g.pendingTTL + time.Second)
	resp, replayed, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) { return http.StatusOK, []byte("late") })
	if err != nil || replayed || string(resp.Body) != "late" {
		t.Errorf("stale reservation should run: %q replayed=%v err=%v", resp.Body, replayed, err)
	}
}

func TestExecute_PanicReleasesKey(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), nil)
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		g.Execute(ctx, "k1", "alice", func() (int, []byte) { panic("boom") })
	}()

	resp, replayed, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) { return http.StatusCreated, []byte("ok") })
	if err != nil || replayed || resp.StatusCode != http.StatusCreated {
		t.Errorf("key should be free after a panic: %+v replayed=%v err=%v", resp, replayed, err)
	}
}

// brokenStore reserves but cannot save.
type brokenStore struct {
	*store.MemoryStore
	completes atomic.Int32
}

func (b *brokenStore) CompleteIdempotency(context.Context, *model.IdempotencyRecord) error {
	b.completes.Add(1)
	return errors.New("disk full")
}

func TestExecute_SaveFailureStillAnswers(t *testing.T) {
	bs := &brokenStore{MemoryStore: store.NewMemoryStore()}
	g := NewGuard(bs, nil)
	ctx := context.Background()

	resp, replayed, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) {
		return http.StatusCreated, []byte(`{"id":"x"}`)
	})
	if err != nil || replayed {
		t.Fatalf("replayed=%v err=%v", replayed, err)
	}
	if resp.StatusCode != http.StatusCreated || bs.completes.Load() != 1 {
		t.Errorf("unexpected outcome: %+v completes=%d", resp, bs.completes.Load())
	}

	// The reservation is kept, so a duplicate does not repeat the effect.
	if _, _, err := g.Execute(ctx, "k1", "alice", func() (int, []byte) { return http.StatusCreated, nil }); !errors.Is(err, ErrInProgress) {
		t.Errorf("expected ErrInProgress after a failed save, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	ms := store.NewMemoryStore()
	g := NewGuard(ms, nil)
	ctx := context.Background()

	ms.ReserveIdempotency(ctx, "k1", "alice", time.Now(), time.Now().Add(-time.Minute))
	if _, ok, _ := g.Lookup(ctx, "k1", "alice"); ok {
		t.Error("a pending reservation is not a stored response")
	}
	ms.CompleteIdempotency(ctx, &model.IdempotencyRecord{Key: "k1", UserID: "alice", StatusCode: 201, Body: []byte("x")})
	if got, ok, _ := g.Lookup(ctx, "k1", "alice"); !ok || got.StatusCode != 201 {
		t.Errorf("lookup = %+v ok=%v", got, ok)
	}
}

func TestLookup_StoreError(t *testing.T) {
	g := NewGuard(failingGet{store.NewMemoryStore()}, nil)
	if _, _, err := g.Lookup(context.Background(), "k", "alice"); err == nil {
		t.Error("expected lookup error")
	}
}

type failingGet struct{ *store.MemoryStore }

func (failingGet) GetIdempotency(context.Context, string, string) (*model.IdempotencyRecord, error) {
	return nil, errors.New("connection reset")
}
