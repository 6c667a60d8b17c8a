package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newVerifier() *gateway.Verifier {
	v := gateway.NewVerifier("s3cret", 0)
	v.Now = func() time.Time { return now }
	return v
}

// --- Verifier ---

func TestSignature_Deterministic(t *testing.T) {
	got := gateway.Signature([]byte("key"), "1700000000000", []byte(`{"a":1}`))
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got != gateway.Signature([]byte("key"), "1700000000000", []byte(`{"a":1}`)) {
		t.Error("signature must be deterministic")
	}
	if got == gateway.Signature([]byte("key"), "1700000000001", []byte(`{"a":1}`)) {
		t.Error("timestamp must be part of the signed message")
	}
}

func TestVerify(t *testing.T) {
	v := newVerifier()
	body := []byte(`{"contractId":"c1"}`)
	ts, sig := v.Sign(body, now)

	old := strconv.FormatInt(now.Add(-6*time.Minute).UnixMilli(), 10)
	future := strconv.FormatInt(now.Add(6*time.Minute).UnixMilli(), 10)
	edge := strconv.FormatInt(now.Add(-5*time.Minute).UnixMilli(), 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		body      []byte
		want      error
	}{
		{"valid", ts, sig, body, nil},
		{"missing timestamp", "", sig, body, gateway.ErrMissingHeaders},
		{"missing signature", ts, "", body, gateway.ErrMissingHeaders},
		{"unparsable timestamp", "yesterday", sig, body, gateway.ErrBadTimestamp},
		{"older than window", old, gateway.Signature(v.Secret, old, body), body, gateway.ErrExpired},
		{"future beyond window", future, gateway.Signature(v.Secret, future, body), body, gateway.ErrExpired},
		{"exactly at window", edge, gateway.Signature(v.Secret, edge, body), body, nil},
		{"tampered body", ts, sig, []byte(`{"contractId":"c2"}`), gateway.ErrBadSignature},
		{"wrong secret", ts, gateway.Signature([]byte("other"), ts, body), body, gateway.ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.timestamp, tt.signature, tt.body)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier()
	var seen []byte
	r := chi.NewRouter()
	r.With(v.Middleware).Post("/webhooks/tx", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	body := []byte(`{"sig":"tx1"}`)

	// Valid request reaches the handler with the body intact.
	req := httptest.NewRequest("POST", "/webhooks/tx", bytes.NewReader(body))
	v.SignRequest(req, body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(seen, body) {
		t.Errorf("handler saw %q, want %q", seen, body)
	}

	// Bad signature never reaches the handler.
	seen = nil
	req = httptest.NewRequest("POST", "/webhooks/tx", bytes.NewReader(body))
	req.Header.Set(gateway.HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	req.Header.Set(gateway.HeaderSignature, "00")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if seen != nil {
		t.Error("handler must not run on a failed verification")
	}

	// Missing headers.
	req = httptest.NewRequest("POST", "/webhooks/tx", bytes.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without headers, got %d", w.Code)
	}
}

// --- Transition table ---

func TestTransition_Table(t *testing.T) {
	kinds := []model.TxKind{model.TxInit, model.TxFundA, model.TxFundB, model.TxSettle, model.TxCancel}
	states := []model.ContractState{
		model.ContractPendingInit, model.ContractInit, model.ContractPartiallyFunded,
		model.ContractLive, model.ContractSettled, model.ContractCancelled,
	}
	allowed := map[model.TxKind]map[model.ContractState]model.ContractState{
		model.TxInit:  {model.ContractPendingInit: model.ContractInit},
		model.TxFundA: {model.ContractInit: model.ContractPartiallyFunded},
		model.TxFundB: {model.ContractPartiallyFunded: model.ContractLive},
		model.TxSettle: {
			model.ContractPendingInit:     model.ContractSettled,
			model.ContractInit:            model.ContractSettled,
			model.ContractPartiallyFunded: model.ContractSettled,
			model.ContractLive:            model.ContractSettled,
		},
		model.TxCancel: {
			model.ContractPendingInit:     model.ContractCancelled,
			model.ContractInit:            model.ContractCancelled,
			model.ContractPartiallyFunded: model.ContractCancelled,
			model.ContractLive:            model.ContractCancelled,
		},
	}

	for _, kind := range kinds {
		for _, st := range states {
			eff, ok := gateway.Transition(kind, st)
			want, wantOK := allowed[kind][st]
			if ok != wantOK {
				t.Errorf("Transition(%s, %s) ok=%v, want %v", kind, st, ok, wantOK)
				continue
			}
			if ok && eff.Contract != want {
				t.Errorf("Transition(%s, %s) = %s, want %s", kind, st, eff.Contract, want)
			}
		}
	}

	if _, ok := gateway.Transition("BOGUS", model.ContractLive); ok {
		t.Error("unknown kind must be a no-op")
	}
}

func TestTransition_Cascades(t *testing.T) {
	tests := []struct {
		kind   model.TxKind
		from   model.ContractState
		match  model.MatchState
		orders model.OrderStatus
	}{
		{model.TxInit, model.ContractPendingInit, model.MatchInitializing, ""},
		{model.TxFundA, model.ContractInit, "", model.OrderFunded},
		{model.TxFundB, model.ContractPartiallyFunded, model.MatchLive, model.OrderLive},
		{model.TxSettle, model.ContractLive, model.MatchSettled, model.OrderSettled},
		{model.TxCancel, model.ContractInit, model.MatchCancelled, model.OrderCancelled},
	}
	for _, tt := range tests {
		eff, _ := gateway.Transition(tt.kind, tt.from)
		if eff.Match != tt.match || eff.Orders != tt.orders {
			t.Errorf("%s: cascade match=%q orders=%q, want %q/%q", tt.kind, eff.Match, eff.Orders, tt.match, tt.orders)
		}
	}
}

// --- Ingest ---

func seedAgreed(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for _, o := range []model.Order{
		{ID: "oa", UserID: "alice", Underlying: "SOL", Direction: model.Long, Status: model.OrderOpen},
		{ID: "ob", UserID: "bob", Underlying: "SOL", Direction: model.Short, Status: model.OrderOpen},
	} {
		o := o
		if err := ms.CreateOrder(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}
	ms.CreateMatch(ctx, &model.Match{ID: "m1", OrderAID: "oa", OrderBID: "ob", PartyAID: "alice", PartyBID: "bob", State: model.MatchOpen})
	ms.AppendProposal(ctx, &model.Negotiation{ID: "n1", MatchID: "m1", TermsHash: "h1", Strike: decimal.NewFromInt(55), Notional: decimal.NewFromInt(1000), Expiry: now})
	ms.AddSignature(ctx, &model.NegotiationSignature{ID: "s1", MatchID: "m1", TermsHash: "h1", UserID: "alice"})
	ms.AddSignature(ctx, &model.NegotiationSignature{ID: "s2", MatchID: "m1", TermsHash: "h1", UserID: "bob"})
	if _, ok, _ := ms.PromoteAgreed(ctx, "m1", "h1"); !ok {
		t.Fatal("seed: match not agreed")
	}
	ms.CreateContract(ctx, &model.Contract{ID: "c1", MatchID: "m1", TermsHash: "h1", State: model.ContractPendingInit, Expiry: now})
}

func confirmed(sig string, kind model.TxKind) gateway.Event {
	return gateway.Event{ContractID: "c1", Sig: sig, Kind: kind, Status: model.TxConfirmed}
}

func contractState(t *testing.T, ms *store.MemoryStore) model.ContractState {
	t.Helper()
	c, err := ms.GetContract(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	return c.State
}

func TestIngest_FullLifecycle(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()

	steps := []struct {
		ev     gateway.Event
		state  model.ContractState
		match  model.MatchState
		orders model.OrderStatus
	}{
		{confirmed("tx-init", model.TxInit), model.ContractInit, model.MatchInitializing, model.OrderMatched},
		{confirmed("tx-a", model.TxFundA), model.ContractPartiallyFunded, model.MatchInitializing, model.OrderFunded},
		{confirmed("tx-b", model.TxFundB), model.ContractLive, model.MatchLive, model.OrderLive},
		{confirmed("tx-settle", model.TxSettle), model.ContractSettled, model.MatchSettled, model.OrderSettled},
	}
	for _, step := range steps {
		res, err := g.Ingest(ctx, step.ev)
		if err != nil {
			t.Fatalf("%s: %v", step.ev.Kind, err)
		}
		if !res.Transitioned || res.Contract.State != step.state {
			t.Fatalf("%s: expected %s, got %+v", step.ev.Kind, step.state, res)
		}
		m, _ := ms.GetMatch(ctx, "m1")
		if m.State != step.match {
			t.Errorf("%s: match %s, want %s", step.ev.Kind, m.State, step.match)
		}
		o, _ := ms.GetOrder(ctx, "ob")
		if o.Status != step.orders {
			t.Errorf("%s: order %s, want %s", step.ev.Kind, o.Status, step.orders)
		}
	}
}

func TestIngest_DuplicateTransitionsOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()

	first, err := g.Ingest(ctx, confirmed("tx-init", model.TxInit))
	if err != nil || !first.Transitioned {
		t.Fatalf("first delivery: %+v %v", first, err)
	}
	second, err := g.Ingest(ctx, confirmed("tx-init", model.TxInit))
	if err != nil {
		t.Fatal(err)
	}
	if second.Transitioned || second.Confirmed {
		t.Errorf("redelivery must not transition: %+v", second)
	}
	ledger, _ := ms.ListLedger(ctx, "c1")
	if len(ledger) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(ledger))
	}
}

func TestIngest_OutOfOrderFundingGoesLive(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()
	g.Ingest(ctx, confirmed("tx-init", model.TxInit))

	// FUND_B before FUND_A waits.
	res, err := g.Ingest(ctx, confirmed("tx-b", model.TxFundB))
	if err != nil {
		t.Fatal(err)
	}
	if res.Transitioned || contractState(t, ms) != model.ContractInit {
		t.Errorf("FUND_B on INIT must not advance, state=%s", contractState(t, ms))
	}

	// FUND_A lands and picks up the waiting FUND_B.
	res, err = g.Ingest(ctx, confirmed("tx-a", model.TxFundA))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Transitioned || res.Contract.State != model.ContractLive {
		t.Fatalf("expected LIVE after FUND_A, got %s", res.Contract.State)
	}
	if res.Previous != model.ContractInit {
		t.Errorf("previous = %s, want INIT", res.Previous)
	}
	m, _ := ms.GetMatch(ctx, "m1")
	if m.State != model.MatchLive {
		t.Errorf("match = %s, want LIVE", m.State)
	}
	if o, _ := ms.GetOrder(ctx, "oa"); o.Status != model.OrderLive {
		t.Errorf("order = %s, want LIVE", o.Status)
	}

	// Redeliveries of the early FUND_B are inert.
	for i := 0; i < 3; i++ {
		res, err := g.Ingest(ctx, confirmed("tx-b", model.TxFundB))
		if err != nil {
			t.Fatal(err)
		}
		if res.Transitioned || res.Contract.State != model.ContractLive {
			t.Errorf("redelivery %d: %+v", i, res)
		}
	}
}

func TestIngest_RedeliveryAdvancesAfterPredecessor(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()
	g.Ingest(ctx, confirmed("tx-init", model.TxInit))

	// A FUND_A that was SENT, then FUND_B confirmed early, then FUND_A
	// confirmed: LIVE is reached without waiting for another FUND_B.
	g.Ingest(ctx, gateway.Event{ContractID: "c1", Sig: "tx-a", Kind: model.TxFundA, Status: model.TxSent})
	g.Ingest(ctx, confirmed("tx-b", model.TxFundB))
	if contractState(t, ms) != model.ContractInit {
		t.Fatalf("state = %s, want INIT", contractState(t, ms))
	}
	if res, _ := g.Ingest(ctx, confirmed("tx-a", model.TxFundA)); !res.Transitioned || !res.Confirmed {
		t.Errorf("FUND_A confirmation should transition: %+v", res)
	}
	if contractState(t, ms) != model.ContractLive {
		t.Errorf("state = %s, want LIVE", contractState(t, ms))
	}
}

func TestIngest_SentThenConfirmed(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()

	ev := gateway.Event{ContractID: "c1", Sig: "tx-init", Kind: model.TxInit, Status: model.TxSent, Meta: []byte(`{"slot":1}`)}
	res, err := g.Ingest(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transitioned || contractState(t, ms) != model.ContractPendingInit {
		t.Error("SENT must not transition")
	}

	ev.Status = model.TxConfirmed
	ev.Meta = []byte("null")
	res, err = g.Ingest(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Transitioned {
		t.Error("CONFIRMED after SENT should transition")
	}
	if string(res.Ledger.Meta) != `{"slot":1}` {
		t.Errorf("null meta must not erase stored meta, got %s", res.Ledger.Meta)
	}
}

func TestIngest_NoDowngradeAfterSettle(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgreed(t, ms)
	g := gateway.NewIngester(ms, nil, nil, nil)
	ctx := context.Background()

	g.Ingest(ctx, confirmed("tx-settle", model.TxSettle))
	res, err := g.Ingest(ctx, confirmed("tx-cancel", model.TxCancel))
	if err != nil {
		t.Fatal(err)
	}
	if res.Transitioned || contractState(t, ms) != model.ContractSettled {
		t.Errorf("terminal contract changed: %s", contractState(t, ms))
	}
}

func TestIngest_Invalid(t *testing.T) {
	g := gateway.NewIngester(store.NewMemoryStore(), nil, nil, nil)
	ctx := context.Background()

	tests := []gateway.Event{
		{Sig: "x", Kind: model.TxInit, Status: model.TxConfirmed},
		{ContractID: "c1", Kind: model.TxInit, Status: model.TxConfirmed},
		{ContractID: "c1", Sig: "x", Kind: "MINT", Status: model.TxConfirmed},
		{ContractID: "c1", Sig: "x", Kind: model.TxInit, Status: "MAYBE"},
	}
	for _, ev := range tests {
		if _, err := g.Ingest(ctx, ev); !errors.Is(err, gateway.ErrInvalidEvent) {
			t.Errorf("%+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}

	_, err := g.Ingest(ctx, confirmed("x", model.TxInit))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown contract: expected ErrNotFound, got %v", err)
	}
}
