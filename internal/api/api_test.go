package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/admission"
	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/auth"
	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/negotiation"
	"github.com/atmx/hedge-engine/internal/settlement"
	"github.com/atmx/hedge-engine/internal/store"
)

var jwtSecret = []byte("test-jwt-secret")

type fixedOracle struct{ price decimal.Decimal }

func (o fixedOracle) Price(context.Context, string) (settlement.Quote, error) {
	return settlement.Quote{Price: o.price, Source: "test", PublishedAt: time.Now()}, nil
}

type echoExecutor struct{}

func (echoExecutor) Settle(_ context.Context, in settlement.Instruction) (string, error) {
	return "settle-" + in.ContractID, nil
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	store    *store.MemoryStore
	verifier *gateway.Verifier
}

type option func(*api.Deps)

func newEnv(t *testing.T, opts ...option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := audit.NewRecorder(ms, nil)
	verifier := gateway.NewVerifier("test-hmac-secret", 5*time.Minute)

	deps := api.Deps{
		Store: ms,
		Negotiation: negotiation.NewService(ms, negotiation.Config{
			ProgramID:   "prog",
			USDCMint:    "mint",
			DefaultFeed: "feed",
		}, rec, nil, nil),
		Ingester: gateway.NewIngester(ms, rec, nil, nil),
		Resolver: settlement.NewResolver(ms, fixedOracle{decimal.NewFromInt(200)}, echoExecutor{},
			settlement.Config{Attempts: 1}, rec, nil, nil),
		RateLimiter: admission.NewMemoryLimiter(100, time.Minute),
		Verifier:    verifier,
		Audit:       rec,
		JWTSecret:   jwtSecret,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv := httptest.NewServer(api.NewServer(deps).Routes())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, store: ms, verifier: verifier}
}

type result struct {
	status int
	header http.Header
	body   []byte
}

func (r result) decode(v any) {
	if err := json.Unmarshal(r.body, v); err != nil {
		panic(fmt.Sprintf("decode %s: %v", r.body, err))
	}
}

func (e *testEnv) do(method, path, user string, body any, header map[string]string) result {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.Issue(jwtSecret, user, time.Hour)
		if err != nil {
			e.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return result{status: resp.StatusCode, header: resp.Header, body: data}
}

// signed calls an execution-layer endpoint with HMAC headers.
func (e *testEnv) signed(method, path string, body any) result {
	e.t.Helper()
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	ts, sig := e.verifier.Sign(payload, time.Now())
	return e.doRaw(method, path, payload, map[string]string{
		gateway.HeaderTimestamp: ts,
		gateway.HeaderSignature: sig,
	})
}

func (e *testEnv) doRaw(method, path string, payload []byte, header map[string]string) result {
	e.t.Helper()
	req, _ := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return result{status: resp.StatusCode, header: resp.Header, body: data}
}

func orderBody(direction string, notional string) map[string]any {
	return map[string]any{
		"underlying": "SOL",
		"direction":  direction,
		"strike_min": "140",
		"strike_max": "160",
		"notional":   notional,
		"expiry":     time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
	}
}

func (e *testEnv) createOrder(user string, body map[string]any) string {
	e.t.Helper()
	res := e.do(http.MethodPost, "/api/v1/orders", user, body, nil)
	if res.status != http.StatusCreated {
		e.t.Fatalf("create order: %d %s", res.status, res.body)
	}
	var o struct{ ID string }
	res.decode(&o)
	return o.ID
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	res := e.do(http.MethodGet, "/health", "", nil, nil)
	if res.status != http.StatusOK || !strings.Contains(string(res.body), `"ok"`) {
		t.Errorf("health: %d %s", res.status, res.body)
	}
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	res := e.do(http.MethodGet, "/api/v1/orders", "", nil, nil)
	if res.status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.status)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"underlying": "SOL",
		"direction":  "SIDEWAYS",
		"strike_min": "160",
		"strike_max": "140",
		"notional":   "0",
		"expiry":     time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	res := e.do(http.MethodPost, "/api/v1/orders", "alice", body, nil)
	if res.status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.status)
	}
	var out struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	res.decode(&out)
	for _, f := range []string{"direction", "strike_max", "notional", "expiry"} {
		if _, ok := out.Fields[f]; !ok {
			t.Errorf("missing field error for %s: %v", f, out.Fields)
		}
	}
	if _, ok := out.Fields["strike_min"]; ok {
		t.Error("strike_min is valid and should not be reported")
	}
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	e := newEnv(t)
	tok, _ := auth.Issue(jwtSecret, "alice", time.Hour)
	res := e.doRaw(http.MethodPost, "/api/v1/orders", []byte(`{"underlying":`), map[string]string{
		"Authorization": "Bearer " + tok,
	})
	if res.status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.status)
	}
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	e := newEnv(t)
	body := orderBody("LONG", "1000")
	body["idempotency_key"] = "order-1"

	first := e.do(http.MethodPost, "/api/v1/orders", "alice", body, nil)
	second := e.do(http.MethodPost, "/api/v1/orders", "alice", body, nil)
	if first.status != http.StatusCreated || second.status != http.StatusCreated {
		t.Fatalf("statuses %d/%d", first.status, second.status)
	}
	if !bytes.Equal(first.body, second.body) {
		t.Errorf("replay not byte-identical:\n%s\n%s", first.body, second.body)
	}
	if second.header.Get("Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}

	// Header key works as well and is scoped per user.
	bob := e.do(http.MethodPost, "/api/v1/orders", "bob", orderBody("SHORT", "1000"), map[string]string{"Idempotency-Key": "order-1"})
	if bob.status != http.StatusCreated || bytes.Equal(bob.body, first.body) {
		t.Errorf("other user's key must not replay: %d", bob.status)
	}

	orders, _ := e.store.ListOrders(context.Background(), store.OrderFilter{UserID: "alice"})
	if len(orders) != 1 {
		t.Errorf("alice has %d orders, want 1", len(orders))
	}
}

func TestCreateOrder_RateLimited(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) {
		d.RateLimiter = admission.NewMemoryLimiter(2, time.Minute)
	})
	keyed := orderBody("LONG", "10")
	keyed["idempotency_key"] = "k1"

	if res := e.do(http.MethodPost, "/api/v1/orders", "alice", keyed, nil); res.status != http.StatusCreated {
		t.Fatalf("first: %d", res.status)
	}
	res := e.do(http.MethodPost, "/api/v1/orders", "alice", orderBody("LONG", "10"), nil)
	if res.status != http.StatusCreated {
		t.Fatalf("second: %d", res.status)
	}
	if res.header.Get("X-RateLimit-Limit") != "2" || res.header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers: limit=%q remaining=%q", res.header.Get("X-RateLimit-Limit"), res.header.Get("X-RateLimit-Remaining"))
	}

	res = e.do(http.MethodPost, "/api/v1/orders", "alice", orderBody("LONG", "10"), nil)
	if res.status != http.StatusTooManyRequests {
		t.Fatalf("third: %d, want 429", res.status)
	}
	if res.header.Get("Retry-After") == "" || res.header.Get("X-RateLimit-Reset") == "" {
		t.Error("Retry-After and X-RateLimit-Reset must be set")
	}
	var out struct {
		Error     string `json:"error"`
		Limit     int    `json:"limit"`
		Remaining int    `json:"remaining"`
	}
	res.decode(&out)
	if out.Limit != 2 || out.Remaining != 0 {
		t.Errorf("body = %+v", out)
	}

	// A replay is answered without consuming quota.
	if res := e.do(http.MethodPost, "/api/v1/orders", "alice", keyed, nil); res.status != http.StatusCreated {
		t.Errorf("replay while limited: %d", res.status)
	}
	// Other users have their own window.
	if res := e.do(http.MethodPost, "/api/v1/orders", "bob", orderBody("SHORT", "10"), nil); res.status != http.StatusCreated {
		t.Errorf("bob: %d", res.status)
	}
}

func TestCreateOrder_NotionalLimit(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) {
		d.Notional = admission.NewNotionalLimiter(decimal.NewFromInt(1500))
	})
	e.createOrder("alice", orderBody("LONG", "1000"))

	res := e.do(http.MethodPost, "/api/v1/orders", "alice", orderBody("LONG", "600"), nil)
	if res.status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.status)
	}
	var out struct {
		Used      decimal.Decimal `json:"used"`
		Limit     decimal.Decimal `json:"limit"`
		Remaining decimal.Decimal `json:"remaining"`
	}
	res.decode(&out)
	if !out.Used.Equal(decimal.NewFromInt(1000)) || !out.Remaining.Equal(decimal.NewFromInt(500)) {
		t.Errorf("body = %s", res.body)
	}

	// Exactly the remainder is admitted.
	e.createOrder("alice", orderBody("LONG", "500"))
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	id := e.createOrder("alice", orderBody("LONG", "100"))
	path := "/api/v1/orders/" + id + "/cancel"

	if res := e.do(http.MethodPost, path, "bob", nil, nil); res.status != http.StatusForbidden {
		t.Errorf("non-owner cancel: %d, want 403", res.status)
	}
	if res := e.do(http.MethodPost, path, "alice", nil, nil); res.status != http.StatusOK {
		t.Errorf("cancel: %d", res.status)
	}
	if res := e.do(http.MethodPost, path, "alice", nil, nil); res.status != http.StatusConflict {
		t.Errorf("second cancel: %d, want 409", res.status)
	}
	if res := e.do(http.MethodGet, "/api/v1/orders/nope", "alice", nil, nil); res.status != http.StatusNotFound {
		t.Errorf("unknown order: %d, want 404", res.status)
	}
}

func TestListOrders_Filters(t *testing.T) {
	e := newEnv(t)
	e.createOrder("alice", orderBody("LONG", "100"))
	e.createOrder("bob", orderBody("SHORT", "100"))

	res := e.do(http.MethodGet, "/api/v1/orders?direction=SHORT", "carol", nil, nil)
	var out struct {
		Orders []struct {
			UserID string `json:"user_id"`
		} `json:"orders"`
	}
	res.decode(&out)
	if len(out.Orders) != 1 || out.Orders[0].UserID != "bob" {
		t.Errorf("orders = %s", res.body)
	}

	for _, q := range []string{"direction=UP", "expiry_from=yesterday", "limit=0"} {
		if res := e.do(http.MethodGet, "/api/v1/orders?"+q, "carol", nil, nil); res.status != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, res.status)
		}
	}
}

func TestCreateOrder_NormalizesUnderlying(t *testing.T) {
	e := newEnv(t)
	lower := orderBody("LONG", "1000")
	lower["underlying"] = "sol"
	oa := e.createOrder("alice", lower)
	ob := e.createOrder("bob", orderBody("SHORT", "1000"))

	stored, err := e.store.GetOrder(context.Background(), oa)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Underlying != "SOL" {
		t.Errorf("underlying = %q, want SOL", stored.Underlying)
	}

	res := e.do(http.MethodGet, "/api/v1/orders/"+oa+"/candidates", "alice", nil, nil)
	var cands struct {
		Candidates []struct {
			OrderBID string `json:"order_b_id"`
		} `json:"candidates"`
	}
	res.decode(&cands)
	if len(cands.Candidates) != 1 || cands.Candidates[0].OrderBID != ob {
		t.Errorf("candidates = %s", res.body)
	}

	res = e.do(http.MethodGet, "/api/v1/orders?underlying=sol&direction=LONG", "carol", nil, nil)
	var out struct {
		Orders []struct {
			ID string `json:"id"`
		} `json:"orders"`
	}
	res.decode(&out)
	if len(out.Orders) != 1 || out.Orders[0].ID != oa {
		t.Errorf("lower-case filter: %s", res.body)
	}
}

func TestCandidates_RanksBeyondNewestPage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	oa := e.createOrder("alice", orderBody("LONG", "1000"))
	source, err := e.store.GetOrder(ctx, oa)
	if err != nil {
		t.Fatal(err)
	}

	counter := func(id, user string, notional int64, created time.Time) {
		t.Helper()
		o := &model.Order{
			ID:         id,
			UserID:     user,
			Underlying: "SOL",
			Direction:  model.Short,
			StrikeMin:  source.StrikeMin,
			StrikeMax:  source.StrikeMax,
			Notional:   decimal.NewFromInt(notional),
			Expiry:     source.Expiry,
			TolDays:    source.TolDays,
			Status:     model.OrderOpen,
			CreatedAt:  created,
			UpdatedAt:  created,
		}
		if err := e.store.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	// The best match is older than a full page of weaker ones.
	base := time.Now().UTC()
	counter("best", "zed", 1000, base.Add(-time.Hour))
	for i := 0; i < store.MaxListLimit+20; i++ {
		counter(fmt.Sprintf("weak-%03d", i), fmt.Sprintf("user-%03d", i), 600, base.Add(time.Duration(i)*time.Second))
	}

	res := e.do(http.MethodGet, "/api/v1/orders/"+oa+"/candidates?limit=1", "alice", nil, nil)
	var cands struct {
		Candidates []struct {
			OrderBID string `json:"order_b_id"`
		} `json:"candidates"`
	}
	res.decode(&cands)
	if len(cands.Candidates) != 1 || cands.Candidates[0].OrderBID != "best" {
		t.Errorf("candidates = %s", res.body)
	}
}

func TestWebhook_RequiresSignature(t *testing.T) {
	e := newEnv(t)
	payload := []byte(`{"contractId":"c1","sig":"s","kind":"INIT","status":"CONFIRMED"}`)
	if res := e.doRaw(http.MethodPost, "/webhooks/tx", payload, nil); res.status != http.StatusUnauthorized {
		t.Errorf("unsigned: %d, want 401", res.status)
	}
	ts, sig := e.verifier.Sign([]byte(`{}`), time.Now())
	res := e.doRaw(http.MethodPost, "/webhooks/tx", payload, map[string]string{
		gateway.HeaderTimestamp: ts,
		gateway.HeaderSignature: sig,
	})
	if res.status != http.StatusUnauthorized {
		t.Errorf("signature over another body: %d, want 401", res.status)
	}
	if res := e.signed(http.MethodPost, "/webhooks/tx", map[string]any{
		"contractId": "missing", "sig": "s", "kind": "INIT", "status": "CONFIRMED",
	}); res.status != http.StatusNotFound {
		t.Errorf("unknown contract: %d, want 404", res.status)
	}
	if res := e.signed(http.MethodPost, "/webhooks/tx", map[string]any{
		"contractId": "c1", "sig": "s", "kind": "MINT", "status": "CONFIRMED",
	}); res.status != http.StatusBadRequest {
		t.Errorf("bad kind: %d, want 400", res.status)
	}
}

// TestLifecycle drives two counterparties from orders to settlement.
func TestLifecycle(t *testing.T) {
	e := newEnv(t)

	longOrder := orderBody("LONG", "1000")
	longOrder["wallet"] = "walletA"
	oa := e.createOrder("alice", longOrder)
	ob := e.createOrder("bob", orderBody("SHORT", "1000"))

	// Candidates
	res := e.do(http.MethodGet, "/api/v1/orders/"+oa+"/candidates", "alice", nil, nil)
	var cands struct {
		Candidates []struct {
			OrderBID string  `json:"order_b_id"`
			Score    float64 `json:"score"`
		} `json:"candidates"`
	}
	res.decode(&cands)
	if len(cands.Candidates) != 1 || cands.Candidates[0].OrderBID != ob {
		t.Fatalf("candidates = %s", res.body)
	}
	if res := e.do(http.MethodGet, "/api/v1/orders/"+oa+"/candidates", "bob", nil, nil); res.status != http.StatusForbidden {
		t.Errorf("foreign candidates: %d, want 403", res.status)
	}

	// Match
	res = e.do(http.MethodPost, "/api/v1/matches", "alice", map[string]string{"order_a_id": oa, "order_b_id": ob}, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("create match: %d %s", res.status, res.body)
	}
	var m struct{ ID, State string }
	res.decode(&m)
	if res := e.do(http.MethodPost, "/api/v1/matches", "bob", map[string]string{"order_a_id": ob, "order_b_id": oa}, nil); res.status != http.StatusOK {
		t.Errorf("repeat match: %d, want 200", res.status)
	}
	if res := e.do(http.MethodGet, "/api/v1/matches/"+m.ID, "carol", nil, nil); res.status != http.StatusForbidden {
		t.Errorf("outsider history: %d, want 403", res.status)
	}

	// Counter with an expiry already past so the contract is due at once.
	res = e.do(http.MethodPost, "/api/v1/matches/"+m.ID+"/counter", "alice", map[string]any{
		"strike":   "150",
		"notional": "1000",
		"expiry":   time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
	}, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("counter: %d %s", res.status, res.body)
	}
	var counter struct {
		TermsHash string `json:"terms_hash"`
	}
	res.decode(&counter)

	if res := e.do(http.MethodPost, "/api/v1/contracts/initialize", "alice", map[string]string{"match_id": m.ID}, nil); res.status != http.StatusConflict {
		t.Errorf("initialize before agreement: %d, want 409", res.status)
	}

	// Quorum
	sign := func(user string) (int, bool) {
		res := e.do(http.MethodPost, "/api/v1/matches/"+m.ID+"/sign", user, map[string]string{
			"terms_hash": counter.TermsHash,
			"pubkey":     "pk-" + user,
			"signature":  "sig-" + user,
		}, nil)
		var out struct {
			Agreed bool `json:"agreed"`
		}
		res.decode(&out)
		return res.status, out.Agreed
	}
	if status, agreed := sign("alice"); status != http.StatusCreated || agreed {
		t.Fatalf("alice sign: %d agreed=%v", status, agreed)
	}
	if status, agreed := sign("alice"); status != http.StatusOK || agreed {
		t.Errorf("repeat sign: %d agreed=%v", status, agreed)
	}
	if status, agreed := sign("bob"); status != http.StatusCreated || !agreed {
		t.Fatalf("bob sign: %d agreed=%v", status, agreed)
	}

	// Contract
	initBody := map[string]string{"match_id": m.ID, "contract_pda": "pda", "escrow_pda": "escrow"}
	res = e.do(http.MethodPost, "/api/v1/contracts/initialize", "bob", initBody, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("initialize: %d %s", res.status, res.body)
	}
	var c struct {
		ID, State string
		TermsHash string `json:"terms_hash"`
	}
	res.decode(&c)
	if c.TermsHash != counter.TermsHash || c.State != "PENDING_INIT" {
		t.Errorf("contract = %s", res.body)
	}
	if res := e.do(http.MethodPost, "/api/v1/contracts/initialize", "alice", initBody, nil); res.status != http.StatusOK {
		t.Errorf("repeat initialize: %d, want 200", res.status)
	}

	// Execution layer confirms init and both deposits.
	for i, kind := range []string{"INIT", "FUND_A", "FUND_B"} {
		res := e.signed(http.MethodPost, "/webhooks/tx", map[string]any{
			"contractId": c.ID, "sig": fmt.Sprintf("tx-%d", i), "kind": kind, "status": "CONFIRMED",
		})
		var out struct {
			Transitioned bool `json:"transitioned"`
		}
		res.decode(&out)
		if res.status != http.StatusOK || !out.Transitioned {
			t.Fatalf("%s webhook: %d %s", kind, res.status, res.body)
		}
	}

	res = e.do(http.MethodGet, "/api/v1/contracts/"+c.ID, "bob", nil, nil)
	var view struct {
		Contract struct{ State string } `json:"contract"`
		Ledger   []json.RawMessage      `json:"ledger"`
	}
	res.decode(&view)
	if view.Contract.State != "LIVE" || len(view.Ledger) != 3 {
		t.Errorf("contract view = %s", res.body)
	}
	if res := e.do(http.MethodGet, "/api/v1/contracts/"+c.ID, "carol", nil, nil); res.status != http.StatusForbidden {
		t.Errorf("outsider contract view: %d, want 403", res.status)
	}

	// Due and settle
	res = e.signed(http.MethodGet, "/api/v1/contracts/due", nil)
	var due struct {
		Contracts []struct{ ID string } `json:"contracts"`
	}
	res.decode(&due)
	if len(due.Contracts) != 1 || due.Contracts[0].ID != c.ID {
		t.Fatalf("due = %s", res.body)
	}

	res = e.signed(http.MethodPost, "/api/v1/contracts/settle", map[string]string{"contractId": c.ID})
	if res.status != http.StatusOK {
		t.Fatalf("settle: %d %s", res.status, res.body)
	}
	var settled struct {
		Settlement struct {
			Winner string `json:"winner"`
			TxSig  string `json:"tx_sig"`
		} `json:"settlement"`
	}
	res.decode(&settled)
	if settled.Settlement.Winner != "walletA" || settled.Settlement.TxSig != "settle-"+c.ID {
		t.Errorf("settlement = %s", res.body)
	}
	if res := e.signed(http.MethodPost, "/api/v1/contracts/settle", map[string]string{"contractId": c.ID}); res.status != http.StatusConflict {
		t.Errorf("settle while pending: %d, want 409", res.status)
	}

	res = e.signed(http.MethodPost, "/webhooks/tx", map[string]any{
		"contractId": c.ID, "sig": settled.Settlement.TxSig, "kind": "SETTLE", "status": "CONFIRMED",
	})
	var final struct {
		Contract struct{ State string } `json:"contract"`
	}
	res.decode(&final)
	if final.Contract.State != "SETTLED" {
		t.Errorf("after settle webhook: %s", res.body)
	}
	if res := e.signed(http.MethodPost, "/api/v1/contracts/settle", map[string]string{"contractId": c.ID}); res.status != http.StatusConflict {
		t.Errorf("re-settle: %d, want 409", res.status)
	}
}

func liveContract(id string, expiry time.Time) *model.Contract {
	return &model.Contract{
		ID:         id,
		MatchID:    "m-" + id,
		Underlying: "SOL",
		Strike:     decimal.NewFromInt(150),
		Notional:   decimal.NewFromInt(1000),
		Expiry:     expiry,
		LongParty:  "long",
		ShortParty: "short",
		State:      model.ContractLive,
	}
}

func TestSettle_NotExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _, err := e.store.CreateContract(ctx, liveContract("c-future", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	res := e.signed(http.MethodPost, "/api/v1/contracts/settle", map[string]string{"contractId": "c-future"})
	if res.status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.status)
	}
	res = e.signed(http.MethodPost, "/api/v1/contracts/settle", map[string]string{})
	if res.status != http.StatusBadRequest {
		t.Errorf("missing contractId: %d, want 400", res.status)
	}
}
