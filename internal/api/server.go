// Package api is the HTTP surface of the hedge engine: JWT-authenticated
// order, match and contract endpoints, the HMAC-authenticated
// execution-layer endpoints, and the WebSocket event stream.
//
// Handlers decode and validate, pass admission and idempotency gates, then
// delegate to the negotiation, gateway and settlement packages. They hold
// no state of their own.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/admission"
	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/auth"
	"github.com/atmx/hedge-engine/internal/events"
	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/idempotency"
	"github.com/atmx/hedge-engine/internal/matching"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/negotiation"
	"github.com/atmx/hedge-engine/internal/settlement"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/terms"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators a Server delegates to.
type Deps struct {
	Store       store.Store
	Negotiation *negotiation.Service
	Ingester    *gateway.Ingester
	Resolver    *settlement.Resolver
	Guard       *idempotency.Guard
	RateLimiter admission.RateLimiter
	Notional    *admission.NotionalLimiter
	Verifier    *gateway.Verifier
	Hub         *events.Hub // optional
	Audit       *audit.Recorder
	JWTSecret   []byte

	CandidateLimit int
	Logger         *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	store       store.Store
	negotiation *negotiation.Service
	ingester    *gateway.Ingester
	resolver    *settlement.Resolver
	guard       *idempotency.Guard
	rate        admission.RateLimiter
	notional    *admission.NotionalLimiter
	verifier    *gateway.Verifier
	hub         *events.Hub
	audit       *audit.Recorder
	jwtSecret   []byte

	candidateLimit int
	validate       *validator.Validate
	logger         *slog.Logger
	now            func() time.Time
}

// NewServer creates the HTTP server. A nil RateLimiter or Notional limiter
// falls back to the defaults.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RateLimiter == nil {
		d.RateLimiter = admission.NewMemoryLimiter(admission.DefaultRateLimit, admission.DefaultRateWindow)
	}
	if d.Notional == nil {
		d.Notional = admission.NewNotionalLimiter(admission.DefaultMaxNotionalPerDay)
	}
	if d.Guard == nil {
		d.Guard = idempotency.NewGuard(d.Store, d.Logger)
	}
	if d.CandidateLimit <= 0 {
		d.CandidateLimit = matching.DefaultLimit
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		store:          d.Store,
		negotiation:    d.Negotiation,
		ingester:       d.Ingester,
		resolver:       d.Resolver,
		guard:          d.Guard,
		rate:           d.RateLimiter,
		notional:       d.Notional,
		verifier:       d.Verifier,
		hub:            d.Hub,
		audit:          d.Audit,
		jwtSecret:      d.JWTSecret,
		candidateLimit: d.CandidateLimit,
		validate:       v,
		logger:         d.Logger,
		now:            time.Now,
	}
}

// Routes builds the router. mw is applied to every route.
func (s *Server) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"hedge-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Execution layer, authenticated by HMAC.
	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/webhooks/tx", s.Webhook)
		r.Get("/api/v1/contracts/due", s.DueContracts)
		r.Post("/api/v1/contracts/settle", s.Settle)
	})

	// Counterparties, authenticated by bearer token.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.jwtSecret))

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/orders", s.CreateOrder)
		r.Get("/orders", s.ListOrders)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Post("/orders/{orderID}/cancel", s.CancelOrder)
		r.Get("/orders/{orderID}/candidates", s.Candidates)

		r.Post("/matches", s.CreateMatch)
		r.Get("/matches/{matchID}", s.GetMatch)
		r.Post("/matches/{matchID}/counter", s.Counter)
		r.Post("/matches/{matchID}/sign", s.Sign)
		r.Post("/matches/{matchID}/reject", s.RejectMatch)
		r.Post("/matches/{matchID}/cancel", s.CancelMatch)

		r.Post("/contracts/initialize", s.InitializeContract)
		r.Get("/contracts/{contractID}", s.GetContract)
	})

	return r
}

// --- responses ---

// response is a handler outcome, encoded once so a replay is byte-identical.
type response struct {
	status int
	body   any
}

func ok(status int, body any) response { return response{status: status, body: body} }

// idempotent runs fn at most once per (key, actor) and writes its outcome.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, key string, fn func() response) {
	actor := auth.Actor(r.Context())
	resp, replayed, err := s.guard.Execute(r.Context(), key, actor, func() (int, []byte) {
		res := fn()
		body, err := json.Marshal(res.body)
		if err != nil {
			s.logger.Error("encode response failed", "err", err)
			return http.StatusInternalServerError, []byte(`{"error":"internal error"}`)
		}
		return res.status, append(body, '\n')
	})
	if errors.Is(err, idempotency.ErrInProgress) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", "key", key, "user", actor, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if replayed {
		metrics.IdempotentReplays.Inc()
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeResponse(w http.ResponseWriter, res response) {
	writeJSON(w, res.status, res.body)
}

// --- errors ---

// failure maps a service error to a response. Unknown errors are logged and
// reported generically.
func (s *Server) failure(err error) response {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, negotiation.ErrNotParty), errors.Is(err, negotiation.ErrNotOwner):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, negotiation.ErrSameOwner),
		errors.Is(err, negotiation.ErrIncompatible),
		errors.Is(err, negotiation.ErrInvalidTerms),
		errors.Is(err, negotiation.ErrUnknownTerms),
		errors.Is(err, terms.ErrInvalidOffer),
		errors.Is(err, gateway.ErrInvalidEvent),
		errors.Is(err, settlement.ErrNotExpired),
		errors.Is(err, settlement.ErrTermsMismatch):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, negotiation.ErrInvalidState),
		errors.Is(err, negotiation.ErrNoQuorum),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrNotLive),
		errors.Is(err, settlement.ErrPending):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, settlement.ErrOracleUnavailable),
		errors.Is(err, settlement.ErrExecutionUnavailable):
		status, msg = http.StatusServiceUnavailable, err.Error()
	default:
		s.logger.Error("request failed", "err", err)
	}
	return response{status: status, body: map[string]string{"error": msg}}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeResponse(w, s.failure(err))
}

// --- decoding ---

// decode reads a JSON body into v and validates it. On failure the 400
// response is written and false returned.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if fields := s.fieldErrors(v); len(fields) > 0 {
		writeValidation(w, fields)
		return false
	}
	return true
}

// fieldErrors maps json field name to the failed rule.
func (s *Server) fieldErrors(v any) map[string]string {
	fields := map[string]string{}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
	}
	if c, ok := v.(interface{ check(map[string]string) }); ok {
		c.check(fields)
	}
	return fields
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

// --- admission ---

// admitRate checks the caller's rate for endpoint and sets the X-RateLimit
// headers. A limiter error lets the request through.
func (s *Server) admitRate(w http.ResponseWriter, r *http.Request, endpoint string) (response, bool) {
	actor := auth.Actor(r.Context())
	now := s.now()
	d, err := s.rate.Allow(r.Context(), admission.Key(actor, endpoint), now)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, admitting", "endpoint", endpoint, "user", actor, "err", err)
		return response{}, true
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return response{}, true
	}

	metrics.AdmissionRejections.WithLabelValues("rate").Inc()
	h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter(now).Seconds()))))
	return ok(http.StatusTooManyRequests, map[string]any{
		"error":     admission.ErrRateLimited.Error(),
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt.UTC(),
	}), false
}

// admitNotional checks requested against the caller's notional for the
// current UTC day.
func (s *Server) admitNotional(r *http.Request, requested decimal.Decimal) (response, bool) {
	actor := auth.Actor(r.Context())
	from, to := admission.DayBounds(s.now())
	used, err := s.store.SumNotional(r.Context(), actor, from, to)
	if err != nil {
		return s.failure(err), false
	}
	d, err := s.notional.Check(used, requested)
	if err == nil {
		return response{}, true
	}

	metrics.AdmissionRejections.WithLabelValues("notional").Inc()
	return ok(http.StatusTooManyRequests, map[string]any{
		"error":     err.Error(),
		"used":      d.Used,
		"limit":     d.Limit,
		"remaining": d.Remaining,
	}), false
}

func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}
