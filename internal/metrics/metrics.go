// Package metrics provides Prometheus instrumentation for the hedge engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchesTotal counts match creation requests by result (created, existing).
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_matches_total",
		Help: "Total number of match creation requests",
	}, []string{"result"})

	// ProposalsTotal counts counter-proposals appended to matches.
	ProposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_proposals_total",
		Help: "Total number of counter-proposals",
	})

	// AgreementsTotal counts matches promoted to AGREED.
	AgreementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_agreements_total",
		Help: "Matches promoted to AGREED by signature quorum",
	})

	// AdmissionRejections counts requests rejected by admission control.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_admission_rejections_total",
		Help: "Requests rejected by rate or notional limits",
	}, []string{"limit"})

	// IdempotentReplays counts responses served from the idempotency store.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_idempotent_replays_total",
		Help: "Mutating requests answered from a stored response",
	})

	// WebhookEvents counts ingested execution-layer notifications.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_webhook_events_total",
		Help: "Execution-layer notifications by kind, status and effect",
	}, []string{"kind", "status", "effect"})

	// WebhookAuthFailures counts notifications rejected at the HMAC boundary.
	WebhookAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_webhook_auth_failures_total",
		Help: "Inbound notifications rejected by HMAC verification",
	}, []string{"reason"})

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementLatency tracks end-to-end settlement resolution time.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_settlement_latency_seconds",
		Help:    "Settlement resolution latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// DueContracts is the number of due contracts seen by the last scan.
	DueContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_due_contracts",
		Help: "LIVE contracts past expiry at the last scheduler scan",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
