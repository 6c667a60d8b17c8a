// Package gateway is the trust boundary to the execution layer. Inbound
// notifications are authenticated with an HMAC over "{timestampMillis}.{body}"
// and a freshness window; only authenticated, confirmed notifications move
// contracts past AGREED.
package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/atmx/hedge-engine/internal/metrics"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// DefaultMaxAge is the replay window.
	DefaultMaxAge = 5 * time.Minute

	maxBodyBytes = 1 << 20
)

var (
	ErrMissingHeaders = errors.New("gateway: missing HMAC headers")
	ErrBadTimestamp   = errors.New("gateway: invalid timestamp")
	ErrExpired        = errors.New("gateway: request expired")
	ErrBadSignature   = errors.New("gateway: invalid signature")
)

// Verifier signs and verifies HMAC-SHA256 requests with a shared secret.
type Verifier struct {
	Secret []byte
	MaxAge time.Duration
	Now    func() time.Time
}

// NewVerifier creates a verifier. maxAge <= 0 means DefaultMaxAge.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{Secret: []byte(secret), MaxAge: maxAge, Now: time.Now}
}

// Verify checks the timestamp freshness and then the signature of body.
// The window applies in both directions so a future-dated request is as
// stale as an old one.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return ErrMissingHeaders
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	age := v.Now().UnixMilli() - ms
	if age < 0 {
		age = -age
	}
	if age > v.MaxAge.Milliseconds() {
		return ErrExpired
	}

	expected := Signature(v.Secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the timestamp and signature headers for body at t.
func (v *Verifier) Sign(body []byte, t time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(t.UnixMilli(), 10)
	return timestamp, Signature(v.Secret, timestamp, body)
}

// SignRequest sets the HMAC headers on an outbound request.
func (v *Verifier) SignRequest(r *http.Request, body []byte) {
	ts, sig := v.Sign(body, v.Now())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)
}

// Signature is the hex HMAC-SHA256 of "{timestamp}.{body}".
func Signature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware rejects requests whose HMAC headers do not verify with 401 and
// restores the body for the next handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, "failed to read body", http.StatusBadRequest)
			return
		}

		err = v.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body)
		if err != nil {
			metrics.WebhookAuthFailures.WithLabelValues(failureReason(err)).Inc()
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// Restore body for next handler.
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "bad_signature"
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
