package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/auth"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/negotiation"
)

type CreateMatchRequest struct {
	OrderAID string `json:"order_a_id" validate:"required"`
	OrderBID string `json:"order_b_id" validate:"required,nefield=OrderAID"`
}

// CreateMatch handles POST /api/v1/matches
// 201 for a new match, 200 when the pair is already matched.
func (s *Server) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, created, err := s.negotiation.CreateMatch(r.Context(), auth.Actor(r.Context()), req.OrderAID, req.OrderBID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

// GetMatch handles GET /api/v1/matches/{matchID}
func (s *Server) GetMatch(w http.ResponseWriter, r *http.Request) {
	detail, err := s.negotiation.History(r.Context(), auth.Actor(r.Context()), chi.URLParam(r, "matchID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// CounterRequest is a counter-proposal.
type CounterRequest struct {
	Strike         decimal.Decimal `json:"strike"`
	Notional       decimal.Decimal `json:"notional"`
	Expiry         time.Time       `json:"expiry"`
	Message        string          `json:"message" validate:"omitempty,max=500"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (req *CounterRequest) check(fields map[string]string) {
	if !req.Strike.IsPositive() {
		fields["strike"] = "gt=0"
	}
	if !req.Notional.IsPositive() {
		fields["notional"] = "gt=0"
	}
	if req.Expiry.IsZero() {
		fields["expiry"] = "required"
	}
}

// Counter handles POST /api/v1/matches/{matchID}/counter
func (s *Server) Counter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor := auth.Actor(r.Context())
	matchID := chi.URLParam(r, "matchID")

	s.idempotent(w, r, idempotencyKey(r, req.IdempotencyKey), func() response {
		if res, ok := s.admitRate(w, r, "counter"); !ok {
			return res
		}
		if res, ok := s.admitNotional(r, req.Notional); !ok {
			return res
		}
		res, err := s.negotiation.Counter(r.Context(), actor, matchID, negotiation.Proposal{
			Strike:   req.Strike,
			Notional: req.Notional,
			Expiry:   req.Expiry.UTC(),
			Message:  req.Message,
		})
		if err != nil {
			return s.failure(err)
		}
		return ok(http.StatusCreated, res)
	})
}

// SignRequest acknowledges a proposed terms hash.
type SignRequest struct {
	TermsHash      string `json:"terms_hash" validate:"required,len=64,hexadecimal"`
	PubKey         string `json:"pubkey" validate:"required,max=128"`
	Signature      string `json:"signature" validate:"required,max=256"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// Sign handles POST /api/v1/matches/{matchID}/sign
// 201 when the signature is new, 200 when it was already recorded.
func (s *Server) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor := auth.Actor(r.Context())
	matchID := chi.URLParam(r, "matchID")

	s.idempotent(w, r, idempotencyKey(r, req.IdempotencyKey), func() response {
		if res, ok := s.admitRate(w, r, "sign"); !ok {
			return res
		}
		res, err := s.negotiation.Sign(r.Context(), actor, matchID, negotiation.Acknowledgement{
			TermsHash: req.TermsHash,
			PubKey:    req.PubKey,
			Signature: req.Signature,
		})
		if err != nil {
			return s.failure(err)
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		return ok(status, res)
	})
}

// RejectMatch handles POST /api/v1/matches/{matchID}/reject
func (s *Server) RejectMatch(w http.ResponseWriter, r *http.Request) {
	s.closeMatch(w, r, s.negotiation.Reject)
}

// CancelMatch handles POST /api/v1/matches/{matchID}/cancel
func (s *Server) CancelMatch(w http.ResponseWriter, r *http.Request) {
	s.closeMatch(w, r, s.negotiation.Cancel)
}

func (s *Server) closeMatch(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor, matchID string) (*model.Match, error)) {
	m, err := fn(r.Context(), auth.Actor(r.Context()), chi.URLParam(r, "matchID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
