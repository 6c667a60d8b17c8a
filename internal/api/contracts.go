package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/hedge-engine/internal/auth"
	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/negotiation"
	"github.com/atmx/hedge-engine/internal/settlement"
)

type InitializeRequest struct {
	MatchID     string `json:"match_id" validate:"required"`
	ContractPDA string `json:"contract_pda" validate:"omitempty,max=64"`
	EscrowPDA   string `json:"escrow_pda" validate:"omitempty,max=64"`
}

// InitializeContract handles POST /api/v1/contracts/initialize
// 201 for a new contract, 200 when the match already has one.
func (s *Server) InitializeContract(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, created, err := s.negotiation.Initialize(r.Context(), auth.Actor(r.Context()), negotiation.InitRequest{
		MatchID:     req.MatchID,
		ContractPDA: req.ContractPDA,
		EscrowPDA:   req.EscrowPDA,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, c)
}

type contractView struct {
	Contract model.Contract   `json:"contract"`
	Ledger   []model.TxLedger `json:"ledger"`
}

// GetContract handles GET /api/v1/contracts/{contractID}
// Visible to the two parties of the underlying match.
func (s *Server) GetContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := s.store.GetContract(ctx, chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	m, err := s.store.GetMatch(ctx, c.MatchID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !m.IsParty(auth.Actor(ctx)) {
		s.writeFailure(w, negotiation.ErrNotParty)
		return
	}
	ledger, err := s.store.ListLedger(ctx, c.ID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView{Contract: *c, Ledger: ledger})
}

// Webhook handles POST /webhooks/tx from the execution layer.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	var ev gateway.Event
	if !s.decode(w, r, &ev) {
		return
	}
	res, err := s.ingester.Ingest(r.Context(), ev)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transitioned": res.Transitioned,
		"confirmed":    res.Confirmed,
		"previous":     res.Previous,
		"contract":     res.Contract,
		"ledger":       res.Ledger,
	})
}

// DueContracts handles GET /api/v1/contracts/due
// Lists LIVE contracts at or past expiry.
func (s *Server) DueContracts(w http.ResponseWriter, r *http.Request) {
	due, err := s.store.ListDueContracts(r.Context(), s.now())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if due == nil {
		due = []model.Contract{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": due})
}

// Settle handles POST /api/v1/contracts/settle
// A real settlement answers 200; a simulated one 202 under its own key so
// callers cannot mistake it for an executed instruction.
func (s *Server) Settle(w http.ResponseWriter, r *http.Request) {
	var req settlement.Request
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.resolver.Resolve(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	switch o := out.(type) {
	case *settlement.Settlement:
		writeJSON(w, http.StatusOK, map[string]any{"settlement": o})
	case *settlement.SimulatedSettlement:
		writeJSON(w, http.StatusAccepted, map[string]any{"simulated_settlement": o})
	default:
		s.writeFailure(w, fmt.Errorf("unexpected settlement outcome %T", out))
	}
}
