package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/auth"
	"github.com/atmx/hedge-engine/internal/matching"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

const defaultTolDays = 7

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	Underlying     string          `json:"underlying" validate:"required,alphanum,max=16"`
	Direction      model.Direction `json:"direction" validate:"required,oneof=LONG SHORT"`
	StrikeMin      decimal.Decimal `json:"strike_min"`
	StrikeMax      decimal.Decimal `json:"strike_max"`
	Notional       decimal.Decimal `json:"notional"`
	Expiry         time.Time       `json:"expiry"`
	TolDays        *int            `json:"tol_days" validate:"omitempty,min=1,max=365"`
	Wallet         string          `json:"wallet" validate:"omitempty,max=64"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`

	now time.Time
}

func (req *CreateOrderRequest) check(fields map[string]string) {
	if !req.StrikeMin.IsPositive() {
		fields["strike_min"] = "gt=0"
	}
	if !req.StrikeMax.GreaterThan(req.StrikeMin) {
		fields["strike_max"] = "gtfield=strike_min"
	}
	if !req.Notional.IsPositive() {
		fields["notional"] = "gt=0"
	}
	if req.Expiry.IsZero() {
		fields["expiry"] = "required"
	} else if !req.Expiry.After(req.now) {
		fields["expiry"] = "future"
	}
}

// CreateOrder handles POST /api/v1/orders
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	req := CreateOrderRequest{now: s.now()}
	if !s.decode(w, r, &req) {
		return
	}
	// Underlyings are symbols; "sol" and "SOL" are the same market.
	req.Underlying = strings.ToUpper(req.Underlying)
	actor := auth.Actor(r.Context())

	s.idempotent(w, r, idempotencyKey(r, req.IdempotencyKey), func() response {
		if res, ok := s.admitRate(w, r, "orders"); !ok {
			return res
		}
		if res, ok := s.admitNotional(r, req.Notional); !ok {
			return res
		}

		tol := defaultTolDays
		if req.TolDays != nil {
			tol = *req.TolDays
		}
		now := s.now().UTC()
		order := &model.Order{
			ID:         uuid.New().String(),
			UserID:     actor,
			Wallet:     req.Wallet,
			Underlying: req.Underlying,
			Direction:  req.Direction,
			StrikeMin:  req.StrikeMin,
			StrikeMax:  req.StrikeMax,
			Notional:   req.Notional,
			Expiry:     req.Expiry.UTC(),
			TolDays:    tol,
			Status:     model.OrderOpen,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.CreateOrder(r.Context(), order); err != nil {
			return s.failure(err)
		}

		s.audit.Record(r.Context(), audit.EntityOrder, order.ID, audit.ActionCreate, actor, map[string]any{
			"underlying": order.Underlying,
			"direction":  order.Direction,
			"notional":   order.Notional.String(),
		})
		s.logger.Info("order created",
			"order_id", order.ID,
			"user", actor,
			"underlying", order.Underlying,
			"direction", order.Direction,
			"notional", order.Notional.String(),
		)
		return ok(http.StatusCreated, order)
	})
}

// ListOrders handles GET /api/v1/orders
// Filters: underlying, direction, status (default OPEN), expiry_from,
// expiry_to, limit.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}

	f := store.OrderFilter{
		Underlying: strings.ToUpper(q.Get("underlying")),
		Direction:  model.Direction(q.Get("direction")),
		Status:     model.OrderStatus(q.Get("status")),
	}
	if f.Direction != "" && !f.Direction.Valid() {
		fields["direction"] = "oneof=LONG SHORT"
	}
	if f.Status == "" {
		f.Status = model.OrderOpen
	}
	for name, dst := range map[string]**time.Time{"expiry_from": &f.ExpiryFrom, "expiry_to": &f.ExpiryTo} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fields[name] = "rfc3339"
			continue
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fields["limit"] = "min=1"
		}
		f.Limit = n
	}
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	orders, err := s.store.ListOrders(r.Context(), f)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"limit":  store.ClampLimit(f.Limit),
	})
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
// Only an OPEN order can be cancelled, and only by its owner.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.Actor(ctx)
	id := chi.URLParam(r, "orderID")

	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if order.UserID != actor {
		writeError(w, "not the order owner", http.StatusForbidden)
		return
	}

	updated, err := s.store.UpdateOrderStatus(ctx, id, []model.OrderStatus{model.OrderOpen}, model.OrderCancelled)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.audit.Record(ctx, audit.EntityOrder, id, audit.ActionCancel, actor, nil)
	s.logger.Info("order cancelled", "order_id", id, "user", actor)
	writeJSON(w, http.StatusOK, updated)
}

// Candidates handles GET /api/v1/orders/{orderID}/candidates
// Returns the best counter-eligible open orders for the caller's order.
func (s *Server) Candidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.Actor(ctx)

	order, err := s.store.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if order.UserID != actor {
		writeError(w, "not the order owner", http.StatusForbidden)
		return
	}
	if order.Status != model.OrderOpen {
		writeError(w, "order is not open", http.StatusConflict)
		return
	}

	pool, err := s.counterPool(ctx, *order)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	limit := s.candidateLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	ranked := matching.Rank(*order, pool, limit)

	type candidate struct {
		Order model.Order `json:"order"`
		matching.Result
	}
	byID := make(map[string]model.Order, len(pool))
	for _, o := range pool {
		byID[o.ID] = o
	}
	out := make([]candidate, 0, len(ranked))
	for _, res := range ranked {
		out = append(out, candidate{Order: byID[res.OrderBID], Result: res})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

// counterPool loads every open opposite-side order on the same underlying,
// page by page, so ranking sees the whole eligible set and not only the
// newest page.
func (s *Server) counterPool(ctx context.Context, order model.Order) ([]model.Order, error) {
	f := store.OrderFilter{
		ExcludeUserID: order.UserID,
		Underlying:    order.Underlying,
		Direction:     order.Direction.Opposite(),
		Status:        model.OrderOpen,
		Limit:         store.MaxListLimit,
	}
	seen := make(map[string]bool)
	var pool []model.Order
	for {
		page, err := s.store.ListOrders(ctx, f)
		if err != nil {
			return nil, err
		}
		// Offset paging can repeat a row when orders are created mid-walk.
		for _, o := range page {
			if !seen[o.ID] {
				seen[o.ID] = true
				pool = append(pool, o)
			}
		}
		if len(page) < store.MaxListLimit {
			return pool, nil
		}
		f.Offset += len(page)
	}
}
