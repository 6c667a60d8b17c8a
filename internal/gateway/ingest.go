package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/events"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// ErrInvalidEvent is returned for a notification with an unknown kind or
// status or missing identifiers.
var ErrInvalidEvent = errors.New("gateway: invalid event")

// Event is the body of an execution-layer notification.
type Event struct {
	ContractID string          `json:"contractId" validate:"required"`
	Sig        string          `json:"sig" validate:"required"`
	Kind       model.TxKind    `json:"kind" validate:"required,oneof=INIT FUND_A FUND_B SETTLE CANCEL"`
	Status     model.TxStatus  `json:"status" validate:"required,oneof=SENT CONFIRMED FAILED"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

func (e Event) validate() error {
	if e.ContractID == "" || e.Sig == "" {
		return fmt.Errorf("%w: contractId and sig are required", ErrInvalidEvent)
	}
	switch e.Kind {
	case model.TxInit, model.TxFundA, model.TxFundB, model.TxSettle, model.TxCancel:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	switch e.Status {
	case model.TxSent, model.TxConfirmed, model.TxFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

// Ingester applies authenticated notifications to the ledger.
type Ingester struct {
	store  store.LedgerStore
	audit  *audit.Recorder
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewIngester creates an ingester. Pass nil for pub if events are not needed.
func NewIngester(st store.LedgerStore, rec *audit.Recorder, pub events.Publisher, logger *slog.Logger) *Ingester {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: st, audit: rec, events: pub, logger: logger, now: time.Now}
}

// Ingest upserts the ledger entry for ev.Sig. Every CONFIRMED delivery
// consults the transition table, together with the contract's earlier
// confirmations; the table only moves forward, so a redelivery never
// transitions twice and an early confirmation applies once its predecessor
// lands.
func (g *Ingester) Ingest(ctx context.Context, ev Event) (*store.TxResult, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	meta := ev.Meta
	if bytes.Equal(bytes.TrimSpace(meta), []byte("null")) {
		meta = nil
	}

	res, err := g.store.ApplyTxEvent(ctx, store.TxEvent{
		Sig:        ev.Sig,
		ContractID: ev.ContractID,
		Kind:       ev.Kind,
		Status:     ev.Status,
		Meta:       meta,
		At:         g.now().UTC(),
	}, Transition)
	if err != nil {
		return nil, fmt.Errorf("apply tx %s: %w", ev.Sig, err)
	}

	effect := "recorded"
	switch {
	case res.Transitioned:
		effect = "applied"
	case res.Confirmed:
		effect = "noop"
	}
	metrics.WebhookEvents.WithLabelValues(string(ev.Kind), string(ev.Status), effect).Inc()

	g.audit.Record(ctx, audit.EntityContract, ev.ContractID, audit.ActionTx, "", map[string]any{
		"sig":    ev.Sig,
		"kind":   ev.Kind,
		"status": res.Ledger.Status,
		"effect": effect,
	})

	if res.Transitioned {
		g.events.Publish(events.Event{
			Type:       events.ContractUpdated,
			MatchID:    res.Contract.MatchID,
			ContractID: res.Contract.ID,
			State:      string(res.Contract.State),
		})
		g.logger.Info("contract transitioned",
			"contract_id", ev.ContractID,
			"sig", ev.Sig,
			"kind", ev.Kind,
			"from", res.Previous,
			"to", res.Contract.State,
		)
	} else {
		g.logger.Info("tx recorded",
			"contract_id", ev.ContractID,
			"sig", ev.Sig,
			"kind", ev.Kind,
			"status", res.Ledger.Status,
			"effect", effect,
		)
	}
	return res, nil
}
