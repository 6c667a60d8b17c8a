// Package audit appends entries to the audit trail. A failed write is logged
// and never fails the operation that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// Entity types.
const (
	EntityOrder    = "Order"
	EntityMatch    = "Match"
	EntityContract = "Contract"
)

// Actions.
const (
	ActionCreate     = "CREATE"
	ActionCancel     = "CANCEL"
	ActionCounter    = "COUNTER"
	ActionSign       = "SIGN"
	ActionAgree      = "AGREE"
	ActionReject     = "REJECT"
	ActionInitialize = "INITIALIZE"
	ActionTx         = "TX"
	ActionSettle     = "SETTLE"
)

// Recorder writes audit records. A nil *Recorder records nothing.
type Recorder struct {
	store  store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(st store.AuditStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger, now: time.Now}
}

// Record appends one entry. detail may be nil.
func (r *Recorder) Record(ctx context.Context, entityType, entityID, action, userID string, detail map[string]any) {
	if r == nil {
		return
	}

	var meta json.RawMessage
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			r.logger.Warn("audit detail marshal failed", "entity", entityType, "id", entityID, "err", err)
		} else {
			meta = data
		}
	}

	rec := &model.AuditRecord{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		UserID:     userID,
		Metadata:   meta,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.InsertAudit(ctx, rec); err != nil {
		r.logger.Warn("audit write failed",
			"entity", entityType,
			"id", entityID,
			"action", action,
			"err", err,
		)
	}
}
