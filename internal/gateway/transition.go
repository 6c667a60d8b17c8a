package gateway

import (
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// Transition is the total table of confirmed kind x current contract state.
// Transitions only move forward; every other combination is a no-op with
// ok=false. It is passed to store.LedgerStore.ApplyTxEvent.
func Transition(kind model.TxKind, current model.ContractState) (store.Effect, bool) {
	switch kind {
	case model.TxInit:
		if current == model.ContractPendingInit {
			return store.Effect{Contract: model.ContractInit, Match: model.MatchInitializing}, true
		}
		return store.Effect{}, false

	case model.TxFundA:
		if current == model.ContractInit {
			return store.Effect{Contract: model.ContractPartiallyFunded, Orders: model.OrderFunded}, true
		}
		return store.Effect{}, false

	case model.TxFundB:
		if current == model.ContractPartiallyFunded {
			return store.Effect{Contract: model.ContractLive, Match: model.MatchLive, Orders: model.OrderLive}, true
		}
		return store.Effect{}, false

	case model.TxSettle:
		if !current.Terminal() {
			return store.Effect{Contract: model.ContractSettled, Match: model.MatchSettled, Orders: model.OrderSettled}, true
		}
		return store.Effect{}, false

	case model.TxCancel:
		if !current.Terminal() {
			return store.Effect{Contract: model.ContractCancelled, Match: model.MatchCancelled, Orders: model.OrderCancelled}, true
		}
		return store.Effect{}, false

	default:
		return store.Effect{}, false
	}
}
