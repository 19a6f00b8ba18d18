// Package reconcile maps canonical settlement events onto orders and applies
// them idempotently.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Agos-Inc/agos-marketplace/internal/apiclient"
	"github.com/Agos-Inc/agos-marketplace/internal/chain"
	"github.com/Agos-Inc/agos-marketplace/internal/messaging"
	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

type Reconciler struct {
	api    *apiclient.Client
	logger *slog.Logger
}

func New(api *apiclient.Client, logger *slog.Logger) *Reconciler {
	return &Reconciler{api: api, logger: logger}
}

// HandleDelivery consumes one published settlement event. Expected noise,
// such as events for unknown orders or field mismatches, is dropped with a
// log line. Only transient API failures are surfaced for redelivery.
func (r *Reconciler) HandleDelivery(ctx context.Context, body []byte) error {
	var evt chain.OrderPaidEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		r.logger.Error("invalid settlement event payload", "err", err)
		return messaging.ErrDrop
	}

	matched, err := r.api.GetOrderByHex(ctx, evt.OrderIDHex)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			r.logger.Warn("no order matched settlement event",
				"order_id_hex", evt.OrderIDHex, "tx_hash", evt.TxHash)
			return messaging.ErrDrop
		}
		return fmt.Errorf("lookup order by hex: %w", err)
	}

	if reason := chain.MismatchReason(matched, &evt); reason != "" {
		r.logger.Error("settlement event does not match order, refusing to apply",
			"order_id", matched.OrderID, "tx_hash", evt.TxHash, "reason", reason)
		return messaging.ErrDrop
	}

	result, err := r.api.RecordPaymentEvent(ctx, matched.OrderID, order.PaymentEvent{
		OrderIDHex:  evt.OrderIDHex,
		TxHash:      evt.TxHash,
		BlockNumber: evt.BlockNumber,
		LogIndex:    evt.LogIndex,
		RawEvent: map[string]any{
			"buyer":         evt.Buyer,
			"supplier":      evt.Supplier,
			"token":         evt.Token,
			"amount_atomic": evt.AmountAtomic,
		},
	})
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}

	switch {
	case result.DuplicateEvent:
		r.logger.Info("settlement event already recorded",
			"order_id", matched.OrderID, "tx_hash", evt.TxHash, "log_index", evt.LogIndex)
	case result.TransitionedToPaid:
		r.logger.Info("order marked paid from chain event",
			"order_id", matched.OrderID, "tx_hash", evt.TxHash)
	default:
		r.logger.Info("settlement event recorded without transition",
			"order_id", matched.OrderID, "status", result.Order.Status)
	}
	return nil
}
