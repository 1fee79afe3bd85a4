package ingest

import (
	"context"

	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/notify"
	"github.com/stallwise/paycore/internal/realtime"
)

// NotifyHook posts applied events to the outbound notification sink.
func NotifyHook(sink notify.Sink) Hook {
	return func(ctx context.Context, evt *PaymentEvent, pay *ledger.Payment) {
		t, ok := notifyType(evt.Kind)
		if !ok {
			return
		}
		sink.Notify(ctx, notify.NewEvent(t, map[string]any{
			"orderId":    pay.OrderID,
			"paymentId":  pay.ID,
			"provider":   evt.Provider,
			"externalId": evt.ExternalID,
			"partial":    evt.Partial,
		}))
	}
}

// RealtimeHook publishes applied events on the websocket feed.
func RealtimeHook(hub *realtime.Hub) Hook {
	return func(ctx context.Context, evt *PaymentEvent, pay *ledger.Payment) {
		t, ok := realtimeType(evt.Kind)
		if !ok {
			return
		}
		hub.Publish(t, pay.OrderID, evt.Provider, map[string]any{
			"paymentId": pay.ID,
			"kind":      string(evt.Kind),
		})
	}
}

func notifyType(k Kind) (notify.EventType, bool) {
	switch k {
	case KindSucceeded:
		return notify.EventPaymentSucceeded, true
	case KindFailed:
		return notify.EventPaymentFailed, true
	}
	// Captured and refunded settle through the escrow controller,
	// which emits the escrow.* notification itself.
	return "", false
}

func realtimeType(k Kind) (realtime.EventType, bool) {
	switch k {
	case KindSucceeded:
		return realtime.EventPaymentSucceeded, true
	case KindFailed:
		return realtime.EventPaymentFailed, true
	case KindCaptured:
		return realtime.EventEscrowReleased, true
	case KindRefunded:
		return realtime.EventEscrowRefunded, true
	}
	return "", false
}
