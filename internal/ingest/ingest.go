// Package ingest receives provider webhooks and turns them into ledger
// transitions. Every event is verified against the provider's signing
// secret, normalized, durably recorded for redelivery detection, and
// then dispatched to the escrow controller. Side effects (outbound
// notifications, the realtime feed) run after the transition and never
// block or fail it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/logging"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/provider"
)

var (
	ErrBadPayload = errors.New("malformed webhook payload")
)

// Kind classifies a normalized provider event.
type Kind string

const (
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindCaptured  Kind = "captured"
	KindRefunded  Kind = "refunded"
)

// PaymentEvent is a provider webhook normalized to the shape the
// controller understands, regardless of which rail sent it.
type PaymentEvent struct {
	Provider   string
	EventID    string
	ExternalID string
	Kind       Kind
	Partial    bool
	Reason     string
	Raw        json.RawMessage
}

// Applier is the subset of the escrow controller ingestion dispatches to.
type Applier interface {
	OnPaymentSucceeded(ctx context.Context, paymentID string) error
	OnPaymentFailed(ctx context.Context, paymentID string) error
	OnChargeCaptured(ctx context.Context, paymentID string) error
	OnChargeRefunded(ctx context.Context, paymentID string, partial bool, reason string) error
}

// Hook runs after an event is applied. Hooks are ordered, and a failing
// hook never affects the applied transition or later hooks.
type Hook func(ctx context.Context, evt *PaymentEvent, pay *ledger.Payment)

// OutcomeIgnored marks provider event types we do not act on. Unlike
// the persisted outcomes it is not recorded; redeliveries of ignored
// events are harmless.
const OutcomeIgnored ledger.EventOutcome = "ignored"

// Service verifies, normalizes, dedupes, and applies provider events.
type Service struct {
	store    ledger.Store
	registry *provider.Registry
	applier  Applier
	hooks    []Hook
}

func NewService(store ledger.Store, registry *provider.Registry, applier Applier, hooks ...Hook) *Service {
	return &Service{
		store:    store,
		registry: registry,
		applier:  applier,
		hooks:    hooks,
	}
}

// Ingest processes one raw webhook delivery from the named provider.
// The returned outcome is what a handler should report back: signature
// failures are the only case that must surface as an error status so
// the provider retries with a valid signature.
func (s *Service) Ingest(ctx context.Context, source string, payload []byte, sigHeader string) (ledger.EventOutcome, error) {
	log := logging.L(ctx)

	rail, err := s.registry.Get(source)
	if err != nil {
		return ledger.EventRejected, err
	}

	if err := rail.VerifyWebhookSignature(payload, sigHeader); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "rejected").Inc()
		log.Warn("webhook signature rejected", "provider", source, "error", err)
		return ledger.EventRejected, err
	}

	evt, err := normalize(source, payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "rejected").Inc()
		return ledger.EventRejected, err
	}
	if evt == nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "ignored").Inc()
		return OutcomeIgnored, nil
	}

	pay, err := s.store.GetPaymentByProviderRef(ctx, evt.Provider, evt.ExternalID)
	if err != nil && !errors.Is(err, ledger.ErrPaymentNotFound) {
		return ledger.EventRejected, err
	}

	// Record before applying, as pending. The outcome is upgraded only
	// after the transition commits, so a delivery whose apply failed is
	// still pending and the provider's redelivery retries it instead of
	// being swallowed by the dedupe.
	outcome := ledger.EventPending
	if pay == nil {
		outcome = ledger.EventUnknownPayment
	}

	created, err := s.store.RecordEvent(ctx, &ledger.IngestedEvent{
		ID:         idgen.WithPrefix("evt_"),
		Provider:   evt.Provider,
		EventID:    evt.EventID,
		Kind:       string(evt.Kind),
		ExternalID: evt.ExternalID,
		Outcome:    outcome,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		return ledger.EventRejected, err
	}
	if !created {
		prev, err := s.store.GetEventOutcome(ctx, evt.Provider, evt.EventID)
		if err != nil {
			return ledger.EventRejected, err
		}
		if prev != ledger.EventPending {
			metrics.WebhookEventsTotal.WithLabelValues(source, "duplicate").Inc()
			log.Debug("duplicate webhook event", "provider", source, "event_id", evt.EventID)
			return ledger.EventDuplicate, nil
		}
		log.Info("retrying pending webhook event",
			"provider", source, "event_id", evt.EventID, "kind", evt.Kind)
	}

	if pay == nil {
		// Race with checkout: the provider saw the payment before our
		// CreatePayment committed. Reconciliation picks it up.
		metrics.WebhookEventsTotal.WithLabelValues(source, "unknown_payment").Inc()
		log.Warn("webhook for unknown payment",
			"provider", source, "external_id", evt.ExternalID, "kind", evt.Kind)
		return ledger.EventUnknownPayment, nil
	}

	if err := s.apply(ctx, evt, pay); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "error").Inc()
		return ledger.EventRejected, err
	}
	if err := s.store.UpdateEventOutcome(ctx, evt.Provider, evt.EventID, ledger.EventApplied); err != nil {
		// The transition is committed; the next redelivery re-runs the
		// idempotent apply and upgrades the outcome then.
		metrics.WebhookEventsTotal.WithLabelValues(source, "error").Inc()
		return ledger.EventRejected, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(source, "applied").Inc()
	log.Info("webhook event applied",
		"provider", source, "event_id", evt.EventID, "kind", evt.Kind, "payment_id", pay.ID)

	for _, hook := range s.hooks {
		s.runHook(ctx, hook, evt, pay)
	}
	return ledger.EventApplied, nil
}

func (s *Service) apply(ctx context.Context, evt *PaymentEvent, pay *ledger.Payment) error {
	switch evt.Kind {
	case KindSucceeded:
		return s.applier.OnPaymentSucceeded(ctx, pay.ID)
	case KindFailed:
		return s.applier.OnPaymentFailed(ctx, pay.ID)
	case KindCaptured:
		return s.applier.OnChargeCaptured(ctx, pay.ID)
	case KindRefunded:
		return s.applier.OnChargeRefunded(ctx, pay.ID, evt.Partial, evt.Reason)
	default:
		return fmt.Errorf("%w: kind %q", ErrBadPayload, evt.Kind)
	}
}

func (s *Service) runHook(ctx context.Context, hook Hook, evt *PaymentEvent, pay *ledger.Payment) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("ingest hook panicked", "provider", evt.Provider, "panic", r)
		}
	}()
	hook(ctx, evt, pay)
}

func normalize(source string, payload []byte) (*PaymentEvent, error) {
	switch source {
	case "stripe":
		return normalizeStripe(payload)
	case "chain":
		return normalizeChain(payload)
	default:
		return normalizeRelay(source, payload)
	}
}

// normalizeStripe maps stripe event types onto payment kinds. Returns
// (nil, nil) for event types the engine does not act on.
func normalizeStripe(payload []byte) (*PaymentEvent, error) {
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID             string `json:"id"`
				PaymentIntent  string `json:"payment_intent"`
				Amount         int64  `json:"amount"`
				AmountRefunded int64  `json:"amount_refunded"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrBadPayload)
	}

	out := &PaymentEvent{Provider: "stripe", EventID: evt.ID, Raw: payload}
	switch evt.Type {
	case "payment_intent.succeeded":
		out.Kind = KindSucceeded
		out.ExternalID = evt.Data.Object.ID
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Kind = KindFailed
		out.ExternalID = evt.Data.Object.ID
	case "charge.captured":
		out.Kind = KindCaptured
		out.ExternalID = evt.Data.Object.PaymentIntent
	case "charge.refunded":
		out.Kind = KindRefunded
		out.ExternalID = evt.Data.Object.PaymentIntent
		out.Partial = evt.Data.Object.AmountRefunded < evt.Data.Object.Amount
	default:
		return nil, nil
	}
	if out.ExternalID == "" {
		return nil, fmt.Errorf("%w: missing payment reference", ErrBadPayload)
	}
	return out, nil
}

// normalizeChain parses the relay's own JSON envelope. The relay
// watches the token contract and posts one event per confirmed deposit
// or manual payout.
func normalizeChain(payload []byte) (*PaymentEvent, error) {
	return normalizeRelay("chain", payload)
}

func normalizeRelay(source string, payload []byte) (*PaymentEvent, error) {
	var evt struct {
		EventID   string `json:"eventId"`
		Reference string `json:"reference"`
		Kind      string `json:"kind"`
		Partial   bool   `json:"partial"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if evt.EventID == "" || evt.Reference == "" {
		return nil, fmt.Errorf("%w: missing event id or reference", ErrBadPayload)
	}
	switch Kind(evt.Kind) {
	case KindSucceeded, KindFailed, KindCaptured, KindRefunded:
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrBadPayload, evt.Kind)
	}
	return &PaymentEvent{
		Provider:   source,
		EventID:    evt.EventID,
		ExternalID: evt.Reference,
		Kind:       Kind(evt.Kind),
		Partial:    evt.Partial,
		Reason:     evt.Reason,
		Raw:        payload,
	}, nil
}
