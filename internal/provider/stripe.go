package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/stallwise/paycore/internal/money"
	"github.com/stallwise/paycore/internal/retry"
)

// Stripe is the fiat rail. Payment intents are created with manual
// capture so funds stay authorized until the escrow controller captures
// them on release.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe creates a Stripe provider with the given API key.
func NewStripe(secretKey, webhookSecret string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api, webhookSecret: webhookSecret}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreatePayment(ctx context.Context, req CreateRequest) (*Handle, error) {
	cents, ok := money.ParseFiat(req.AmountFiat)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("invalid fiat amount %q", req.AmountFiat))
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents.Int64()),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("buyer_id", req.BuyerID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Handle{ExternalID: pi.ID, ConfirmationTarget: pi.ClientSecret}, nil
}

func (s *Stripe) GetStatus(ctx context.Context, externalID string) (Status, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(externalID, params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return mapIntentStatus(pi.Status), nil
}

func (s *Stripe) Capture(ctx context.Context, externalID string, amount string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if amount != "" {
		cents, ok := money.ParseFiat(amount)
		if !ok {
			return retry.Permanent(fmt.Errorf("invalid capture amount %q", amount))
		}
		params.AmountToCapture = stripe.Int64(cents.Int64())
	}
	if _, err := s.api.PaymentIntents.Capture(externalID, params); err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func (s *Stripe) Refund(ctx context.Context, externalID, amount, reason string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalID),
	}
	params.Context = ctx
	if amount != "" {
		cents, ok := money.ParseFiat(amount)
		if !ok {
			return retry.Permanent(fmt.Errorf("invalid refund amount %q", amount))
		}
		params.Amount = stripe.Int64(cents.Int64())
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	if _, err := s.api.Refunds.New(params); err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func (s *Stripe) Cancel(ctx context.Context, externalID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(externalID, params); err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func (s *Stripe) VerifyWebhookSignature(payload []byte, header string) error {
	if _, err := webhook.ConstructEvent(payload, header, s.webhookSecret); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// mapIntentStatus translates a Stripe intent status into the rail-neutral
// one. requires_capture counts as succeeded: with manual capture the
// funds are authorized and held, which is what escrow needs.
func mapIntentStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	default:
		// requires_payment_method, requires_confirmation, requires_action
		return StatusPending
	}
}

// mapStripeErr classifies Stripe API failures: server-side trouble is
// retryable, everything Stripe rejects outright is permanent.
func mapStripeErr(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return retry.Permanent(err)
	}
	// Network-level failure; the request may not have reached Stripe.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
