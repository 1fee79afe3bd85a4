// Package provider abstracts the payment rails (Stripe for fiat, an ERC-20
// token for crypto, and a scriptable mock). The escrow controller is the
// only caller of the money-moving operations.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSignature means a webhook payload failed signature verification.
	ErrSignature = errors.New("webhook signature verification failed")
	// ErrUnavailable means the provider could not be reached; safe to retry.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrUnknownProvider means no provider is registered under that name.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// Status is the provider-side view of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded" // funds secured, capture possible
	StatusFailed     Status = "failed"
)

// CreateRequest carries what a provider needs to open a payment.
type CreateRequest struct {
	OrderID    string
	AmountFiat string // decimal string, 2 dp; empty for pure crypto
	AmountCoin string // decimal string, 6 dp; empty for pure fiat
	BuyerID    string
	Metadata   map[string]string
}

// Handle is the provider's reference for a created payment. The
// confirmation target is what the buyer needs to complete it: a Stripe
// client secret, or a token deposit URI for the chain rail.
type Handle struct {
	ExternalID         string
	ConfirmationTarget string
}

// Provider is one payment rail. All remote calls must respect ctx
// deadlines; transient failures are plain errors, permanent ones are
// wrapped with retry.Permanent.
type Provider interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*Handle, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	Capture(ctx context.Context, externalID string, amount string) error
	Refund(ctx context.Context, externalID, amount, reason string) error
	Cancel(ctx context.Context, externalID string) error
	VerifyWebhookSignature(payload []byte, header string) error
	Name() string
}

// Registry maps provider names to implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
