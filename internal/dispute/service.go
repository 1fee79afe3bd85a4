// Package dispute manages buyer/seller disputes over escrowed orders.
// An open dispute freezes the order's escrow; resolution hands the
// outcome to the escrow controller.
package dispute

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/logging"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/validation"
)

var (
	ErrNotParty      = errors.New("caller is not a party to this order")
	ErrEmptyReason   = errors.New("dispute reason must not be empty")
	ErrEmptyMessage  = errors.New("message body must not be empty")
	ErrBadResolution = errors.New("resolution must be release or refund")
)

// Resolver settles the escrow when a dispute closes.
type Resolver interface {
	ResolveDispute(ctx context.Context, disputeID, resolution string) error
}

// Service implements dispute business logic.
type Service struct {
	store    ledger.Store
	resolver Resolver
}

// NewService creates a dispute service.
func NewService(store ledger.Store, resolver Resolver) *Service {
	return &Service{store: store, resolver: resolver}
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	RaisedBy string `json:"raisedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// Open raises a dispute on the order. Only the buyer or the seller may
// open one, the order must hold escrowed funds, and at most one dispute
// is open per order.
func (s *Service) Open(ctx context.Context, orderID string, req OpenRequest) (*ledger.Dispute, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrEmptyReason
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.RaisedBy != o.BuyerID && req.RaisedBy != o.ShopID {
		return nil, ErrNotParty
	}

	now := time.Now()
	d := &ledger.Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		RaisedBy:  req.RaisedBy,
		Reason:    validation.SanitizeString(req.Reason, 2000),
		Status:    ledger.DisputeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.OpenDispute(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	metrics.OrdersTotal.WithLabelValues(string(ledger.OrderDisputed)).Inc()
	logging.L(ctx).Info("dispute opened",
		"disputeId", d.ID, "orderId", orderID, "raisedBy", req.RaisedBy)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// AddMessage appends to the dispute's message thread. Parties may keep
// talking until the dispute is resolved.
func (s *Service) AddMessage(ctx context.Context, disputeID, sender, body string) (*ledger.DisputeMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if sender != o.BuyerID && sender != o.ShopID {
		return nil, ErrNotParty
	}
	if d.Status == ledger.DisputeResolved || d.Status == ledger.DisputeClosed {
		return nil, ledger.ErrInvalidTransition
	}

	m := &ledger.DisputeMessage{
		ID:        idgen.WithPrefix("msg_"),
		DisputeID: disputeID,
		Sender:    sender,
		Body:      validation.SanitizeString(body, validation.MaxStringLength),
		CreatedAt: time.Now(),
	}
	if err := s.store.AddDisputeMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Messages returns the dispute's thread, oldest first.
func (s *Service) Messages(ctx context.Context, disputeID string) ([]*ledger.DisputeMessage, error) {
	if _, err := s.store.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListDisputeMessages(ctx, disputeID)
}

// Resolve closes the dispute with the arbiter's outcome and settles the
// escrow accordingly.
func (s *Service) Resolve(ctx context.Context, disputeID, resolution string) error {
	if resolution != "release" && resolution != "refund" {
		return ErrBadResolution
	}
	if err := s.resolver.ResolveDispute(ctx, disputeID, resolution); err != nil {
		return err
	}
	logging.L(ctx).Info("dispute resolved",
		"disputeId", disputeID, "resolution", resolution)
	return nil
}
