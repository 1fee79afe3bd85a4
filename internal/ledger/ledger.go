// Package ledger owns the persistent entities of the payment engine:
// products, orders, payments, escrows, deliveries, disputes, and the
// ingested provider events that drive them.
//
// Flow:
//  1. Buyer checks out → order created, stock reserved
//  2. Payment initiated with a provider → payment pending
//  3. Provider confirms → payment succeeded, escrow held, order paid_in_escrow
//  4. Seller ships, buyer confirms → escrow released to seller
//  5. Dispute or failure → escrow refunded to buyer
//
// Multi-entity transitions go through the settle operations on Store so
// that no intermediate cross-entity state is ever observable.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/stallwise/paycore/internal/pagination"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrDeliveryNotFound  = errors.New("delivery not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrEventNotFound     = errors.New("event not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrMultiShop         = errors.New("order items must belong to a single shop")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDisputeOpen       = errors.New("order has an open dispute")
	ErrConsistency       = errors.New("ledger consistency violation")
)

// CurrencyMode describes which rails an order is paid on.
type CurrencyMode string

const (
	CurrencyFiat  CurrencyMode = "fiat"
	CurrencyCoin  CurrencyMode = "coin"
	CurrencyMixed CurrencyMode = "mixed"
)

// Product is a purchasable item. Stock is reserved atomically at checkout.
type Product struct {
	ID        string    `json:"id"`
	ShopID    string    `json:"shopId"`
	Title     string    `json:"title"`
	PriceFiat string    `json:"priceFiat"` // decimal string, 2 dp
	PriceCoin string    `json:"priceCoin"` // decimal string, 6 dp
	Digital   bool      `json:"digital"`
	Stock     int64     `json:"stock"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderItem is a line of an order with unit prices frozen at checkout.
type OrderItem struct {
	ProductID    string `json:"productId"`
	Title        string `json:"title"`
	Quantity     int64  `json:"quantity"`
	UnitFiat     string `json:"unitFiat"`
	UnitCoin     string `json:"unitCoin"`
	SubtotalFiat string `json:"subtotalFiat"`
	SubtotalCoin string `json:"subtotalCoin"`
	Digital      bool   `json:"digital"`
}

// Order is the aggregate root of a purchase. Orders are never deleted;
// terminal states are released, refunded, and cancelled.
type Order struct {
	ID           string       `json:"id"`
	Number       string       `json:"number"` // human-facing, ORD-XXXXXXXXXXXX
	BuyerID      string       `json:"buyerId"`
	ShopID       string       `json:"shopId"`
	Items        []OrderItem  `json:"items"`
	TotalFiat    string       `json:"totalFiat"`
	TotalCoin    string       `json:"totalCoin"`
	CurrencyMode CurrencyMode `json:"currencyMode"`
	Status       OrderStatus  `json:"status"`
	ShippingAddr string       `json:"shippingAddr,omitempty"`
	Lat          *float64     `json:"lat,omitempty"`
	Lng          *float64     `json:"lng,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	PaidAt       *time.Time   `json:"paidAt,omitempty"`
	ShippedAt    *time.Time   `json:"shippedAt,omitempty"`
	DeliveredAt  *time.Time   `json:"deliveredAt,omitempty"`
}

// DigitalOnly reports whether every item on the order is digital.
func (o *Order) DigitalOnly() bool {
	for _, it := range o.Items {
		if !it.Digital {
			return false
		}
	}
	return len(o.Items) > 0
}

// HasPhysical reports whether any item on the order needs shipping.
func (o *Order) HasPhysical() bool {
	for _, it := range o.Items {
		if !it.Digital {
			return true
		}
	}
	return false
}

// Payment tracks a single charge attempt against an order.
type Payment struct {
	ID           string            `json:"id"`
	OrderID      string            `json:"orderId"`
	Provider     string            `json:"provider"` // stripe | chain | mock
	ExternalID   string            `json:"externalId,omitempty"`
	AmountFiat   string            `json:"amountFiat"`
	AmountCoin   string            `json:"amountCoin"`
	CurrencyMode CurrencyMode      `json:"currencyMode"`
	Status       PaymentStatus     `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	SucceededAt  *time.Time        `json:"succeededAt,omitempty"`
}

// Escrow holds settled funds for an order until release or refund.
// One escrow per succeeded payment; created in the same transaction
// that marks the payment succeeded.
type Escrow struct {
	ID            string       `json:"id"`
	PaymentID     string       `json:"paymentId"`
	OrderID       string       `json:"orderId"`
	Status        EscrowStatus `json:"status"`
	HeldAt        time.Time    `json:"heldAt"`
	ReleasedAt    *time.Time   `json:"releasedAt,omitempty"`
	AutoReleaseAt *time.Time   `json:"autoReleaseAt,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

// DeliveryStatus tracks physical shipment progress.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliveryInTransit      DeliveryStatus = "in_transit"
	DeliveryOutForDelivery DeliveryStatus = "out_for_delivery"
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryFailed         DeliveryStatus = "failed"
)

// Delivery exists only for orders with at least one physical item.
type Delivery struct {
	OrderID        string         `json:"orderId"`
	TrackingNumber string         `json:"trackingNumber,omitempty"`
	Carrier        string         `json:"carrier,omitempty"`
	Status         DeliveryStatus `json:"status"`
	ShippingAddr   string         `json:"shippingAddr"`
	ShippedAt      *time.Time     `json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
}

// DisputeStatus tracks dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeInReview DisputeStatus = "in_review"
	DisputeResolved DisputeStatus = "resolved"
	DisputeClosed   DisputeStatus = "closed"
)

// Dispute freezes an order's escrow until an arbiter resolves it.
// At most one open dispute per order.
type Dispute struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"orderId"`
	RaisedBy   string        `json:"raisedBy"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	Resolution string        `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// DisputeMessage is one entry in a dispute's message thread.
type DisputeMessage struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventOutcome records what ingestion did with a provider event.
type EventOutcome string

const (
	EventPending        EventOutcome = "pending"
	EventApplied        EventOutcome = "applied"
	EventDuplicate      EventOutcome = "duplicate"
	EventUnknownPayment EventOutcome = "unknown_payment"
	EventRejected       EventOutcome = "rejected"
)

// IngestedEvent is the durable record of a received provider webhook.
// The (provider, event id) pair is unique; redelivery is detected here
// before any state change is attempted.
type IngestedEvent struct {
	ID         string       `json:"id"`
	Provider   string       `json:"provider"`
	EventID    string       `json:"eventId"`
	Kind       string       `json:"kind"`
	ExternalID string       `json:"externalId,omitempty"`
	Outcome    EventOutcome `json:"outcome"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// Store persists ledger state. The Settle* methods are atomic: all rows
// change together or none do, and status guards make repeated settles
// no-ops rather than errors.
type Store interface {
	// Products
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)

	// Orders. CreateOrder decrements stock for every physical item and
	// inserts the order, its items, and the delivery row (when non-nil)
	// in one transaction. Digital items carry no inventory.
	// ErrInsufficientStock leaves stock intact.
	CreateOrder(ctx context.Context, o *Order, d *Delivery) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string, cursor *pagination.Cursor, limit int) ([]*Order, error)
	MarkShipped(ctx context.Context, orderID, trackingNumber, carrier string) error
	MarkDelivered(ctx context.Context, orderID string) error

	// Payments. CreatePayment moves the order to pending_payment in the
	// same transaction; ErrInvalidTransition if the order cannot accept
	// a payment.
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	GetPaymentByProviderRef(ctx context.Context, provider, externalID string) (*Payment, error)
	ListPendingPayments(ctx context.Context, since time.Time, limit int) ([]*Payment, error)
	MarkPaymentProcessing(ctx context.Context, paymentID string) error
	MarkPaymentPartiallyRefunded(ctx context.Context, paymentID string) error

	// Settles. SettlePaymentSucceeded returns whether the escrow was
	// created (false means the payment had already settled).
	SettlePaymentSucceeded(ctx context.Context, paymentID string, esc *Escrow) (bool, error)
	SettlePaymentFailed(ctx context.Context, paymentID string) error
	SettleRelease(ctx context.Context, orderID string) error
	SettleRefund(ctx context.Context, orderID, reason string) error

	// Escrows
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error)
	ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// Deliveries
	GetDelivery(ctx context.Context, orderID string) (*Delivery, error)

	// Disputes. OpenDispute inserts the dispute and moves the order to
	// disputed in one transaction; ErrDisputeOpen if one is already open.
	OpenDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	AddDisputeMessage(ctx context.Context, m *DisputeMessage) error
	ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error)
	ResolveDispute(ctx context.Context, disputeID, resolution string) error

	// Events. RecordEvent returns false when the (provider, event id)
	// pair was already recorded. Events are first recorded pending and
	// upgraded once their transition commits, so a redelivery can retry
	// an apply that failed mid-flight.
	RecordEvent(ctx context.Context, e *IngestedEvent) (bool, error)
	GetEventOutcome(ctx context.Context, provider, eventID string) (EventOutcome, error)
	UpdateEventOutcome(ctx context.Context, provider, eventID string, outcome EventOutcome) error
}
