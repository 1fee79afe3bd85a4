package ledger

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderCreated        OrderStatus = "created"
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaidInEscrow   OrderStatus = "paid_in_escrow"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderDisputed       OrderStatus = "disputed"
	OrderReleased       OrderStatus = "released"
	OrderRefunded       OrderStatus = "refunded"
	OrderCancelled      OrderStatus = "cancelled"
)

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// EscrowStatus is the escrow lifecycle state.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// orderTransitions is the full order state machine. Funds move only on
// the paid_in_escrow entry and the released/refunded exits.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:        {OrderPendingPayment, OrderCancelled},
	OrderPendingPayment: {OrderPaidInEscrow, OrderCancelled},
	OrderPaidInEscrow:   {OrderShipped, OrderDisputed, OrderReleased, OrderRefunded},
	OrderShipped:        {OrderDelivered, OrderDisputed, OrderReleased},
	OrderDelivered:      {OrderReleased, OrderDisputed},
	OrderDisputed:       {OrderReleased, OrderRefunded},
	OrderReleased:       nil,
	OrderRefunded:       nil,
	OrderCancelled:      nil,
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentProcessing, PaymentSucceeded, PaymentFailed},
	PaymentProcessing:        {PaymentSucceeded, PaymentFailed},
	PaymentSucceeded:         {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded},
	PaymentFailed:            nil,
	PaymentRefunded:          nil,
}

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowHeld:     {EscrowReleased, EscrowRefunded},
	EscrowReleased: nil,
	EscrowRefunded: nil,
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPayment reports whether a payment may move between statuses.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionEscrow reports whether an escrow may move between statuses.
func CanTransitionEscrow(from, to EscrowStatus) bool {
	for _, s := range escrowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether an order status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// IsTerminal reports whether a payment status accepts no further transitions.
func (s PaymentStatus) IsTerminal() bool {
	return len(paymentTransitions[s]) == 0
}
