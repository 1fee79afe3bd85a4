package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stallwise/paycore/internal/pagination"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// A single mutex covers every method, so the settle operations get the
// same all-or-nothing behavior the Postgres store gets from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[string]*Product
	orders    map[string]*Order
	payments  map[string]*Payment
	escrows   map[string]*Escrow
	delivers  map[string]*Delivery // keyed by order ID
	disputes  map[string]*Dispute
	messages  map[string][]*DisputeMessage // keyed by dispute ID
	events    map[string]*IngestedEvent    // keyed by provider+"/"+event ID
	eventList []*IngestedEvent
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*Product),
		orders:   make(map[string]*Order),
		payments: make(map[string]*Payment),
		escrows:  make(map[string]*Escrow),
		delivers: make(map[string]*Delivery),
		disputes: make(map[string]*Dispute),
		messages: make(map[string][]*DisputeMessage),
		events:   make(map[string]*IngestedEvent),
	}
}

// --- Products ---

func (m *MemoryStore) CreateProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// --- Orders ---

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all stock before touching any of it. Digital items carry
	// no inventory and are always orderable.
	for _, it := range o.Items {
		p, ok := m.products[it.ProductID]
		if !ok {
			return ErrProductNotFound
		}
		if !p.Digital && p.Stock < it.Quantity {
			return ErrInsufficientStock
		}
	}

	for _, it := range o.Items {
		if p := m.products[it.ProductID]; !p.Digital {
			p.Stock -= it.Quantity
		}
	}

	m.orders[o.ID] = copyOrder(o)
	if d != nil {
		cp := *d
		m.delivers[o.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListOrdersByBuyer(ctx context.Context, buyerID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Order
	for _, o := range m.orders {
		if o.BuyerID == buyerID {
			all = append(all, o)
		}
	}
	// Newest first, ID as tiebreaker so pagination is stable.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var result []*Order
	for _, o := range all {
		if cursor != nil {
			if o.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if o.CreatedAt.Equal(cursor.CreatedAt) && o.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, copyOrder(o))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkShipped(ctx context.Context, orderID, trackingNumber, carrier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderShipped) {
		return ErrInvalidTransition
	}
	d, ok := m.delivers[orderID]
	if !ok {
		return ErrDeliveryNotFound
	}

	now := time.Now()
	o.Status = OrderShipped
	o.ShippedAt = &now
	o.UpdatedAt = now
	d.TrackingNumber = trackingNumber
	d.Carrier = carrier
	d.Status = DeliveryInTransit
	d.ShippedAt = &now
	return nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderDelivered) {
		return ErrInvalidTransition
	}

	now := time.Now()
	o.Status = OrderDelivered
	o.DeliveredAt = &now
	o.UpdatedAt = now
	if d, ok := m.delivers[orderID]; ok {
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
	}
	return nil
}

// --- Payments ---

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[p.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != OrderPendingPayment {
		if !CanTransition(o.Status, OrderPendingPayment) {
			return ErrInvalidTransition
		}
		o.Status = OrderPendingPayment
		o.UpdatedAt = time.Now()
	}

	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Payment
	for _, p := range m.payments {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(latest), nil
}

func (m *MemoryStore) GetPaymentByProviderRef(ctx context.Context, provider, externalID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.Provider == provider && p.ExternalID == externalID && externalID != "" {
			return copyPayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListPendingPayments(ctx context.Context, since time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != PaymentPending && p.Status != PaymentProcessing {
			continue
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		result = append(result, copyPayment(p))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkPaymentProcessing(ctx context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status == PaymentProcessing {
		return nil
	}
	if !CanTransitionPayment(p.Status, PaymentProcessing) {
		return ErrInvalidTransition
	}
	p.Status = PaymentProcessing
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkPaymentPartiallyRefunded(ctx context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status == PaymentPartiallyRefunded {
		return nil
	}
	if !CanTransitionPayment(p.Status, PaymentPartiallyRefunded) {
		return ErrInvalidTransition
	}
	p.Status = PaymentPartiallyRefunded
	p.UpdatedAt = time.Now()
	return nil
}

// --- Settles ---

func (m *MemoryStore) SettlePaymentSucceeded(ctx context.Context, paymentID string, esc *Escrow) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status == PaymentSucceeded {
		return false, nil // already settled; redelivered event
	}
	if !CanTransitionPayment(p.Status, PaymentSucceeded) {
		return false, ErrInvalidTransition
	}

	o, ok := m.orders[p.OrderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderPaidInEscrow) {
		return false, ErrInvalidTransition
	}

	now := time.Now()
	p.Status = PaymentSucceeded
	p.SucceededAt = &now
	p.UpdatedAt = now

	cp := *esc
	cp.PaymentID = p.ID
	cp.OrderID = p.OrderID
	cp.Status = EscrowHeld
	m.escrows[cp.ID] = &cp

	o.Status = OrderPaidInEscrow
	o.PaidAt = &now
	o.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) SettlePaymentFailed(ctx context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status == PaymentFailed {
		return nil
	}
	if !CanTransitionPayment(p.Status, PaymentFailed) {
		return ErrInvalidTransition
	}

	o, ok := m.orders[p.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderCancelled) {
		return ErrInvalidTransition
	}

	now := time.Now()
	p.Status = PaymentFailed
	p.UpdatedAt = now
	o.Status = OrderCancelled
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SettleRelease(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc := m.escrowByOrder(orderID)
	if esc == nil {
		return ErrEscrowNotFound
	}
	if esc.Status == EscrowReleased {
		return nil
	}
	if !CanTransitionEscrow(esc.Status, EscrowReleased) {
		return ErrInvalidTransition
	}

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderReleased) {
		return ErrInvalidTransition
	}

	now := time.Now()
	esc.Status = EscrowReleased
	esc.ReleasedAt = &now
	o.Status = OrderReleased
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SettleRefund(ctx context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc := m.escrowByOrder(orderID)
	if esc == nil {
		return ErrEscrowNotFound
	}
	if esc.Status == EscrowRefunded {
		return nil
	}
	if !CanTransitionEscrow(esc.Status, EscrowRefunded) {
		return ErrInvalidTransition
	}

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, OrderRefunded) {
		return ErrInvalidTransition
	}

	p, ok := m.payments[esc.PaymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != PaymentRefunded && !CanTransitionPayment(p.Status, PaymentRefunded) {
		return ErrInvalidTransition
	}

	now := time.Now()
	p.Status = PaymentRefunded
	p.UpdatedAt = now
	esc.Status = EscrowRefunded
	esc.ReleasedAt = &now
	esc.Notes = reason
	o.Status = OrderRefunded
	o.UpdatedAt = now
	return nil
}

// --- Escrows ---

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.escrowByOrder(orderID)
	if e == nil {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != EscrowHeld || e.AutoReleaseAt == nil {
			continue
		}
		if !e.AutoReleaseAt.Before(before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// escrowByOrder returns the live escrow record for an order.
// Caller must hold m.mu.
func (m *MemoryStore) escrowByOrder(orderID string) *Escrow {
	for _, e := range m.escrows {
		if e.OrderID == orderID {
			return e
		}
	}
	return nil
}

// --- Deliveries ---

func (m *MemoryStore) GetDelivery(ctx context.Context, orderID string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.delivers[orderID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

// --- Disputes ---

func (m *MemoryStore) OpenDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[d.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	for _, existing := range m.disputes {
		if existing.OrderID == d.OrderID && (existing.Status == DisputeOpen || existing.Status == DisputeInReview) {
			return ErrDisputeOpen
		}
	}
	if !CanTransition(o.Status, OrderDisputed) {
		return ErrInvalidTransition
	}

	cp := *d
	m.disputes[d.ID] = &cp
	o.Status = OrderDisputed
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.OrderID == orderID && (d.Status == DisputeOpen || d.Status == DisputeInReview) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) AddDisputeMessage(ctx context.Context, msg *DisputeMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[msg.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[disputeID]
	result := make([]*DisputeMessage, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, disputeID, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status == DisputeResolved || d.Status == DisputeClosed {
		return ErrInvalidTransition
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	d.UpdatedAt = now
	return nil
}

// --- Events ---

func (m *MemoryStore) RecordEvent(ctx context.Context, e *IngestedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.Provider + "/" + e.EventID
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	cp := *e
	m.events[key] = &cp
	m.eventList = append(m.eventList, &cp)
	return true, nil
}

func (m *MemoryStore) GetEventOutcome(ctx context.Context, provider, eventID string) (EventOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[provider+"/"+eventID]
	if !ok {
		return "", ErrEventNotFound
	}
	return e.Outcome, nil
}

func (m *MemoryStore) UpdateEventOutcome(ctx context.Context, provider, eventID string, outcome EventOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[provider+"/"+eventID]
	if !ok {
		return ErrEventNotFound
	}
	e.Outcome = outcome
	return nil
}

// --- copies ---

func copyOrder(o *Order) *Order {
	cp := *o
	if o.Items != nil {
		cp.Items = make([]OrderItem, len(o.Items))
		copy(cp.Items, o.Items)
	}
	return &cp
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
