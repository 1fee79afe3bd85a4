package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/pagination"
)

func seedProduct(t *testing.T, s *MemoryStore, id, shop string, stock int64, digital bool) *Product {
	t.Helper()
	now := time.Now()
	p := &Product{
		ID: id, ShopID: shop, Title: "Widget " + id,
		PriceFiat: "19.99", PriceCoin: "5.000000",
		Digital: digital, Stock: stock, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return p
}

func seedOrder(t *testing.T, s *MemoryStore, buyer string, items []OrderItem, physical bool) *Order {
	t.Helper()
	now := time.Now()
	o := &Order{
		ID:           idgen.WithPrefix("ord_"),
		Number:       idgen.OrderNumber(),
		BuyerID:      buyer,
		ShopID:       "shop-1",
		Items:        items,
		TotalFiat:    "19.99",
		TotalCoin:    "5.000000",
		CurrencyMode: CurrencyFiat,
		Status:       OrderPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var d *Delivery
	if physical {
		o.ShippingAddr = "1 Main St"
		d = &Delivery{OrderID: o.ID, Status: DeliveryPending, ShippingAddr: o.ShippingAddr}
	}
	if err := s.CreateOrder(context.Background(), o, d); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func seedPayment(t *testing.T, s *MemoryStore, orderID string) *Payment {
	t.Helper()
	now := time.Now()
	p := &Payment{
		ID:           idgen.WithPrefix("pay_"),
		OrderID:      orderID,
		Provider:     "mock",
		ExternalID:   "mk_" + orderID,
		AmountFiat:   "19.99",
		AmountCoin:   "0",
		CurrencyMode: CurrencyFiat,
		Status:       PaymentPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

func settle(t *testing.T, s *MemoryStore, paymentID string) *Escrow {
	t.Helper()
	deadline := time.Now().Add(168 * time.Hour)
	esc := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		Status:        EscrowHeld,
		HeldAt:        time.Now(),
		AutoReleaseAt: &deadline,
	}
	created, err := s.SettlePaymentSucceeded(context.Background(), paymentID, esc)
	if err != nil {
		t.Fatalf("SettlePaymentSucceeded: %v", err)
	}
	if !created {
		t.Fatal("expected escrow to be created")
	}
	return esc
}

func item(productID string, qty int64, digital bool) OrderItem {
	return OrderItem{
		ProductID: productID, Title: "Widget", Quantity: qty,
		UnitFiat: "19.99", UnitCoin: "5.000000",
		SubtotalFiat: "19.99", SubtotalCoin: "5.000000",
		Digital: digital,
	}
}

func TestCreateOrder_DecrementsStock(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)

	seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 2, false)}, true)

	p, err := s.GetProduct(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 3 {
		t.Errorf("expected stock 3, got %d", p.Stock)
	}
}

func TestCreateOrder_DigitalItemsSkipStock(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-dl", "shop-1", 0, true)

	seedOrder(t, s, "buyer-1", []OrderItem{item("prod-dl", 2, true)}, false)

	p, err := s.GetProduct(context.Background(), "prod-dl")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 0 {
		t.Errorf("expected stock untouched at 0, got %d", p.Stock)
	}
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 1, false)
	seedProduct(t, s, "prod-2", "shop-1", 10, false)

	now := time.Now()
	o := &Order{
		ID: idgen.WithPrefix("ord_"), Number: idgen.OrderNumber(),
		BuyerID: "buyer-1", ShopID: "shop-1",
		Items:     []OrderItem{item("prod-2", 3, false), item("prod-1", 2, false)},
		Status:    OrderPendingPayment,
		CreatedAt: now, UpdatedAt: now,
	}
	err := s.CreateOrder(context.Background(), o, nil)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// Nothing changed: the first item's stock must not have been taken.
	p2, _ := s.GetProduct(context.Background(), "prod-2")
	if p2.Stock != 10 {
		t.Errorf("expected stock 10 untouched, got %d", p2.Stock)
	}
	if _, err := s.GetOrder(context.Background(), o.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected order to not exist, got %v", err)
	}
}

func TestSettlePaymentSucceeded_Atomic(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)

	esc := settle(t, s, pay.ID)

	got, err := s.GetPayment(context.Background(), pay.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != PaymentSucceeded {
		t.Errorf("expected payment succeeded, got %s", got.Status)
	}
	if got.SucceededAt == nil {
		t.Error("expected succeeded_at to be set")
	}

	order, _ := s.GetOrder(context.Background(), o.ID)
	if order.Status != OrderPaidInEscrow {
		t.Errorf("expected order paid_in_escrow, got %s", order.Status)
	}
	if order.PaidAt == nil {
		t.Error("expected paid_at to be set")
	}

	e, err := s.GetEscrowByOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("GetEscrowByOrder: %v", err)
	}
	if e.ID != esc.ID || e.Status != EscrowHeld {
		t.Errorf("unexpected escrow %+v", e)
	}
}

func TestSettlePaymentSucceeded_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)
	settle(t, s, pay.ID)

	// Redelivered webhook settles again: no error, no second escrow.
	deadline := time.Now().Add(time.Hour)
	created, err := s.SettlePaymentSucceeded(context.Background(), pay.ID, &Escrow{
		ID: idgen.WithPrefix("esc_"), Status: EscrowHeld, HeldAt: time.Now(), AutoReleaseAt: &deadline,
	})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if created {
		t.Error("expected created=false on redelivery")
	}
}

func TestSettlePaymentFailed_CancelsOrder(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)

	if err := s.SettlePaymentFailed(context.Background(), pay.ID); err != nil {
		t.Fatalf("SettlePaymentFailed: %v", err)
	}

	order, _ := s.GetOrder(context.Background(), o.ID)
	if order.Status != OrderCancelled {
		t.Errorf("expected cancelled, got %s", order.Status)
	}

	// Idempotent on redelivery.
	if err := s.SettlePaymentFailed(context.Background(), pay.ID); err != nil {
		t.Errorf("repeat settle should be a no-op, got %v", err)
	}
}

func TestSettlePaymentFailed_AfterSuccessRejected(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)
	settle(t, s, pay.ID)

	err := s.SettlePaymentFailed(context.Background(), pay.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Success state untouched.
	got, _ := s.GetPayment(context.Background(), pay.ID)
	if got.Status != PaymentSucceeded {
		t.Errorf("payment status regressed to %s", got.Status)
	}
}

func TestSettleRelease_FullPath(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)
	settle(t, s, pay.ID)

	if err := s.MarkShipped(context.Background(), o.ID, "TRK123", "UPS"); err != nil {
		t.Fatalf("MarkShipped: %v", err)
	}
	if err := s.MarkDelivered(context.Background(), o.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := s.SettleRelease(context.Background(), o.ID); err != nil {
		t.Fatalf("SettleRelease: %v", err)
	}

	order, _ := s.GetOrder(context.Background(), o.ID)
	if order.Status != OrderReleased {
		t.Errorf("expected released, got %s", order.Status)
	}
	e, _ := s.GetEscrowByOrder(context.Background(), o.ID)
	if e.Status != EscrowReleased || e.ReleasedAt == nil {
		t.Errorf("unexpected escrow %+v", e)
	}

	// Releasing again is a no-op, not an error.
	if err := s.SettleRelease(context.Background(), o.ID); err != nil {
		t.Errorf("repeat release should be a no-op, got %v", err)
	}

	d, _ := s.GetDelivery(context.Background(), o.ID)
	if d.Status != DeliveryDelivered || d.TrackingNumber != "TRK123" {
		t.Errorf("unexpected delivery %+v", d)
	}
}

func TestMarkShipped_RequiresPaidInEscrow(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)

	err := s.MarkShipped(context.Background(), o.ID, "TRK123", "UPS")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before payment, got %v", err)
	}
}

func TestSettleRefund(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)
	settle(t, s, pay.ID)

	if err := s.SettleRefund(context.Background(), o.ID, "buyer request"); err != nil {
		t.Fatalf("SettleRefund: %v", err)
	}

	order, _ := s.GetOrder(context.Background(), o.ID)
	if order.Status != OrderRefunded {
		t.Errorf("expected refunded, got %s", order.Status)
	}
	p, _ := s.GetPayment(context.Background(), pay.ID)
	if p.Status != PaymentRefunded {
		t.Errorf("expected payment refunded, got %s", p.Status)
	}
	e, _ := s.GetEscrowByOrder(context.Background(), o.ID)
	if e.Status != EscrowRefunded || e.Notes != "buyer request" {
		t.Errorf("unexpected escrow %+v", e)
	}

	// Idempotent.
	if err := s.SettleRefund(context.Background(), o.ID, "again"); err != nil {
		t.Errorf("repeat refund should be a no-op, got %v", err)
	}

	// Released funds cannot then be refunded.
	if err := s.SettleRelease(context.Background(), o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition releasing refunded escrow, got %v", err)
	}
}

func TestOpenDispute(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)
	settle(t, s, pay.ID)

	now := time.Now()
	d := &Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID, RaisedBy: "buyer-1",
		Reason: "not as described", Status: DisputeOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.OpenDispute(context.Background(), d); err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}

	order, _ := s.GetOrder(context.Background(), o.ID)
	if order.Status != OrderDisputed {
		t.Errorf("expected disputed, got %s", order.Status)
	}

	// Second open dispute rejected.
	d2 := &Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID, RaisedBy: "seller-1",
		Reason: "counter", Status: DisputeOpen, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.OpenDispute(context.Background(), d2); !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}

	// Thread + resolution.
	msg := &DisputeMessage{
		ID: idgen.WithPrefix("evt_"), DisputeID: d.ID,
		Sender: "buyer-1", Body: "item arrived broken", CreatedAt: now,
	}
	if err := s.AddDisputeMessage(context.Background(), msg); err != nil {
		t.Fatalf("AddDisputeMessage: %v", err)
	}
	msgs, err := s.ListDisputeMessages(context.Background(), d.ID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListDisputeMessages: %v (%d msgs)", err, len(msgs))
	}

	if err := s.ResolveDispute(context.Background(), d.ID, "refund"); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ := s.GetDispute(context.Background(), d.ID)
	if got.Status != DisputeResolved || got.Resolution != "refund" {
		t.Errorf("unexpected dispute %+v", got)
	}
	if err := s.ResolveDispute(context.Background(), d.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resolving twice, got %v", err)
	}
}

func TestOpenDispute_RequiresEscrowState(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)

	now := time.Now()
	d := &Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID, RaisedBy: "buyer-1",
		Reason: "too early", Status: DisputeOpen, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.OpenDispute(context.Background(), d); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before escrow, got %v", err)
	}
}

func TestRecordEvent_Dedupe(t *testing.T) {
	s := NewMemoryStore()

	e := &IngestedEvent{
		ID: idgen.WithPrefix("evt_"), Provider: "stripe", EventID: "evt_stripe_1",
		Kind: "succeeded", ExternalID: "pi_123", Outcome: EventApplied, ReceivedAt: time.Now(),
	}
	fresh, err := s.RecordEvent(context.Background(), e)
	if err != nil || !fresh {
		t.Fatalf("first RecordEvent: fresh=%v err=%v", fresh, err)
	}

	dup := *e
	dup.ID = idgen.WithPrefix("evt_")
	fresh, err = s.RecordEvent(context.Background(), &dup)
	if err != nil {
		t.Fatalf("duplicate RecordEvent: %v", err)
	}
	if fresh {
		t.Error("expected duplicate to be detected")
	}

	// Same event ID from a different provider is a distinct event.
	other := *e
	other.ID = idgen.WithPrefix("evt_")
	other.Provider = "chain"
	fresh, err = s.RecordEvent(context.Background(), &other)
	if err != nil || !fresh {
		t.Errorf("cross-provider event should be fresh: fresh=%v err=%v", fresh, err)
	}
}

func TestEventOutcomeUpgrade(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := &IngestedEvent{
		ID: idgen.WithPrefix("evt_"), Provider: "stripe", EventID: "evt_stripe_1",
		Kind: "succeeded", ExternalID: "pi_123", Outcome: EventPending, ReceivedAt: time.Now(),
	}
	if _, err := s.RecordEvent(ctx, e); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	got, err := s.GetEventOutcome(ctx, "stripe", "evt_stripe_1")
	if err != nil || got != EventPending {
		t.Fatalf("GetEventOutcome: %v %v", got, err)
	}

	if err := s.UpdateEventOutcome(ctx, "stripe", "evt_stripe_1", EventApplied); err != nil {
		t.Fatalf("UpdateEventOutcome: %v", err)
	}
	got, _ = s.GetEventOutcome(ctx, "stripe", "evt_stripe_1")
	if got != EventApplied {
		t.Errorf("expected applied, got %v", got)
	}

	if err := s.UpdateEventOutcome(ctx, "stripe", "nope", EventApplied); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestListPendingPayments_Window(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 10, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)

	old := seedPayment(t, s, o.ID)
	s.mu.Lock()
	s.payments[old.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	recent := seedPayment(t, s, o.ID)

	pending, err := s.ListPendingPayments(context.Background(), time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("ListPendingPayments: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != recent.ID {
		t.Errorf("expected only the recent payment, got %d", len(pending))
	}
}

func TestListReleasableEscrows(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 10, false)

	o1 := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	p1 := seedPayment(t, s, o1.ID)
	e1 := settle(t, s, p1.ID)
	past := time.Now().Add(-time.Hour)
	s.mu.Lock()
	s.escrows[e1.ID].AutoReleaseAt = &past
	s.mu.Unlock()

	o2 := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	p2 := seedPayment(t, s, o2.ID)
	settle(t, s, p2.ID) // deadline still in the future

	due, err := s.ListReleasableEscrows(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("ListReleasableEscrows: %v", err)
	}
	if len(due) != 1 || due[0].ID != e1.ID {
		t.Errorf("expected only the overdue escrow, got %d", len(due))
	}
}

func TestListOrdersByBuyer_Pagination(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 100, false)

	var ids []string
	for i := 0; i < 5; i++ {
		o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, false)
		s.mu.Lock()
		s.orders[o.ID].CreatedAt = time.Date(2026, 3, 1+i, 0, 0, 0, 0, time.UTC)
		s.mu.Unlock()
		ids = append(ids, o.ID)
	}
	seedOrder(t, s, "buyer-2", []OrderItem{item("prod-1", 1, false)}, false)

	page1, err := s.ListOrdersByBuyer(context.Background(), "buyer-1", nil, 3)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(page1))
	}
	// Newest first.
	if page1[0].ID != ids[4] {
		t.Errorf("expected newest order first")
	}

	last := page1[len(page1)-1]
	page2, err := s.ListOrdersByBuyer(context.Background(), "buyer-1",
		&pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 3)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 orders on page 2, got %d", len(page2))
	}
	seen := map[string]bool{}
	for _, o := range append(page1, page2...) {
		if seen[o.ID] {
			t.Errorf("order %s returned twice", o.ID)
		}
		seen[o.ID] = true
	}
}

func TestGetPaymentByProviderRef(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)
	pay := seedPayment(t, s, o.ID)

	got, err := s.GetPaymentByProviderRef(context.Background(), "mock", pay.ExternalID)
	if err != nil {
		t.Fatalf("GetPaymentByProviderRef: %v", err)
	}
	if got.ID != pay.ID {
		t.Errorf("expected %s, got %s", pay.ID, got.ID)
	}

	if _, err := s.GetPaymentByProviderRef(context.Background(), "stripe", pay.ExternalID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound for wrong provider, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item("prod-1", 1, false)}, true)

	got, _ := s.GetOrder(context.Background(), o.ID)
	got.Status = OrderReleased
	got.Items[0].Quantity = 999

	again, _ := s.GetOrder(context.Background(), o.ID)
	if again.Status != OrderPendingPayment {
		t.Error("mutating a returned order leaked into the store")
	}
	if again.Items[0].Quantity != 1 {
		t.Error("mutating returned items leaked into the store")
	}
}

func TestCreatePayment_MovesOrderToPendingPayment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	prod := seedProduct(t, s, "prod-1", "shop-1", 5, false)

	now := time.Now()
	o := &Order{
		ID: idgen.WithPrefix("ord_"), Number: idgen.OrderNumber(),
		BuyerID: "buyer-1", ShopID: "shop-1",
		Items:     []OrderItem{item(prod.ID, 1, false)},
		TotalFiat: "19.99", TotalCoin: "0",
		CurrencyMode: CurrencyFiat, Status: OrderCreated,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateOrder(ctx, o, nil); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	seedPayment(t, s, o.ID)

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != OrderPendingPayment {
		t.Errorf("order status = %s, want %s", got.Status, OrderPendingPayment)
	}
}

func TestCreatePayment_RejectsSettledOrder(t *testing.T) {
	s := NewMemoryStore()
	prod := seedProduct(t, s, "prod-1", "shop-1", 5, false)
	o := seedOrder(t, s, "buyer-1", []OrderItem{item(prod.ID, 1, false)}, false)
	p := seedPayment(t, s, o.ID)
	settle(t, s, p.ID)

	dup := &Payment{
		ID: idgen.WithPrefix("pay_"), OrderID: o.ID,
		Provider: "mock", AmountFiat: "19.99", AmountCoin: "0",
		CurrencyMode: CurrencyFiat, Status: PaymentPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.CreatePayment(context.Background(), dup); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CreatePayment on paid order = %v, want ErrInvalidTransition", err)
	}

	orphan := &Payment{
		ID: idgen.WithPrefix("pay_"), OrderID: "ord_missing",
		Provider: "mock", Status: PaymentPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.CreatePayment(context.Background(), orphan); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("CreatePayment on missing order = %v, want ErrOrderNotFound", err)
	}
}
