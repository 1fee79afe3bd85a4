package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/notify"
	"github.com/stallwise/paycore/internal/provider"
	"github.com/stallwise/paycore/internal/retry"
)

func newTestController(t *testing.T) (*Controller, *ledger.MemoryStore, *provider.Mock) {
	t.Helper()
	store := ledger.NewMemoryStore()
	mock := provider.NewMock()
	ctl := NewController(store, provider.NewRegistry(mock), Options{
		HoldPeriod:      time.Hour,
		ReconcileWindow: time.Hour,
		ProviderTimeout: time.Second,
	})
	return ctl, store, mock
}

func seedOrder(t *testing.T, store *ledger.MemoryStore, digital bool) *ledger.Order {
	t.Helper()
	ctx := context.Background()

	prod := &ledger.Product{
		ID: idgen.WithPrefix("prd_"), ShopID: "shop-1",
		Title: "Widget", PriceFiat: "19.99", PriceCoin: "5.000000",
		Stock: 10, Digital: digital,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateProduct(ctx, prod))

	now := time.Now()
	o := &ledger.Order{
		ID: idgen.WithPrefix("ord_"), Number: idgen.OrderNumber(),
		BuyerID: "buyer-1", ShopID: "shop-1",
		Items: []ledger.OrderItem{{
			ProductID: prod.ID, Title: prod.Title, Quantity: 1,
			UnitFiat: "19.99", UnitCoin: "5.000000",
			SubtotalFiat: "19.99", SubtotalCoin: "5.000000",
			Digital: digital,
		}},
		TotalFiat: "19.99", TotalCoin: "5.000000",
		CurrencyMode: ledger.CurrencyFiat, Status: ledger.OrderCreated,
		CreatedAt: now, UpdatedAt: now,
	}
	var d *ledger.Delivery
	if !digital {
		o.ShippingAddr = "1 Main St"
		d = &ledger.Delivery{OrderID: o.ID, Status: ledger.DeliveryPending, ShippingAddr: o.ShippingAddr}
	}
	require.NoError(t, store.CreateOrder(ctx, o, d))
	return o
}

// paidOrder seeds an order, initiates and settles its payment.
func paidOrder(t *testing.T, ctl *Controller, store *ledger.MemoryStore, digital bool) (*ledger.Order, *ledger.Payment) {
	t.Helper()
	ctx := context.Background()
	o := seedOrder(t, store, digital)
	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	require.NoError(t, ctl.OnPaymentSucceeded(ctx, pay.ID))
	return o, pay
}

func TestInitiatePayment(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o := seedOrder(t, store, false)

	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, pay.Status)
	assert.NotEmpty(t, pay.ExternalID)
	assert.NotEmpty(t, pay.Metadata["confirmation_target"])

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPendingPayment, got.Status)

	// A second initiate returns the live payment instead of opening
	// another one.
	again, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	assert.Equal(t, pay.ID, again.ID)
}

func TestInitiatePayment_UnknownProvider(t *testing.T) {
	ctl, store, _ := newTestController(t)
	o := seedOrder(t, store, false)

	_, err := ctl.InitiatePayment(context.Background(), o.ID, "paypal")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestInitiatePayment_AfterFailure(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o := seedOrder(t, store, false)

	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	require.NoError(t, ctl.OnPaymentFailed(ctx, pay.ID))

	// The failed payment cancelled the order; no new payment opens.
	_, err = ctl.InitiatePayment(ctx, o.ID, "mock")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestOnPaymentSucceeded_HoldsEscrow(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)

	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, esc.Status)
	assert.Equal(t, pay.ID, esc.PaymentID)
	require.NotNil(t, esc.AutoReleaseAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *esc.AutoReleaseAt, time.Minute)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPaidInEscrow, got.Status)

	// Repeated settles are no-ops.
	require.NoError(t, ctl.OnPaymentSucceeded(ctx, pay.ID))
	again, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, esc.ID, again.ID)
}

func TestOnPaymentSucceeded_DigitalReleasesImmediately(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, true)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)

	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, esc.Status)

	_, captured := mock.Captured(pay.ExternalID)
	assert.True(t, captured)
}

func TestOnPaymentFailed_CancelsOrder(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o := seedOrder(t, store, false)

	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	require.NoError(t, ctl.OnPaymentFailed(ctx, pay.ID))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, got.Status)

	// Reserved stock stays consumed on cancellation.
	prod, err := store.GetProduct(ctx, o.Items[0].ProductID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), prod.Stock)

	// Repeat is a no-op.
	require.NoError(t, ctl.OnPaymentFailed(ctx, pay.ID))
}

func TestRelease_RequiresShipment(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, _ := paidOrder(t, ctl, store, false)

	err := ctl.Release(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotReleasable)

	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))
	require.NoError(t, ctl.Release(ctx, o.ID))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)

	// Releasing again is a no-op.
	require.NoError(t, ctl.Release(ctx, o.ID))
}

func TestRelease_BlockedByOpenDispute(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, _ := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "never arrived",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	assert.ErrorIs(t, ctl.Release(ctx, o.ID), ledger.ErrDisputeOpen)

	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, esc.Status)
}

func TestRefund(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)

	require.NoError(t, ctl.Refund(ctx, o.ID, "buyer cancelled"))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderRefunded, got.Status)

	_, refunded := mock.Refunded(pay.ExternalID)
	assert.True(t, refunded)

	// Repeat is a no-op.
	require.NoError(t, ctl.Refund(ctx, o.ID, "buyer cancelled"))
}

func TestRefund_ShippedOrderRejected(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, _ := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	assert.ErrorIs(t, ctl.Refund(ctx, o.ID, "too late"), ErrNotRefundable)
}

func TestResolveDispute_Release(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "damaged",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	require.NoError(t, ctl.ResolveDispute(ctx, d.ID, "release"))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)

	_, captured := mock.Captured(pay.ExternalID)
	assert.True(t, captured)
}

func TestResolveDispute_Refund(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "not as described",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	require.NoError(t, ctl.ResolveDispute(ctx, d.ID, "refund"))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderRefunded, got.Status)

	_, refunded := mock.Refunded(pay.ExternalID)
	assert.True(t, refunded)
}

func TestResolveDispute_RetryAfterProviderFailure(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "damaged",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	mock.CaptureErr = retry.Permanent(provider.ErrUnavailable)
	require.Error(t, ctl.ResolveDispute(ctx, d.ID, "release"))

	// The failed settle must leave the dispute open and the funds held.
	gotD, err := store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, gotD.Status)
	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, esc.Status)

	mock.CaptureErr = nil
	require.NoError(t, ctl.ResolveDispute(ctx, d.ID, "release"))

	gotD, err = store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, gotD.Status)
	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)
	_, captured := mock.Captured(pay.ExternalID)
	assert.True(t, captured)
}

func TestResolveDispute_UnknownResolution(t *testing.T) {
	ctl, _, _ := newTestController(t)
	assert.Error(t, ctl.ResolveDispute(context.Background(), "dsp_x", "split"))
}

func TestOnChargeRefunded_Partial(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)

	require.NoError(t, ctl.OnChargeRefunded(ctx, pay.ID, true, "goodwill"))

	got, err := store.GetPayment(ctx, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPartiallyRefunded, got.Status)

	// Escrow is untouched by a partial refund.
	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, esc.Status)
}

func TestOnChargeRefunded_Full(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctx := context.Background()
	o, pay := paidOrder(t, ctl, store, false)

	require.NoError(t, ctl.OnChargeRefunded(ctx, pay.ID, false, "provider refund"))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderRefunded, got.Status)
}

func TestReconcilePending(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o := seedOrder(t, store, false)

	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)

	mock.SetStatus(pay.ExternalID, provider.StatusSucceeded)
	require.NoError(t, ctl.ReconcilePending(ctx))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPaidInEscrow, got.Status)
}

func TestReconcilePending_Failed(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	o := seedOrder(t, store, false)

	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)

	mock.SetStatus(pay.ExternalID, provider.StatusFailed)
	require.NoError(t, ctl.ReconcilePending(ctx))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, got.Status)
}

func TestSweepAutoRelease(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctl.holdPeriod = -time.Minute // every new escrow is already past its deadline
	ctx := context.Background()

	shipped, _ := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, shipped.ID, "TRK123", "UPS"))

	unshipped, _ := paidOrder(t, ctl, store, false)

	require.NoError(t, ctl.SweepAutoRelease(ctx))

	got, err := store.GetOrder(ctx, shipped.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)

	got, err = store.GetOrder(ctx, unshipped.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPaidInEscrow, got.Status)
}

func TestSweepAutoRelease_SecondRunCapturesNothing(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctl.holdPeriod = -time.Minute
	ctx := context.Background()

	o, pay := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	require.NoError(t, ctl.SweepAutoRelease(ctx))
	require.NoError(t, ctl.SweepAutoRelease(ctx))

	assert.Equal(t, 1, mock.CaptureCalls(pay.ExternalID))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)
}

func TestSweepAutoRelease_SkipsDisputed(t *testing.T) {
	ctl, store, _ := newTestController(t)
	ctl.holdPeriod = -time.Minute
	ctx := context.Background()

	o, _ := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "wrong item",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	require.NoError(t, ctl.SweepAutoRelease(ctx))

	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, esc.Status)
}

func TestCircuitBreakerOpens(t *testing.T) {
	ctl, store, mock := newTestController(t)
	ctx := context.Background()
	// Permanent wrapping skips the retry backoff; unavailability still
	// counts against the breaker.
	mock.CreateErr = retry.Permanent(provider.ErrUnavailable)

	for i := 0; i < breakerThreshold; i++ {
		o := seedOrder(t, store, false)
		_, err := ctl.InitiatePayment(ctx, o.ID, "mock")
		require.ErrorIs(t, err, provider.ErrUnavailable)
	}

	o := seedOrder(t, store, false)
	_, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	assert.ErrorIs(t, err, ErrProviderDown)
}

type recordingSink struct {
	events []notify.Event
}

func (s *recordingSink) Notify(_ context.Context, e notify.Event) {
	s.events = append(s.events, e)
}

func TestNotifierFiresOnSettle(t *testing.T) {
	sink := &recordingSink{}
	store := ledger.NewMemoryStore()
	ctl := NewController(store, provider.NewRegistry(provider.NewMock()), Options{
		HoldPeriod:      time.Hour,
		ReconcileWindow: time.Hour,
		ProviderTimeout: time.Second,
		Notifier:        sink,
	})
	ctx := context.Background()

	o, pay := paidOrder(t, ctl, store, false)
	require.NoError(t, store.MarkShipped(ctx, o.ID, "TRK123", "UPS"))
	require.NoError(t, ctl.Release(ctx, o.ID))

	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.EventEscrowReleased, sink.events[0].Type)
	assert.Equal(t, o.ID, sink.events[0].Data["orderId"])
	assert.Equal(t, pay.ID, sink.events[0].Data["paymentId"])

	o2, _ := paidOrder(t, ctl, store, false)
	require.NoError(t, ctl.Refund(ctx, o2.ID, "buyer cancelled"))

	require.Len(t, sink.events, 2)
	assert.Equal(t, notify.EventEscrowRefunded, sink.events[1].Type)
}
