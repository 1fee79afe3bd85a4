package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallwise/paycore/internal/escrow"
	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/provider"
)

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore, *escrow.Controller) {
	t.Helper()
	store := ledger.NewMemoryStore()
	ctl := escrow.NewController(store, provider.NewRegistry(provider.NewMock()), escrow.Options{})
	return NewService(store, ctl), store, ctl
}

func seedProduct(t *testing.T, store *ledger.MemoryStore, shopID, priceFiat, priceCoin string, stock int64, digital bool) *ledger.Product {
	t.Helper()
	now := time.Now()
	p := &ledger.Product{
		ID: idgen.WithPrefix("prd_"), ShopID: shopID,
		Title: "Widget", PriceFiat: priceFiat, PriceCoin: priceCoin,
		Stock: stock, Digital: digital, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateProduct(context.Background(), p))
	return p
}

func TestCreate_Totals(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	a := seedProduct(t, store, "shop-1", "19.99", "5.000000", 10, false)
	b := seedProduct(t, store, "shop-1", "5.00", "1.250000", 10, true)

	o, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer-1",
		Items: []ItemRequest{
			{ProductID: a.ID, Quantity: 2},
			{ProductID: b.ID, Quantity: 1},
		},
		ShippingAddr: "1 Main St",
	})
	require.NoError(t, err)

	assert.Equal(t, "44.98", o.TotalFiat)
	assert.Equal(t, "11.250000", o.TotalCoin)
	assert.Equal(t, ledger.CurrencyMixed, o.CurrencyMode)
	assert.Equal(t, ledger.OrderPendingPayment, o.Status)
	assert.Contains(t, o.Number, "ORD-")
	assert.Equal(t, "39.98", o.Items[0].SubtotalFiat)

	// Physical cart gets a delivery row.
	d, err := store.GetDelivery(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DeliveryPending, d.Status)

	// Stock is reserved.
	got, err := store.GetProduct(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Stock)
}

func TestCreate_MultiShopRejected(t *testing.T) {
	svc, store, _ := newTestService(t)

	a := seedProduct(t, store, "shop-1", "19.99", "0", 10, true)
	b := seedProduct(t, store, "shop-2", "5.00", "0", 10, true)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer-1",
		Items: []ItemRequest{
			{ProductID: a.ID, Quantity: 1},
			{ProductID: b.ID, Quantity: 1},
		},
	})
	assert.ErrorIs(t, err, ledger.ErrMultiShop)
}

func TestCreate_Validation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	prod := seedProduct(t, store, "shop-1", "19.99", "0", 10, false)

	_, err := svc.Create(ctx, CreateRequest{BuyerID: "buyer-1"})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = svc.Create(ctx, CreateRequest{
		BuyerID: "buyer-1",
		Items:   []ItemRequest{{ProductID: prod.ID, Quantity: 0}},
	})
	assert.ErrorIs(t, err, ErrBadQuantity)

	// Physical item, no shipping address.
	_, err = svc.Create(ctx, CreateRequest{
		BuyerID: "buyer-1",
		Items:   []ItemRequest{{ProductID: prod.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrAddressRequired)

	_, err = svc.Create(ctx, CreateRequest{
		BuyerID: "buyer-1",
		Items:   []ItemRequest{{ProductID: "prd_missing", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestCreate_InsufficientStock(t *testing.T) {
	svc, store, _ := newTestService(t)
	prod := seedProduct(t, store, "shop-1", "19.99", "0", 1, false)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:      "buyer-1",
		Items:        []ItemRequest{{ProductID: prod.ID, Quantity: 2}},
		ShippingAddr: "1 Main St",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	got, err := store.GetProduct(context.Background(), prod.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Stock)
}

func TestCreate_DigitalIgnoresStock(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	zero := seedProduct(t, store, "shop-1", "9.99", "0", 0, true)
	some := seedProduct(t, store, "shop-1", "5.00", "0", 5, true)

	o, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer-1",
		Items: []ItemRequest{
			{ProductID: zero.ID, Quantity: 1},
			{ProductID: some.ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "19.99", o.TotalFiat)

	// Digital inventory is never consumed.
	got, err := store.GetProduct(ctx, some.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Stock)
}

func TestCreate_InactiveProduct(t *testing.T) {
	svc, store, _ := newTestService(t)
	prod := seedProduct(t, store, "shop-1", "19.99", "0", 10, true)
	prod.Active = false
	require.NoError(t, store.CreateProduct(context.Background(), prod))

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer-1",
		Items:   []ItemRequest{{ProductID: prod.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrInactiveProduct)
}

// paidPhysicalOrder checks out a physical cart and settles its payment.
func paidPhysicalOrder(t *testing.T, svc *Service, store *ledger.MemoryStore, ctl *escrow.Controller) *ledger.Order {
	t.Helper()
	ctx := context.Background()
	prod := seedProduct(t, store, "shop-1", "19.99", "0", 10, false)
	o, err := svc.Create(ctx, CreateRequest{
		BuyerID:      "buyer-1",
		Items:        []ItemRequest{{ProductID: prod.ID, Quantity: 1}},
		ShippingAddr: "1 Main St",
	})
	require.NoError(t, err)
	pay, err := ctl.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	require.NoError(t, ctl.OnPaymentSucceeded(ctx, pay.ID))
	return o
}

func TestMarkShipped(t *testing.T) {
	svc, store, ctl := newTestService(t)
	ctx := context.Background()
	o := paidPhysicalOrder(t, svc, store, ctl)

	err := svc.MarkShipped(ctx, o.ID, ShipRequest{ShopID: "shop-2", TrackingNumber: "TRK1", Carrier: "UPS"})
	assert.ErrorIs(t, err, ErrNotSeller)

	require.NoError(t, svc.MarkShipped(ctx, o.ID, ShipRequest{ShopID: "shop-1", TrackingNumber: "TRK1", Carrier: "UPS"}))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderShipped, got.Status)

	d, err := store.GetDelivery(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "TRK1", d.TrackingNumber)
}

func TestMarkShipped_BeforePayment(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	prod := seedProduct(t, store, "shop-1", "19.99", "0", 10, false)
	o, err := svc.Create(ctx, CreateRequest{
		BuyerID:      "buyer-1",
		Items:        []ItemRequest{{ProductID: prod.ID, Quantity: 1}},
		ShippingAddr: "1 Main St",
	})
	require.NoError(t, err)

	err = svc.MarkShipped(ctx, o.ID, ShipRequest{ShopID: "shop-1", TrackingNumber: "TRK1", Carrier: "UPS"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestMarkShipped_DisputeBlocks(t *testing.T) {
	svc, store, ctl := newTestService(t)
	ctx := context.Background()
	o := paidPhysicalOrder(t, svc, store, ctl)

	d := &ledger.Dispute{
		ID: idgen.WithPrefix("dsp_"), OrderID: o.ID,
		RaisedBy: "buyer-1", Reason: "changed my mind",
		Status: ledger.DisputeOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.OpenDispute(ctx, d))

	err := svc.MarkShipped(ctx, o.ID, ShipRequest{ShopID: "shop-1", TrackingNumber: "TRK1", Carrier: "UPS"})
	assert.ErrorIs(t, err, ledger.ErrDisputeOpen)
}

func TestConfirmDelivery(t *testing.T) {
	svc, store, ctl := newTestService(t)
	ctx := context.Background()
	o := paidPhysicalOrder(t, svc, store, ctl)
	require.NoError(t, svc.MarkShipped(ctx, o.ID, ShipRequest{ShopID: "shop-1", TrackingNumber: "TRK1", Carrier: "UPS"}))

	assert.ErrorIs(t, svc.ConfirmDelivery(ctx, o.ID, "buyer-2"), ErrNotBuyer)

	require.NoError(t, svc.ConfirmDelivery(ctx, o.ID, "buyer-1"))

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderReleased, got.Status)

	esc, err := store.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, esc.Status)
}

func TestConfirmDelivery_RequiresShipped(t *testing.T) {
	svc, store, ctl := newTestService(t)
	o := paidPhysicalOrder(t, svc, store, ctl)

	err := svc.ConfirmDelivery(context.Background(), o.ID, "buyer-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
