// Package order provides checkout and fulfillment on top of the ledger.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/logging"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/money"
	"github.com/stallwise/paycore/internal/pagination"
	"github.com/stallwise/paycore/internal/validation"
)

var (
	ErrEmptyCart       = errors.New("order must contain at least one item")
	ErrBadQuantity     = errors.New("item quantity must be positive")
	ErrInactiveProduct = errors.New("product is not available")
	ErrAddressRequired = errors.New("physical items require a shipping address")
	ErrNotBuyer        = errors.New("caller is not the order's buyer")
	ErrNotSeller       = errors.New("caller is not the order's seller")
	ErrBadPrice        = errors.New("product has an invalid price")
)

// Releaser triggers escrow release on delivery confirmation.
type Releaser interface {
	Release(ctx context.Context, orderID string) error
}

// Service implements checkout and fulfillment.
type Service struct {
	store    ledger.Store
	releaser Releaser
}

// NewService creates an order service.
func NewService(store ledger.Store, releaser Releaser) *Service {
	return &Service{store: store, releaser: releaser}
}

// ItemRequest is one cart line at checkout.
type ItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
}

// CreateRequest contains the checkout parameters.
type CreateRequest struct {
	BuyerID      string        `json:"buyerId" binding:"required"`
	Items        []ItemRequest `json:"items" binding:"required"`
	ShippingAddr string        `json:"shippingAddr"`
	Lat          *float64      `json:"lat"`
	Lng          *float64      `json:"lng"`
	Notes        string        `json:"notes"`
}

// ShipRequest contains the seller's tracking info.
type ShipRequest struct {
	ShopID         string `json:"shopId" binding:"required"`
	TrackingNumber string `json:"trackingNumber" binding:"required"`
	Carrier        string `json:"carrier" binding:"required"`
}

// Create runs checkout: every item's product is loaded, prices are
// frozen into the order lines, totals are summed, and the order is
// inserted with its stock reservation in one transaction. All items
// must belong to the same shop.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyCart
	}

	var (
		shopID     string
		items      []ledger.OrderItem
		fiatTotals []*big.Int
		coinTotals []*big.Int
		physical   bool
	)
	for _, ir := range req.Items {
		if ir.Quantity <= 0 {
			return nil, ErrBadQuantity
		}
		prod, err := s.store.GetProduct(ctx, ir.ProductID)
		if err != nil {
			return nil, err
		}
		if !prod.Active {
			return nil, fmt.Errorf("%w: %s", ErrInactiveProduct, prod.ID)
		}
		if shopID == "" {
			shopID = prod.ShopID
		} else if prod.ShopID != shopID {
			return nil, ledger.ErrMultiShop
		}

		unitFiat, ok := money.ParseFiat(prod.PriceFiat)
		if !ok {
			return nil, fmt.Errorf("%w: %s fiat %q", ErrBadPrice, prod.ID, prod.PriceFiat)
		}
		unitCoin, ok := money.ParseCoin(prod.PriceCoin)
		if !ok {
			return nil, fmt.Errorf("%w: %s coin %q", ErrBadPrice, prod.ID, prod.PriceCoin)
		}
		subFiat := money.MulQty(unitFiat, ir.Quantity)
		subCoin := money.MulQty(unitCoin, ir.Quantity)
		fiatTotals = append(fiatTotals, subFiat)
		coinTotals = append(coinTotals, subCoin)

		if !prod.Digital {
			physical = true
		}
		items = append(items, ledger.OrderItem{
			ProductID:    prod.ID,
			Title:        prod.Title,
			Quantity:     int64(ir.Quantity),
			UnitFiat:     prod.PriceFiat,
			UnitCoin:     prod.PriceCoin,
			SubtotalFiat: money.FormatFiat(subFiat),
			SubtotalCoin: money.FormatCoin(subCoin),
			Digital:      prod.Digital,
		})
	}

	if physical && strings.TrimSpace(req.ShippingAddr) == "" {
		return nil, ErrAddressRequired
	}

	totalFiat := money.Sum(fiatTotals...)
	totalCoin := money.Sum(coinTotals...)

	now := time.Now()
	o := &ledger.Order{
		ID:           idgen.WithPrefix("ord_"),
		Number:       idgen.OrderNumber(),
		BuyerID:      req.BuyerID,
		ShopID:       shopID,
		Items:        items,
		TotalFiat:    money.FormatFiat(totalFiat),
		TotalCoin:    money.FormatCoin(totalCoin),
		CurrencyMode: currencyMode(totalFiat, totalCoin),
		Status:       ledger.OrderPendingPayment,
		ShippingAddr: req.ShippingAddr,
		Lat:          req.Lat,
		Lng:          req.Lng,
		Notes:        validation.SanitizeString(req.Notes, 2000),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var d *ledger.Delivery
	if physical {
		d = &ledger.Delivery{
			OrderID:      o.ID,
			Status:       ledger.DeliveryPending,
			ShippingAddr: req.ShippingAddr,
		}
	}

	if err := s.store.CreateOrder(ctx, o, d); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
	logging.L(ctx).Info("order created",
		"orderId", o.ID, "number", o.Number, "buyerId", o.BuyerID,
		"shopId", o.ShopID, "items", len(items), "totalFiat", o.TotalFiat)
	return o, nil
}

// currencyMode classifies the order by which totals are non-zero.
func currencyMode(fiat, coin *big.Int) ledger.CurrencyMode {
	switch {
	case fiat.Sign() > 0 && coin.Sign() > 0:
		return ledger.CurrencyMixed
	case coin.Sign() > 0:
		return ledger.CurrencyCoin
	default:
		return ledger.CurrencyFiat
	}
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListByBuyer returns a page of the buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, cursor *pagination.Cursor, limit int) ([]*ledger.Order, error) {
	return s.store.ListOrdersByBuyer(ctx, buyerID, cursor, limit)
}

// MarkShipped records the seller's tracking info and moves the order to
// shipped. Digital-only orders have nothing to ship.
func (s *Service) MarkShipped(ctx context.Context, orderID string, req ShipRequest) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.ShopID != req.ShopID {
		return ErrNotSeller
	}
	if !o.HasPhysical() {
		return ledger.ErrInvalidTransition
	}
	if _, err := s.store.GetOpenDisputeByOrder(ctx, orderID); err == nil {
		return ledger.ErrDisputeOpen
	} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
		return err
	}

	if err := s.store.MarkShipped(ctx, orderID, req.TrackingNumber, req.Carrier); err != nil {
		return err
	}
	metrics.OrdersTotal.WithLabelValues(string(ledger.OrderShipped)).Inc()
	logging.L(ctx).Info("order shipped",
		"orderId", orderID, "tracking", req.TrackingNumber, "carrier", req.Carrier)
	return nil
}

// ConfirmDelivery is the buyer's acknowledgement. The order moves to
// delivered and the escrow releases to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, buyerID string) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != buyerID {
		return ErrNotBuyer
	}

	if err := s.store.MarkDelivered(ctx, orderID); err != nil {
		return err
	}
	metrics.OrdersTotal.WithLabelValues(string(ledger.OrderDelivered)).Inc()

	if err := s.releaser.Release(ctx, orderID); err != nil {
		// Delivered but still held. The sweep releases it after the
		// hold period, or the seller can retry through support.
		logging.L(ctx).Error("release after delivery confirmation failed",
			"orderId", orderID, "error", err)
		return err
	}
	return nil
}
