// Package escrow coordinates funds movement between the payment
// providers and the ledger.
//
// Flow:
//  1. Buyer initiates payment → provider opens it, ledger records pending
//  2. Provider confirms → payment succeeded, escrow held
//  3. Seller ships, buyer confirms delivery → escrow released (capture)
//  4. Dispute, failure, or refund → escrow refunded to buyer
//  5. Hold period expires on a shipped order → sweep auto-releases
//
// Every money-moving path locks the order so a webhook, an API call,
// and the sweep cannot race each other. Provider calls happen outside
// any database transaction; the ledger settle operations keep the
// records consistent even when a call lands twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stallwise/paycore/internal/circuitbreaker"
	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/logging"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/notify"
	"github.com/stallwise/paycore/internal/provider"
	"github.com/stallwise/paycore/internal/retry"
	"github.com/stallwise/paycore/internal/syncutil"
	"github.com/stallwise/paycore/internal/traces"
)

var (
	// ErrProviderDown means the provider's circuit is open; retry later.
	ErrProviderDown = errors.New("payment provider circuit open")
	// ErrNotReleasable means the order is not in a state where escrow
	// may be released.
	ErrNotReleasable = errors.New("order not eligible for release")
	// ErrNotRefundable means the order is not in a state where escrow
	// may be refunded.
	ErrNotRefundable = errors.New("order not eligible for refund")
)

const (
	providerAttempts  = 3
	providerBaseDelay = 500 * time.Millisecond
	breakerThreshold  = 5
	breakerOpenFor    = 30 * time.Second
	sweepBatch        = 100
	reconcileBatch    = 100
)

// Controller is the single owner of provider money movement. Handlers,
// webhook ingestion, and the schedulers all go through it.
type Controller struct {
	store     ledger.Store
	providers *provider.Registry
	breaker   *circuitbreaker.Breaker
	locks     syncutil.ShardedMutex
	notifier  notify.Sink

	holdPeriod      time.Duration
	reconcileWindow time.Duration
	providerTimeout time.Duration
}

// Options tunes controller timing. Zero values fall back to defaults.
type Options struct {
	HoldPeriod      time.Duration
	ReconcileWindow time.Duration
	ProviderTimeout time.Duration

	// Notifier receives escrow release and refund events. Nil disables
	// outbound notifications.
	Notifier notify.Sink
}

// NewController creates a controller over the given ledger and rails.
func NewController(store ledger.Store, providers *provider.Registry, opts Options) *Controller {
	if opts.HoldPeriod <= 0 {
		opts.HoldPeriod = 168 * time.Hour
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = 24 * time.Hour
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 15 * time.Second
	}
	return &Controller{
		store:           store,
		providers:       providers,
		breaker:         circuitbreaker.New(breakerThreshold, breakerOpenFor),
		notifier:        opts.Notifier,
		holdPeriod:      opts.HoldPeriod,
		reconcileWindow: opts.ReconcileWindow,
		providerTimeout: opts.ProviderTimeout,
	}
}

// callProvider runs fn against the named rail with the circuit breaker,
// a per-call deadline, and retries on transient failures.
func (c *Controller) callProvider(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow(name) {
		return fmt.Errorf("%w: %s", ErrProviderDown, name)
	}
	err := retry.Do(ctx, providerAttempts, providerBaseDelay, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.providerTimeout)
		defer cancel()
		return fn(cctx)
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			c.breaker.RecordFailure(name)
		}
		return err
	}
	c.breaker.RecordSuccess(name)
	return nil
}

// InitiatePayment opens a payment for the order on the named rail. If a
// live payment already exists for the order it is returned as-is, so
// double-submits do not open a second provider payment.
func (c *Controller) InitiatePayment(ctx context.Context, orderID, providerName string) (*ledger.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.initiate_payment",
		traces.OrderID(orderID), traces.ProviderName(providerName))
	defer span.End()

	rail, err := c.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.GetPaymentByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status != ledger.PaymentFailed {
		return existing, nil
	}
	if order.Status != ledger.OrderCreated && order.Status != ledger.OrderPendingPayment {
		return nil, ledger.ErrInvalidTransition
	}

	var handle *provider.Handle
	err = c.callProvider(ctx, providerName, func(cctx context.Context) error {
		h, cerr := rail.CreatePayment(cctx, provider.CreateRequest{
			OrderID:    order.ID,
			AmountFiat: order.TotalFiat,
			AmountCoin: order.TotalCoin,
			BuyerID:    order.BuyerID,
			Metadata:   map[string]string{"order_number": order.Number},
		})
		if cerr != nil {
			return cerr
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open payment with %s: %w", providerName, err)
	}

	now := time.Now()
	pay := &ledger.Payment{
		ID:           idgen.WithPrefix("pay_"),
		OrderID:      order.ID,
		Provider:     providerName,
		ExternalID:   handle.ExternalID,
		AmountFiat:   order.TotalFiat,
		AmountCoin:   order.TotalCoin,
		CurrencyMode: order.CurrencyMode,
		Status:       ledger.PaymentPending,
		Metadata:     map[string]string{"confirmation_target": handle.ConfirmationTarget},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreatePayment(ctx, pay); err != nil {
		// The provider payment is now orphaned. Cancel is best-effort;
		// reconciliation cannot adopt it without a ledger row.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.providerTimeout)
		defer cancel()
		if cerr := rail.Cancel(cctx, handle.ExternalID); cerr != nil {
			logging.L(ctx).Error("failed to cancel orphaned provider payment",
				"provider", providerName, "externalId", handle.ExternalID, "error", cerr)
		}
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(providerName, string(ledger.PaymentPending)).Inc()
	logging.L(ctx).Info("payment initiated",
		"orderId", order.ID, "paymentId", pay.ID,
		"provider", providerName, "externalId", handle.ExternalID)
	return pay, nil
}

// OnPaymentSucceeded settles a confirmed payment: the payment goes to
// succeeded, the order to paid_in_escrow, and an escrow is held. Safe
// to call more than once. Digital-only orders release immediately since
// there is nothing to ship.
func (c *Controller) OnPaymentSucceeded(ctx context.Context, paymentID string) error {
	pay, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(pay.OrderID)
	defer unlock()

	now := time.Now()
	autoRelease := now.Add(c.holdPeriod)
	esc := &ledger.Escrow{
		ID:            idgen.WithPrefix("esc_"),
		PaymentID:     pay.ID,
		OrderID:       pay.OrderID,
		Status:        ledger.EscrowHeld,
		HeldAt:        now,
		AutoReleaseAt: &autoRelease,
	}
	created, err := c.store.SettlePaymentSucceeded(ctx, pay.ID, esc)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	metrics.PaymentsTotal.WithLabelValues(pay.Provider, string(ledger.PaymentSucceeded)).Inc()
	metrics.EscrowsTotal.WithLabelValues(string(ledger.EscrowHeld)).Inc()
	metrics.OrdersTotal.WithLabelValues(string(ledger.OrderPaidInEscrow)).Inc()
	logging.L(ctx).Info("payment succeeded, escrow held",
		"orderId", pay.OrderID, "paymentId", pay.ID, "escrowId", esc.ID)

	order, err := c.store.GetOrder(ctx, pay.OrderID)
	if err != nil {
		return err
	}
	if order.DigitalOnly() {
		if err := c.releaseLocked(ctx, order.ID); err != nil {
			// Funds stay held; the sweep will not touch an unshipped
			// order, so this needs the buyer's confirm or an operator.
			logging.L(ctx).Error("immediate release of digital order failed",
				"orderId", order.ID, "error", err)
			return err
		}
	}
	return nil
}

// OnPaymentFailed settles a failed payment: the payment goes to failed
// and the order is cancelled. Reserved stock stays consumed. Safe to
// repeat.
func (c *Controller) OnPaymentFailed(ctx context.Context, paymentID string) error {
	pay, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(pay.OrderID)
	defer unlock()

	if err := c.store.SettlePaymentFailed(ctx, pay.ID); err != nil {
		return err
	}
	metrics.PaymentsTotal.WithLabelValues(pay.Provider, string(ledger.PaymentFailed)).Inc()
	logging.L(ctx).Info("payment failed, order cancelled",
		"orderId", pay.OrderID, "paymentId", pay.ID)
	return nil
}

// OnPaymentProcessing moves a pending payment to processing. A no-op
// once the payment has gone further.
func (c *Controller) OnPaymentProcessing(ctx context.Context, paymentID string) error {
	err := c.store.MarkPaymentProcessing(ctx, paymentID)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		return nil
	}
	return err
}

// OnChargeCaptured acknowledges the provider's capture confirmation.
// The release that requested the capture already settled the ledger, so
// there is no state to change.
func (c *Controller) OnChargeCaptured(ctx context.Context, paymentID string) error {
	pay, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	logging.L(ctx).Info("capture confirmed",
		"orderId", pay.OrderID, "paymentId", pay.ID)
	return nil
}

// OnChargeRefunded reflects a provider-side refund in the ledger. A
// partial refund only marks the payment; a full refund settles the
// whole order back to the buyer.
func (c *Controller) OnChargeRefunded(ctx context.Context, paymentID string, partial bool, reason string) error {
	pay, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(pay.OrderID)
	defer unlock()

	if partial {
		err := c.store.MarkPaymentPartiallyRefunded(ctx, pay.ID)
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if err := c.store.SettleRefund(ctx, pay.OrderID, reason); err != nil {
		return err
	}
	metrics.EscrowsTotal.WithLabelValues(string(ledger.EscrowRefunded)).Inc()
	logging.L(ctx).Info("refund settled", "orderId", pay.OrderID, "paymentId", pay.ID)
	c.notifyEvent(ctx, notify.EventEscrowRefunded, pay.OrderID, pay.ID)
	return nil
}

// Release captures the held funds for the seller. The order must be
// shipped, delivered, or a released digital sale, and must not have an
// open dispute. Repeating a release is a no-op.
func (c *Controller) Release(ctx context.Context, orderID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.OrderID(orderID))
	defer span.End()

	unlock := c.locks.Lock(orderID)
	defer unlock()
	return c.releaseLocked(ctx, orderID)
}

// releaseLocked does the release work; the caller holds the order lock.
func (c *Controller) releaseLocked(ctx context.Context, orderID string) error {
	return c.settleRelease(ctx, orderID, false)
}

// settleRelease captures and settles. resolvingDispute lifts the
// open-dispute guard for the arbiter path, which settles before it
// closes the dispute.
func (c *Controller) settleRelease(ctx context.Context, orderID string, resolvingDispute bool) error {
	esc, err := c.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if esc.Status == ledger.EscrowReleased {
		return nil
	}
	if esc.Status != ledger.EscrowHeld {
		return fmt.Errorf("%w: escrow %s", ErrNotReleasable, esc.Status)
	}

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !releasableOrder(order) {
		return fmt.Errorf("%w: order %s", ErrNotReleasable, order.Status)
	}

	if !resolvingDispute {
		if _, err := c.store.GetOpenDisputeByOrder(ctx, orderID); err == nil {
			return ledger.ErrDisputeOpen
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
	}

	pay, err := c.store.GetPayment(ctx, esc.PaymentID)
	if err != nil {
		return err
	}
	rail, err := c.providers.Get(pay.Provider)
	if err != nil {
		return err
	}
	err = c.callProvider(ctx, pay.Provider, func(cctx context.Context) error {
		return rail.Capture(cctx, pay.ExternalID, "")
	})
	if err != nil {
		return fmt.Errorf("failed to capture payment: %w", err)
	}

	if err := c.store.SettleRelease(ctx, orderID); err != nil {
		// Funds are captured but the ledger still says held. Repeating
		// the release is safe; capture on a captured intent is a no-op.
		logging.L(ctx).Error("capture done but release settle failed",
			"orderId", orderID, "paymentId", pay.ID, "error", err)
		return err
	}

	metrics.EscrowsTotal.WithLabelValues(string(ledger.EscrowReleased)).Inc()
	metrics.EscrowHoldDuration.Observe(time.Since(esc.HeldAt).Seconds())
	logging.L(ctx).Info("escrow released",
		"orderId", orderID, "escrowId", esc.ID, "provider", pay.Provider)
	c.notifyEvent(ctx, notify.EventEscrowReleased, orderID, pay.ID)
	return nil
}

// notifyEvent posts to the outbound sink. Best-effort; the sink owns
// delivery failures.
func (c *Controller) notifyEvent(ctx context.Context, t notify.EventType, orderID, paymentID string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, notify.NewEvent(t, map[string]any{
		"orderId":   orderID,
		"paymentId": paymentID,
	}))
}

// releasableOrder reports whether the order state permits release.
// Disputed is allowed because the arbiter settles before closing the
// dispute.
func releasableOrder(o *ledger.Order) bool {
	switch o.Status {
	case ledger.OrderShipped, ledger.OrderDelivered, ledger.OrderDisputed:
		return true
	case ledger.OrderPaidInEscrow:
		return o.DigitalOnly()
	}
	return false
}

// Refund returns the held funds to the buyer. Blocked while a dispute
// is open; dispute resolution refunds through here after resolving.
func (c *Controller) Refund(ctx context.Context, orderID, reason string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.OrderID(orderID))
	defer span.End()

	unlock := c.locks.Lock(orderID)
	defer unlock()
	return c.refundLocked(ctx, orderID, reason)
}

func (c *Controller) refundLocked(ctx context.Context, orderID, reason string) error {
	return c.settleRefund(ctx, orderID, reason, false)
}

func (c *Controller) settleRefund(ctx context.Context, orderID, reason string, resolvingDispute bool) error {
	esc, err := c.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if esc.Status == ledger.EscrowRefunded {
		return nil
	}
	if esc.Status != ledger.EscrowHeld {
		return fmt.Errorf("%w: escrow %s", ErrNotRefundable, esc.Status)
	}

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !ledger.CanTransition(order.Status, ledger.OrderRefunded) {
		return fmt.Errorf("%w: order %s", ErrNotRefundable, order.Status)
	}

	if !resolvingDispute {
		if _, err := c.store.GetOpenDisputeByOrder(ctx, orderID); err == nil {
			return ledger.ErrDisputeOpen
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
	}

	pay, err := c.store.GetPayment(ctx, esc.PaymentID)
	if err != nil {
		return err
	}
	rail, err := c.providers.Get(pay.Provider)
	if err != nil {
		return err
	}
	err = c.callProvider(ctx, pay.Provider, func(cctx context.Context) error {
		return rail.Refund(cctx, pay.ExternalID, "", reason)
	})
	if err != nil {
		return fmt.Errorf("failed to refund payment: %w", err)
	}

	if err := c.store.SettleRefund(ctx, orderID, reason); err != nil {
		logging.L(ctx).Error("provider refunded but settle failed",
			"orderId", orderID, "paymentId", pay.ID, "error", err)
		return err
	}

	metrics.EscrowsTotal.WithLabelValues(string(ledger.EscrowRefunded)).Inc()
	logging.L(ctx).Info("escrow refunded",
		"orderId", orderID, "escrowId", esc.ID, "reason", reason)
	c.notifyEvent(ctx, notify.EventEscrowRefunded, orderID, pay.ID)
	return nil
}

// ResolveDispute closes an open dispute and settles the escrow per the
// resolution, "release" to the seller or "refund" to the buyer.
func (c *Controller) ResolveDispute(ctx context.Context, disputeID, resolution string) error {
	if resolution != "release" && resolution != "refund" {
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(d.OrderID)
	defer unlock()

	// Settle first, with the dispute still open. A provider failure
	// leaves the dispute open so the arbiter can retry; the settle is
	// idempotent, so a retry after a crashed resolve converges too.
	var settleErr error
	if resolution == "release" {
		settleErr = c.settleRelease(ctx, d.OrderID, true)
	} else {
		settleErr = c.settleRefund(ctx, d.OrderID, "dispute resolved: "+d.Reason, true)
	}
	if settleErr != nil {
		return settleErr
	}

	return c.store.ResolveDispute(ctx, disputeID, resolution)
}

// ReconcilePending re-checks payments stuck in pending or processing
// against their provider and settles any that moved. Payments younger
// than the window are left for webhooks to handle.
func (c *Controller) ReconcilePending(ctx context.Context) error {
	since := time.Now().Add(-c.reconcileWindow)
	pending, err := c.store.ListPendingPayments(ctx, since, reconcileBatch)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	var firstErr error
	for _, pay := range pending {
		if err := c.reconcileOne(ctx, pay); err != nil {
			logging.L(ctx).Warn("reconcile failed",
				"paymentId", pay.ID, "provider", pay.Provider, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return firstErr
	}
	metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *Controller) reconcileOne(ctx context.Context, pay *ledger.Payment) error {
	rail, err := c.providers.Get(pay.Provider)
	if err != nil {
		return err
	}

	var status provider.Status
	err = c.callProvider(ctx, pay.Provider, func(cctx context.Context) error {
		s, serr := rail.GetStatus(cctx, pay.ExternalID)
		if serr != nil {
			return serr
		}
		status = s
		return nil
	})
	if err != nil {
		return err
	}

	switch status {
	case provider.StatusSucceeded:
		return c.OnPaymentSucceeded(ctx, pay.ID)
	case provider.StatusFailed:
		return c.OnPaymentFailed(ctx, pay.ID)
	case provider.StatusProcessing:
		return c.OnPaymentProcessing(ctx, pay.ID)
	}
	return nil
}

// SweepAutoRelease releases escrows whose hold period has expired. Only
// shipped or delivered orders qualify; a held escrow on an unshipped or
// disputed order stays put.
func (c *Controller) SweepAutoRelease(ctx context.Context) error {
	releasable, err := c.store.ListReleasableEscrows(ctx, time.Now(), sweepBatch)
	if err != nil {
		return err
	}

	for _, esc := range releasable {
		order, err := c.store.GetOrder(ctx, esc.OrderID)
		if err != nil {
			logging.L(ctx).Warn("sweep: order lookup failed",
				"orderId", esc.OrderID, "error", err)
			continue
		}
		if order.Status != ledger.OrderShipped && order.Status != ledger.OrderDelivered {
			continue
		}
		if err := c.Release(ctx, esc.OrderID); err != nil {
			if errors.Is(err, ledger.ErrDisputeOpen) {
				continue
			}
			logging.L(ctx).Warn("sweep: auto-release failed",
				"orderId", esc.OrderID, "escrowId", esc.ID, "error", err)
			continue
		}
		metrics.SweepReleasesTotal.Inc()
		logging.L(ctx).Info("auto-released escrow after hold period",
			"orderId", esc.OrderID, "escrowId", esc.ID)
	}
	return nil
}
