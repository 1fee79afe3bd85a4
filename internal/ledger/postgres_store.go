package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stallwise/paycore/internal/pagination"
)

// PostgresStore persists ledger state in PostgreSQL. Settle operations run
// in a single transaction with status-guarded UPDATEs so a redelivered
// event settles as a no-op instead of corrupting state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// withTx runs fn inside a transaction, rolling back on error.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Products ---

func (p *PostgresStore) CreateProduct(ctx context.Context, prod *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, shop_id, title, price_fiat, price_coin, digital, stock, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		prod.ID, prod.ShopID, prod.Title, prod.PriceFiat, prod.PriceCoin,
		prod.Digital, prod.Stock, prod.Active, prod.CreatedAt, prod.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, shop_id, title, price_fiat, price_coin, digital, stock, active, created_at, updated_at
		FROM products WHERE id = $1`, id)

	prod := &Product{}
	err := row.Scan(&prod.ID, &prod.ShopID, &prod.Title, &prod.PriceFiat, &prod.PriceCoin,
		&prod.Digital, &prod.Stock, &prod.Active, &prod.CreatedAt, &prod.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	return prod, err
}

// --- Orders ---

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order, d *Delivery) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		// Conditional decrement: zero rows affected means the row lock
		// revealed insufficient stock, and the whole order rolls back.
		// Digital products carry no inventory, so they match regardless
		// of stock and are left undecremented.
		for _, it := range o.Items {
			res, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock = CASE WHEN digital THEN stock ELSE stock - $1 END,
					updated_at = NOW()
				WHERE id = $2 AND (digital OR stock >= $1)`, it.Quantity, it.ProductID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				var exists bool
				if err := tx.QueryRowContext(ctx,
					`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, it.ProductID).Scan(&exists); err != nil {
					return err
				}
				if !exists {
					return ErrProductNotFound
				}
				return ErrInsufficientStock
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, order_number, buyer_id, shop_id, total_fiat, total_coin,
				currency_mode, status, shipping_addr, lat, lng, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			o.ID, o.Number, o.BuyerID, o.ShopID, o.TotalFiat, o.TotalCoin,
			string(o.CurrencyMode), string(o.Status), nullString(o.ShippingAddr),
			nullFloat(o.Lat), nullFloat(o.Lng), nullString(o.Notes), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for _, it := range o.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, title, quantity,
					unit_fiat, unit_coin, subtotal_fiat, subtotal_coin, digital)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				o.ID, it.ProductID, it.Title, it.Quantity,
				it.UnitFiat, it.UnitCoin, it.SubtotalFiat, it.SubtotalCoin, it.Digital,
			)
			if err != nil {
				return err
			}
		}

		if d != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO deliveries (order_id, tracking_number, carrier, status, shipping_addr, shipped_at, delivered_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				d.OrderID, nullString(d.TrackingNumber), nullString(d.Carrier),
				string(d.Status), d.ShippingAddr, nullTime(d.ShippedAt), nullTime(d.DeliveredAt),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

const orderColumns = `id, order_number, buyer_id, shop_id, total_fiat, total_coin,
		currency_mode, status, shipping_addr, lat, lng, notes,
		created_at, updated_at, paid_at, shipped_at, delivered_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) loadItems(ctx context.Context, o *Order) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT product_id, title, quantity, unit_fiat, unit_coin, subtotal_fiat, subtotal_coin, digital
		FROM order_items WHERE order_id = $1`, o.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.Title, &it.Quantity,
			&it.UnitFiat, &it.UnitCoin, &it.SubtotalFiat, &it.SubtotalCoin, &it.Digital); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func (p *PostgresStore) ListOrdersByBuyer(ctx context.Context, buyerID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE buyer_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, buyerID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, buyerID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range result {
		if err := p.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) MarkShipped(ctx context.Context, orderID, trackingNumber, carrier string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, shipped_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = $3`,
			string(OrderShipped), orderID, string(OrderPaidInEscrow))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return p.orderGuardErr(ctx, tx, orderID)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE deliveries SET tracking_number = $1, carrier = $2, status = $3, shipped_at = NOW()
			WHERE order_id = $4`,
			nullString(trackingNumber), nullString(carrier), string(DeliveryInTransit), orderID)
		if err != nil {
			return err
		}
		return requireRow(res, ErrDeliveryNotFound)
	})
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, orderID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, delivered_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = $3`,
			string(OrderDelivered), orderID, string(OrderShipped))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return p.orderGuardErr(ctx, tx, orderID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deliveries SET status = $1, delivered_at = NOW() WHERE order_id = $2`,
			string(DeliveryDelivered), orderID)
		return err
	})
}

// orderGuardErr distinguishes a missing order from a status-guard miss.
func (p *PostgresStore) orderGuardErr(ctx context.Context, tx *sql.Tx, orderID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrInvalidTransition
}

// --- Payments ---

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	meta, err := encodeMetadata(pay.Metadata)
	if err != nil {
		return err
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = 'pending_payment', updated_at = NOW()
			WHERE id = $1 AND status IN ('created', 'pending_payment')`, pay.OrderID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return p.orderGuardErr(ctx, tx, pay.OrderID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, order_id, provider, external_id, amount_fiat, amount_coin,
				currency_mode, status, metadata, created_at, updated_at, succeeded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			pay.ID, pay.OrderID, pay.Provider, nullString(pay.ExternalID),
			pay.AmountFiat, pay.AmountCoin, string(pay.CurrencyMode), string(pay.Status),
			meta, pay.CreatedAt, pay.UpdatedAt, nullTime(pay.SucceededAt),
		)
		return err
	})
}

const paymentColumns = `id, order_id, provider, external_id, amount_fiat, amount_coin,
		currency_mode, status, metadata, created_at, updated_at, succeeded_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByProviderRef(ctx context.Context, provider, externalID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE provider = $1 AND external_id = $2`, provider, externalID)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPendingPayments(ctx context.Context, since time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('pending', 'processing') AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkPaymentProcessing(ctx context.Context, paymentID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(PaymentProcessing), paymentID, string(PaymentPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		pay, err := p.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.Status == PaymentProcessing {
			return nil
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) MarkPaymentPartiallyRefunded(ctx context.Context, paymentID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(PaymentPartiallyRefunded), paymentID, string(PaymentSucceeded))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		pay, err := p.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.Status == PaymentPartiallyRefunded {
			return nil
		}
		return ErrInvalidTransition
	}
	return nil
}

// --- Settles ---

func (p *PostgresStore) SettlePaymentSucceeded(ctx context.Context, paymentID string, esc *Escrow) (bool, error) {
	var created bool
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var orderID string
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT order_id, status FROM payments WHERE id = $1 FOR UPDATE`, paymentID).
			Scan(&orderID, &status)
		if err == sql.ErrNoRows {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		if PaymentStatus(status) == PaymentSucceeded {
			return nil // already settled; redelivered event
		}
		if !CanTransitionPayment(PaymentStatus(status), PaymentSucceeded) {
			return ErrInvalidTransition
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, paid_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)`,
			string(OrderPaidInEscrow), orderID, string(OrderCreated), string(OrderPendingPayment))
		if err != nil {
			return err
		}
		if err := requireRow(res, ErrInvalidTransition); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET status = $1, succeeded_at = NOW(), updated_at = NOW()
			WHERE id = $2`, string(PaymentSucceeded), paymentID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrows (id, payment_id, order_id, status, held_at, released_at, auto_release_at, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			esc.ID, paymentID, orderID, string(EscrowHeld),
			esc.HeldAt, nullTime(esc.ReleasedAt), nullTime(esc.AutoReleaseAt), nullString(esc.Notes),
		)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (p *PostgresStore) SettlePaymentFailed(ctx context.Context, paymentID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var orderID string
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT order_id, status FROM payments WHERE id = $1 FOR UPDATE`, paymentID).
			Scan(&orderID, &status)
		if err == sql.ErrNoRows {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		if PaymentStatus(status) == PaymentFailed {
			return nil
		}
		if !CanTransitionPayment(PaymentStatus(status), PaymentFailed) {
			return ErrInvalidTransition
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(PaymentFailed), paymentID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)`,
			string(OrderCancelled), orderID, string(OrderCreated), string(OrderPendingPayment))
		if err != nil {
			return err
		}
		return requireRow(res, ErrInvalidTransition)
	})
}

func (p *PostgresStore) SettleRelease(ctx context.Context, orderID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var escStatus string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM escrows WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&escStatus)
		if err == sql.ErrNoRows {
			return ErrEscrowNotFound
		}
		if err != nil {
			return err
		}

		if EscrowStatus(escStatus) == EscrowReleased {
			return nil
		}
		if !CanTransitionEscrow(EscrowStatus(escStatus), EscrowReleased) {
			return ErrInvalidTransition
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4, $5, $6)`,
			string(OrderReleased), orderID,
			string(OrderPaidInEscrow), string(OrderShipped), string(OrderDelivered), string(OrderDisputed))
		if err != nil {
			return err
		}
		if err := requireRow(res, ErrInvalidTransition); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = $1, released_at = NOW() WHERE order_id = $2`,
			string(EscrowReleased), orderID)
		return err
	})
}

func (p *PostgresStore) SettleRefund(ctx context.Context, orderID, reason string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var escStatus, paymentID string
		err := tx.QueryRowContext(ctx,
			`SELECT status, payment_id FROM escrows WHERE order_id = $1 FOR UPDATE`, orderID).
			Scan(&escStatus, &paymentID)
		if err == sql.ErrNoRows {
			return ErrEscrowNotFound
		}
		if err != nil {
			return err
		}

		if EscrowStatus(escStatus) == EscrowRefunded {
			return nil
		}
		if !CanTransitionEscrow(EscrowStatus(escStatus), EscrowRefunded) {
			return ErrInvalidTransition
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)`,
			string(OrderRefunded), orderID, string(OrderPaidInEscrow), string(OrderDisputed))
		if err != nil {
			return err
		}
		if err := requireRow(res, ErrInvalidTransition); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)`,
			string(PaymentRefunded), paymentID,
			string(PaymentSucceeded), string(PaymentPartiallyRefunded))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = $1, released_at = NOW(), notes = $2 WHERE order_id = $3`,
			string(EscrowRefunded), nullString(reason), orderID)
		return err
	})
}

// --- Escrows ---

const escrowColumns = `id, payment_id, order_id, status, held_at, released_at, auto_release_at, notes`

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND auto_release_at IS NOT NULL AND auto_release_at < $2
		ORDER BY auto_release_at ASC
		LIMIT $3`, string(EscrowHeld), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Deliveries ---

func (p *PostgresStore) GetDelivery(ctx context.Context, orderID string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT order_id, tracking_number, carrier, status, shipping_addr, shipped_at, delivered_at
		FROM deliveries WHERE order_id = $1`, orderID)

	d := &Delivery{}
	var (
		tracking  sql.NullString
		carrier   sql.NullString
		status    string
		shipped   sql.NullTime
		delivered sql.NullTime
	)
	err := row.Scan(&d.OrderID, &tracking, &carrier, &status, &d.ShippingAddr, &shipped, &delivered)
	if err == sql.ErrNoRows {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	d.TrackingNumber = tracking.String
	d.Carrier = carrier.String
	d.Status = DeliveryStatus(status)
	if shipped.Valid {
		d.ShippedAt = &shipped.Time
	}
	if delivered.Valid {
		d.DeliveredAt = &delivered.Time
	}
	return d, nil
}

// --- Disputes ---

func (p *PostgresStore) OpenDispute(ctx context.Context, d *Dispute) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var open bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM disputes WHERE order_id = $1 AND status IN ('open', 'in_review'))`,
			d.OrderID).Scan(&open)
		if err != nil {
			return err
		}
		if open {
			return ErrDisputeOpen
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4, $5)`,
			string(OrderDisputed), d.OrderID,
			string(OrderPaidInEscrow), string(OrderShipped), string(OrderDelivered))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return p.orderGuardErr(ctx, tx, d.OrderID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (id, order_id, raised_by, reason, status, resolution, created_at, updated_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.ID, d.OrderID, d.RaisedBy, d.Reason, string(d.Status),
			nullString(d.Resolution), d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
		)
		return err
	})
}

const disputeColumns = `id, order_id, raised_by, reason, status, resolution, created_at, updated_at, resolved_at`

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status IN ('open', 'in_review')
		ORDER BY created_at DESC LIMIT 1`, orderID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) AddDisputeMessage(ctx context.Context, m *DisputeMessage) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender, body, created_at)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS(SELECT 1 FROM disputes WHERE id = $2)`,
		m.ID, m.DisputeID, m.Sender, m.Body, m.CreatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, ErrDisputeNotFound)
}

func (p *PostgresStore) ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender, body, created_at
		FROM dispute_messages WHERE dispute_id = $1
		ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DisputeMessage
	for rows.Next() {
		m := &DisputeMessage{}
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, disputeID, resolution string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status IN ('open', 'in_review')`,
		string(DisputeResolved), resolution, disputeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// --- Events ---

func (p *PostgresStore) RecordEvent(ctx context.Context, e *IngestedEvent) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ingested_events (id, provider, event_id, kind, external_id, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		e.ID, e.Provider, e.EventID, e.Kind, nullString(e.ExternalID), string(e.Outcome), e.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) GetEventOutcome(ctx context.Context, provider, eventID string) (EventOutcome, error) {
	var outcome string
	err := p.db.QueryRowContext(ctx, `
		SELECT outcome FROM ingested_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&outcome)
	if err == sql.ErrNoRows {
		return "", ErrEventNotFound
	}
	if err != nil {
		return "", err
	}
	return EventOutcome(outcome), nil
}

func (p *PostgresStore) UpdateEventOutcome(ctx context.Context, provider, eventID string, outcome EventOutcome) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ingested_events SET outcome = $1 WHERE provider = $2 AND event_id = $3`,
		string(outcome), provider, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// --- scanning helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		currencyMode string
		status       string
		shippingAddr sql.NullString
		lat          sql.NullFloat64
		lng          sql.NullFloat64
		notes        sql.NullString
		paidAt       sql.NullTime
		shippedAt    sql.NullTime
		deliveredAt  sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.Number, &o.BuyerID, &o.ShopID, &o.TotalFiat, &o.TotalCoin,
		&currencyMode, &status, &shippingAddr, &lat, &lng, &notes,
		&o.CreatedAt, &o.UpdatedAt, &paidAt, &shippedAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}
	o.CurrencyMode = CurrencyMode(currencyMode)
	o.Status = OrderStatus(status)
	o.ShippingAddr = shippingAddr.String
	o.Notes = notes.String
	if lat.Valid {
		o.Lat = &lat.Float64
	}
	if lng.Valid {
		o.Lng = &lng.Float64
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	return o, nil
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		externalID   sql.NullString
		currencyMode string
		status       string
		meta         []byte
		succeededAt  sql.NullTime
	)
	err := s.Scan(
		&pay.ID, &pay.OrderID, &pay.Provider, &externalID, &pay.AmountFiat, &pay.AmountCoin,
		&currencyMode, &status, &meta, &pay.CreatedAt, &pay.UpdatedAt, &succeededAt,
	)
	if err != nil {
		return nil, err
	}
	pay.ExternalID = externalID.String
	pay.CurrencyMode = CurrencyMode(currencyMode)
	pay.Status = PaymentStatus(status)
	if succeededAt.Valid {
		pay.SucceededAt = &succeededAt.Time
	}
	if pay.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return pay, nil
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		releasedAt    sql.NullTime
		autoReleaseAt sql.NullTime
		notes         sql.NullString
	)
	err := s.Scan(&e.ID, &e.PaymentID, &e.OrderID, &status, &e.HeldAt, &releasedAt, &autoReleaseAt, &notes)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.Notes = notes.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = &autoReleaseAt.Time
	}
	return e, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &status, &resolution,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

// requireRow returns guardErr when an UPDATE/INSERT affected zero rows.
func requireRow(res sql.Result, guardErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return guardErr
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullFloat converts a *float64 to sql.NullFloat64.
func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode payment metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
