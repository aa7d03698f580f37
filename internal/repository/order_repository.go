package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// OrderRepo provides persistence for orders and order_items.  Orders are
// inserted only through CreateTx inside the fulfillment transaction; the
// unique index on payment_reference is the last line of defence against a
// replayed payment creating a second order.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns a new OrderRepo bound to the given database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *OrderRepo) DB() *sql.DB { return r.db }

const orderColumns = `id, venue_event_id, purchaser_name, purchaser_email, payment_reference, status,
                      subtotal_cents, fees_cents, total_cents, currency, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.VenueEventID, &o.PurchaserName, &o.PurchaserEmail, &o.PaymentReference, &status,
		&o.SubtotalCents, &o.FeesCents, &o.TotalCents, &o.Currency, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	o.Status = model.OrderStatus(status)
	return o, err
}

// CreateTx inserts a new order within the scope of an existing transaction
// and populates the generated ID.  A collision on payment_reference is
// reported as ErrDuplicatePaymentReference.
func (r *OrderRepo) CreateTx(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	const q = `INSERT INTO orders (venue_event_id, purchaser_name, purchaser_email, payment_reference, status,
                                   subtotal_cents, fees_cents, total_cents, currency)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, o.VenueEventID, o.PurchaserName, o.PurchaserEmail, o.PaymentReference,
		string(o.Status), o.SubtotalCents, o.FeesCents, o.TotalCents, o.Currency)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicatePaymentReference
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	return nil
}

// CreateItemsBulkTx inserts all order_items rows in a single statement.
// Passing an empty slice has no effect.
func (r *OrderRepo) CreateItemsBulkTx(ctx context.Context, tx *sql.Tx, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	query := `INSERT INTO order_items (order_id, inventory_item_id, quantity, unit_amount_cents) VALUES `
	args := make([]interface{}, 0, len(items)*4)
	for i, it := range items {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?)"
		args = append(args, it.OrderID, it.InventoryItemID, it.Quantity, it.UnitAmountCents)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByPaymentRef returns the order created for a gateway payment.
func (r *OrderRepo) GetByPaymentRef(ctx context.Context, ref string) (model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE payment_reference = ?`
	return scanOrder(r.db.QueryRowContext(ctx, q, ref))
}

// LockByPaymentRefTx loads and locks the order for a gateway payment.
func (r *OrderRepo) LockByPaymentRefTx(ctx context.Context, tx *sql.Tx, ref string) (model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE payment_reference = ? FOR UPDATE`
	return scanOrder(tx.QueryRowContext(ctx, q, ref))
}

// UpdateStatusTx moves an order from one status to another.  The update is
// conditional on the current status so a concurrent transition cannot be
// overwritten; illegal transitions and lost races return ErrConflict.
func (r *OrderRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uint64, from, to model.OrderStatus) error {
	if !from.CanTransition(to) {
		return ErrConflict
	}
	const q = `UPDATE orders SET status = ? WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListItemsTx returns the order_items rows of an order.
func (r *OrderRepo) ListItemsTx(ctx context.Context, tx *sql.Tx, orderID uint64) ([]model.OrderItem, error) {
	const q = `SELECT id, order_id, inventory_item_id, quantity, unit_amount_cents
               FROM order_items WHERE order_id = ? ORDER BY inventory_item_id`
	rows, err := tx.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.InventoryItemID, &it.Quantity, &it.UnitAmountCents); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
