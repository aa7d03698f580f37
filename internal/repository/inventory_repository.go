package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// InventoryRepo provides access to inventory_items.  The remaining counter is
// only modified inside a transaction after the row has been locked with
// LockTx, so concurrent purchases of the last unit serialize in the
// database rather than in process memory.
type InventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepo returns a new InventoryRepo bound to the given database.
func NewInventoryRepo(db *sql.DB) *InventoryRepo { return &InventoryRepo{db: db} }

const inventoryColumns = `id, venue_event_id, kind, name, capacity, remaining, guests_per_unit`

func scanInventory(row interface{ Scan(...any) error }) (model.InventoryItem, error) {
	var it model.InventoryItem
	var kind string
	err := row.Scan(&it.ID, &it.VenueEventID, &kind, &it.Name, &it.Capacity, &it.Remaining, &it.GuestsPerUnit)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	it.Kind = model.InventoryKind(kind)
	return it, err
}

// LockTx reads an inventory item with SELECT ... FOR UPDATE.  The row stays
// locked until the caller commits or rolls back tx.  ErrNotFound is returned
// for unknown ids.
func (r *InventoryRepo) LockTx(ctx context.Context, tx *sql.Tx, id uint64) (model.InventoryItem, error) {
	q := `SELECT ` + inventoryColumns + ` FROM inventory_items WHERE id = ? FOR UPDATE`
	return scanInventory(tx.QueryRowContext(ctx, q, id))
}

// DecrementTx subtracts qty from the remaining counter.  The guard in the
// WHERE clause keeps the counter from going negative even if a caller forgot
// to lock; zero affected rows is reported as ErrConflict.
func (r *InventoryRepo) DecrementTx(ctx context.Context, tx *sql.Tx, id uint64, qty uint32) error {
	const q = `UPDATE inventory_items SET remaining = remaining - ? WHERE id = ? AND remaining >= ?`
	res, err := tx.ExecContext(ctx, q, qty, id, qty)
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

// IncrementTx returns qty units to stock, never above capacity.
func (r *InventoryRepo) IncrementTx(ctx context.Context, tx *sql.Tx, id uint64, qty uint32) error {
	const q = `UPDATE inventory_items SET remaining = LEAST(capacity, remaining + ?) WHERE id = ?`
	_, err := tx.ExecContext(ctx, q, qty, id)
	return err
}
