package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// TicketRepo provides persistence for tickets and VIP passes.  Tickets are
// created only inside the fulfillment transaction; afterwards they are
// mutated by admission (MarkUsed) and refunds.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// ManifestEntry is one row of the offline sync manifest handed to scanners.
// It carries the issued signature, never the secret that produced it.
type ManifestEntry struct {
	Token      string `json:"token"`
	Signature  string `json:"signature"`
	HolderName string `json:"holder_name"`
}

// CreateBulkTx inserts all tickets of an order in one statement.  Passing an
// empty slice has no effect.
func (r *TicketRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	query := `INSERT INTO tickets (order_id, inventory_item_id, token, signature, status, holder_name) VALUES `
	args := make([]interface{}, 0, len(tickets)*6)
	for i, t := range tickets {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?)"
		args = append(args, t.OrderID, t.InventoryItemID, t.Token, t.Signature, string(t.Status), t.HolderName)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetByToken returns the ticket carrying token or ErrNotFound.
func (r *TicketRepo) GetByToken(ctx context.Context, token string) (model.Ticket, error) {
	const q = `SELECT id, order_id, inventory_item_id, token, signature, status, holder_name, used_at, created_at
               FROM tickets WHERE token = ?`
	var t model.Ticket
	var status string
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, q, token).Scan(
		&t.ID, &t.OrderID, &t.InventoryItemID, &t.Token, &t.Signature, &status, &t.HolderName, &usedAt, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = model.TicketStatus(status)
	if usedAt.Valid {
		u := usedAt.Time.UTC()
		t.UsedAt = &u
	}
	return t, nil
}

// MarkUsed admits a ticket exactly once.  The conditional update means two
// scanners presenting the same ticket at the same moment cannot both win.
// When the ticket exists but is not ISSUED the current row is returned with
// ErrConflict; unknown tokens return ErrNotFound.
func (r *TicketRepo) MarkUsed(ctx context.Context, token string, at time.Time) (model.Ticket, error) {
	const q = `UPDATE tickets SET status = 'USED', used_at = ? WHERE token = ? AND status = 'ISSUED'`
	res, err := r.db.ExecContext(ctx, q, at.UTC(), token)
	if err != nil {
		return model.Ticket{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Ticket{}, err
	}
	t, err := r.GetByToken(ctx, token)
	if err != nil {
		return t, err
	}
	if n == 0 {
		return t, ErrConflict
	}
	return t, nil
}

// RefundByOrderTx marks every unused ticket of an order as refunded and
// returns how many rows changed.  Used tickets keep their USED status.
func (r *TicketRepo) RefundByOrderTx(ctx context.Context, tx *sql.Tx, orderID uint64) (int64, error) {
	const q = `UPDATE tickets SET status = 'REFUNDED' WHERE order_id = ? AND status = 'ISSUED'`
	res, err := tx.ExecContext(ctx, q, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListManifest returns the issued tickets of a venue event for offline
// scanner sync, ordered by token for stable output.
func (r *TicketRepo) ListManifest(ctx context.Context, venueEventID uint64) ([]ManifestEntry, error) {
	const q = `SELECT t.token, t.signature, t.holder_name
               FROM tickets t
               JOIN orders o ON o.id = t.order_id
               WHERE o.venue_event_id = ? AND t.status = 'ISSUED'
               ORDER BY t.token`
	rows, err := r.db.QueryContext(ctx, q, venueEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]ManifestEntry, 0)
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.Token, &e.Signature, &e.HolderName); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
