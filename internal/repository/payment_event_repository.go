package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// PaymentEventRepo stores the raw gateway notifications.  Events are
// immutable: Record keeps the first copy of an event id and ignores
// redeliveries.
type PaymentEventRepo struct {
	db *sql.DB
}

// NewPaymentEventRepo returns a new PaymentEventRepo bound to the given database.
func NewPaymentEventRepo(db *sql.DB) *PaymentEventRepo { return &PaymentEventRepo{db: db} }

// Record inserts the event unless a row with the same event id exists.
func (r *PaymentEventRepo) Record(ctx context.Context, ev model.PaymentEvent) error {
	const q = `INSERT IGNORE INTO payment_events (event_id, event_type, payload, signature_header, received_at)
               VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, ev.EventID, ev.EventType, ev.Payload, ev.SignatureHeader, ev.ReceivedAt.UTC())
	return err
}

// Get returns the stored event or ErrNotFound.
func (r *PaymentEventRepo) Get(ctx context.Context, eventID string) (model.PaymentEvent, error) {
	const q = `SELECT event_id, event_type, payload, signature_header, received_at
               FROM payment_events WHERE event_id = ?`
	var ev model.PaymentEvent
	err := r.db.QueryRowContext(ctx, q, eventID).Scan(&ev.EventID, &ev.EventType, &ev.Payload, &ev.SignatureHeader, &ev.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, ErrNotFound
	}
	return ev, err
}

// DeleteOlderThan purges events received before cutoff.
func (r *PaymentEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM payment_events WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
