package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// OutboxRepo persists notification_outbox rows.  Messages are enqueued in
// the same transaction as the state change they announce and published to
// the broker by the relay afterwards.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo returns a new OutboxRepo bound to the given database.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// DB exposes the underlying handle so the relay can begin transactions.
func (r *OutboxRepo) DB() *sql.DB { return r.db }

// EnqueueTx inserts a message within tx.
func (r *OutboxRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, m model.OutboxMessage) error {
	const q = `INSERT INTO notification_outbox (message_id, kind, payload) VALUES (?, ?, ?)`
	_, err := tx.ExecContext(ctx, q, m.MessageID, m.Kind, m.Payload)
	return err
}

// PendingTx locks up to limit unpublished messages, oldest first.  SKIP
// LOCKED lets several relays run side by side without blocking each other.
func (r *OutboxRepo) PendingTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.OutboxMessage, error) {
	const q = `SELECT id, message_id, kind, payload, attempts, created_at
               FROM notification_outbox
               WHERE published_at IS NULL
               ORDER BY id
               LIMIT ?
               FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Kind, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkPublishedTx stamps a message as handed to the broker.
func (r *OutboxRepo) MarkPublishedTx(ctx context.Context, tx *sql.Tx, id uint64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE notification_outbox SET published_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// BumpAttemptsTx records a failed publish attempt.
func (r *OutboxRepo) BumpAttemptsTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE notification_outbox SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// DeletePublishedBefore purges delivered messages older than cutoff.
func (r *OutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_outbox WHERE published_at IS NOT NULL AND published_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
