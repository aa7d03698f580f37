package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// PaymentFailureRepo persists payment_failures, the operator-facing record of
// charges that could not be fulfilled automatically.
type PaymentFailureRepo struct {
	db     *sql.DB
	outbox *OutboxRepo
}

// NewPaymentFailureRepo returns a new PaymentFailureRepo.  Alerts are
// enqueued through outbox in the same transaction as the failure row.
func NewPaymentFailureRepo(db *sql.DB, outbox *OutboxRepo) *PaymentFailureRepo {
	return &PaymentFailureRepo{db: db, outbox: outbox}
}

// CreateWithAlert inserts the failure record and the operator alert message
// atomically and populates f.ID.  Either both rows exist afterwards or
// neither does.
func (r *PaymentFailureRepo) CreateWithAlert(ctx context.Context, f *model.PaymentFailure, alert model.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const q = `INSERT INTO payment_failures
               (event_reference, payment_reference, customer_contact, amount_cents, currency, error_detail, reason)
               VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, f.EventReference, f.PaymentReference, f.CustomerContact,
		f.AmountCents, f.Currency, f.ErrorDetail, f.Reason)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := r.outbox.EnqueueTx(ctx, tx, alert); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	f.ID = uint64(id)
	return nil
}

// List returns failure records, newest first.  When includeResolved is
// false only open records are returned.
func (r *PaymentFailureRepo) List(ctx context.Context, includeResolved bool) ([]model.PaymentFailure, error) {
	q := `SELECT id, event_reference, payment_reference, customer_contact, amount_cents, currency,
                 error_detail, reason, resolved, resolved_by, resolved_at, created_at
          FROM payment_failures`
	if !includeResolved {
		q += ` WHERE resolved = FALSE`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.PaymentFailure, 0)
	for rows.Next() {
		var f model.PaymentFailure
		var by sql.NullString
		var at sql.NullTime
		if err := rows.Scan(&f.ID, &f.EventReference, &f.PaymentReference, &f.CustomerContact, &f.AmountCents,
			&f.Currency, &f.ErrorDetail, &f.Reason, &f.Resolved, &by, &at, &f.CreatedAt); err != nil {
			return nil, err
		}
		if by.Valid {
			s := by.String
			f.ResolvedBy = &s
		}
		if at.Valid {
			t := at.Time.UTC()
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Resolve marks a failure as handled by an operator.  Unknown ids return
// ErrNotFound; already resolved records return ErrConflict.
func (r *PaymentFailureRepo) Resolve(ctx context.Context, id uint64, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_failures SET resolved = TRUE, resolved_by = ?, resolved_at = ? WHERE id = ? AND resolved = FALSE`,
		by, at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM payment_failures WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}
