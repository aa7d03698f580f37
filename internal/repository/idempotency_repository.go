package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// IdempotencyRepo persists idempotency_records.  The composite primary key
// (idem_key, pipeline) is what serializes concurrent first arrivals: exactly
// one Insert succeeds and every other caller receives ErrDuplicate.
type IdempotencyRepo struct {
	db *sql.DB
}

// NewIdempotencyRepo returns a new IdempotencyRepo bound to the given database.
func NewIdempotencyRepo(db *sql.DB) *IdempotencyRepo { return &IdempotencyRepo{db: db} }

// Insert creates a record.  A collision on the primary key returns ErrDuplicate.
func (r *IdempotencyRepo) Insert(ctx context.Context, rec *model.IdempotencyRecord) error {
	const q = `INSERT INTO idempotency_records
               (idem_key, pipeline, status, cached_status, cached_body, metadata, locked_at, expires_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var meta interface{}
	if len(rec.Metadata) > 0 {
		meta = rec.Metadata
	}
	_, err := r.db.ExecContext(ctx, q, rec.Key, rec.Pipeline, string(rec.Status), rec.CachedStatus, rec.CachedBody,
		meta, rec.LockedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Get returns the record for (key, pipeline) or ErrNotFound.
func (r *IdempotencyRepo) Get(ctx context.Context, key, pipeline string) (model.IdempotencyRecord, error) {
	const q = `SELECT idem_key, pipeline, status, cached_status, cached_body, metadata, locked_at, expires_at, created_at, updated_at
               FROM idempotency_records WHERE idem_key = ? AND pipeline = ?`
	var rec model.IdempotencyRecord
	var status string
	var body, meta []byte
	err := r.db.QueryRowContext(ctx, q, key, pipeline).Scan(
		&rec.Key, &rec.Pipeline, &status, &rec.CachedStatus, &body, &meta,
		&rec.LockedAt, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = model.IdempotencyStatus(status)
	rec.CachedBody = body
	rec.Metadata = meta
	return rec, nil
}

// Finish records the final status and the response to replay.  Only the
// holder of the pending claim taken at lockedAt can finish it; a finished or
// reclaimed record returns ErrConflict so a second writer can never replace
// the owner's response.
func (r *IdempotencyRepo) Finish(ctx context.Context, key, pipeline string, lockedAt time.Time, status model.IdempotencyStatus, cachedStatus int, body []byte) error {
	const q = `UPDATE idempotency_records SET status = ?, cached_status = ?, cached_body = ?
               WHERE idem_key = ? AND pipeline = ? AND status = 'pending' AND locked_at = ?`
	res, err := r.db.ExecContext(ctx, q, string(status), cachedStatus, body, key, pipeline, lockedAt.UTC())
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

// Reclaim takes over a stale pending record.  The update only applies while
// locked_at still equals the value the caller observed, so of several
// callers racing for the same stale record at most one gets true.
func (r *IdempotencyRepo) Reclaim(ctx context.Context, key, pipeline string, observedLockedAt, now time.Time) (bool, error) {
	const q = `UPDATE idempotency_records SET locked_at = ?
               WHERE idem_key = ? AND pipeline = ? AND status = 'pending' AND locked_at = ?`
	res, err := r.db.ExecContext(ctx, q, now.UTC(), key, pipeline, observedLockedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes a pending record so the next delivery of the event starts
// afresh.  It only applies while the caller still holds the claim it took at
// lockedAt; false means someone else reclaimed or finished it.
func (r *IdempotencyRepo) Release(ctx context.Context, key, pipeline string, lockedAt time.Time) (bool, error) {
	const q = `DELETE FROM idempotency_records
               WHERE idem_key = ? AND pipeline = ? AND status = 'pending' AND locked_at = ?`
	res, err := r.db.ExecContext(ctx, q, key, pipeline, lockedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStalePending returns up to limit pending records of pipeline whose
// claim was taken before cutoff, oldest first.
func (r *IdempotencyRepo) ListStalePending(ctx context.Context, pipeline string, cutoff time.Time, limit int) ([]model.IdempotencyRecord, error) {
	const q = `SELECT idem_key, pipeline, locked_at FROM idempotency_records
               WHERE pipeline = ? AND status = 'pending' AND locked_at < ?
               ORDER BY locked_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, pipeline, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.IdempotencyRecord
	for rows.Next() {
		rec := model.IdempotencyRecord{Status: model.IdempotencyPending}
		if err := rows.Scan(&rec.Key, &rec.Pipeline, &rec.LockedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteExpired purges records whose expiry has passed and returns the count.
func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
