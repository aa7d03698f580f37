// Package ledger records which gateway events a pipeline has already
// processed and the response to replay for them.  The durable store is the
// source of truth; the redis cache only short-cuts replays.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// Store is the durable side of the ledger.  *repository.IdempotencyRepo
// implements it.
type Store interface {
	Insert(ctx context.Context, rec *model.IdempotencyRecord) error
	Get(ctx context.Context, key, pipeline string) (model.IdempotencyRecord, error)
	Finish(ctx context.Context, key, pipeline string, lockedAt time.Time, status model.IdempotencyStatus, cachedStatus int, body []byte) error
	Reclaim(ctx context.Context, key, pipeline string, observedLockedAt, now time.Time) (bool, error)
	Release(ctx context.Context, key, pipeline string, lockedAt time.Time) (bool, error)
}

// Outcome is the result of Begin.
type Outcome int

const (
	// Acquired means the caller is the only processor and must finish the claim.
	Acquired Outcome = iota + 1
	// Replay means the event was processed; Status and Body hold the response.
	Replay
	// InFlight means another processor holds a fresh claim.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Claim describes what the caller may do with an event.
type Claim struct {
	Outcome   Outcome
	Key       string
	Pipeline  string
	Status    int
	Body      []byte
	Reclaimed bool      // Acquired by taking over a stale pending record
	LockedAt  time.Time // lease start of an Acquired claim
}

// Options tunes the ledger.
type Options struct {
	Retention time.Duration    // how long records are kept
	Lease     time.Duration    // pending records older than this may be reclaimed
	CacheTTL  time.Duration    // replay cache lifetime, capped by Retention
	Now       func() time.Time // clock, defaults to time.Now
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store Store
	cache Cache
	log   *zap.Logger
	opts  Options
}

// New builds a Ledger.  cache may be nil.
func New(store Store, cache Cache, log *zap.Logger, opts Options) *Ledger {
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.CacheTTL <= 0 || opts.CacheTTL > opts.Retention {
		opts.CacheTTL = min(24*time.Hour, opts.Retention)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, cache: cache, log: log, opts: opts}
}

func (l *Ledger) now() time.Time {
	// DATETIME(6) keeps microseconds; truncating keeps Reclaim's comparison exact.
	return l.opts.Now().UTC().Truncate(time.Microsecond)
}

// Begin claims (key, pipeline).  Exactly one of any number of concurrent
// callers for a new key gets Acquired; the others get InFlight until the
// winner finishes, then Replay.
func (l *Ledger) Begin(ctx context.Context, key, pipeline string) (Claim, error) {
	if key == "" || pipeline == "" {
		return Claim{}, errors.New("ledger: empty key or pipeline")
	}
	if status, body, ok := l.cached(ctx, key, pipeline); ok {
		return Claim{Outcome: Replay, Key: key, Pipeline: pipeline, Status: status, Body: body}, nil
	}

	now := l.now()
	rec := &model.IdempotencyRecord{
		Key:       key,
		Pipeline:  pipeline,
		Status:    model.IdempotencyPending,
		LockedAt:  now,
		ExpiresAt: now.Add(l.opts.Retention),
	}
	err := l.store.Insert(ctx, rec)
	if err == nil {
		return Claim{Outcome: Acquired, Key: key, Pipeline: pipeline, LockedAt: now}, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return Claim{}, fmt.Errorf("ledger insert: %w", err)
	}

	existing, err := l.store.Get(ctx, key, pipeline)
	if err != nil {
		return Claim{}, fmt.Errorf("ledger get: %w", err)
	}
	return l.resolve(ctx, existing, now)
}

// resolve decides what a caller that lost the insert race may do.
func (l *Ledger) resolve(ctx context.Context, rec model.IdempotencyRecord, now time.Time) (Claim, error) {
	claim := Claim{Key: rec.Key, Pipeline: rec.Pipeline}
	if rec.Finished() {
		l.remember(ctx, rec.Key, rec.Pipeline, rec.CachedStatus, rec.CachedBody)
		claim.Outcome = Replay
		claim.Status = rec.CachedStatus
		claim.Body = rec.CachedBody
		return claim, nil
	}
	if now.Sub(rec.LockedAt) < l.opts.Lease {
		claim.Outcome = InFlight
		return claim, nil
	}
	// Stale pending record: the first processor probably died.  Take it over
	// only if nobody else did since we read it.
	ok, err := l.store.Reclaim(ctx, rec.Key, rec.Pipeline, rec.LockedAt, now)
	if err != nil {
		return Claim{}, fmt.Errorf("ledger reclaim: %w", err)
	}
	if !ok {
		claim.Outcome = InFlight
		return claim, nil
	}
	l.log.Warn("reclaimed stale idempotency record",
		zap.String("key", rec.Key),
		zap.String("pipeline", rec.Pipeline),
		zap.Time("locked_at", rec.LockedAt),
	)
	claim.Outcome = Acquired
	claim.Reclaimed = true
	claim.LockedAt = now
	return claim, nil
}

// Complete finishes an acquired claim successfully and caches the response.
func (l *Ledger) Complete(ctx context.Context, c Claim, status int, body []byte) error {
	return l.finish(ctx, c, model.IdempotencyComplete, status, body)
}

// Fail finishes an acquired claim with a terminal error.  The response is
// still cached so gateway redeliveries do not re-run side effects.
func (l *Ledger) Fail(ctx context.Context, c Claim, status int, body []byte) error {
	return l.finish(ctx, c, model.IdempotencyError, status, body)
}

func (l *Ledger) finish(ctx context.Context, c Claim, st model.IdempotencyStatus, status int, body []byte) error {
	if c.Outcome != Acquired {
		return fmt.Errorf("ledger: finish on %s claim", c.Outcome)
	}
	if err := l.store.Finish(ctx, c.Key, c.Pipeline, c.LockedAt, st, status, body); err != nil {
		return fmt.Errorf("ledger finish: %w", err)
	}
	l.remember(ctx, c.Key, c.Pipeline, status, body)
	return nil
}

// Release gives up an acquired claim without a result, for work that was
// interrupted by a transient failure.  The next delivery acquires afresh
// instead of waiting for the lease to expire.
func (l *Ledger) Release(ctx context.Context, c Claim) error {
	if c.Outcome != Acquired {
		return fmt.Errorf("ledger: release on %s claim", c.Outcome)
	}
	ok, err := l.store.Release(ctx, c.Key, c.Pipeline, c.LockedAt)
	if err != nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	if !ok {
		l.log.Debug("idempotency claim already taken over", zap.String("key", c.Key), zap.String("pipeline", c.Pipeline))
	}
	return nil
}

// Await polls the store until the record leaves pending or ctx ends.  On
// timeout it returns an InFlight claim and ctx's error.
func (l *Ledger) Await(ctx context.Context, key, pipeline string, interval time.Duration) (Claim, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rec, err := l.store.Get(ctx, key, pipeline)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Claim{}, fmt.Errorf("ledger get: %w", err)
		}
		if err == nil && rec.Finished() {
			l.remember(ctx, key, pipeline, rec.CachedStatus, rec.CachedBody)
			return Claim{Outcome: Replay, Key: key, Pipeline: pipeline, Status: rec.CachedStatus, Body: rec.CachedBody}, nil
		}
		select {
		case <-ctx.Done():
			return Claim{Outcome: InFlight, Key: key, Pipeline: pipeline}, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Ledger) cached(ctx context.Context, key, pipeline string) (int, []byte, bool) {
	if l.cache == nil {
		return 0, nil, false
	}
	raw, err := l.cache.Get(ctx, cacheKey(key, pipeline))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			l.log.Debug("ledger cache get failed", zap.Error(err))
		}
		return 0, nil, false
	}
	return decodeEntry(raw)
}

func (l *Ledger) remember(ctx context.Context, key, pipeline string, status int, body []byte) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, cacheKey(key, pipeline), encodeEntry(status, body), l.opts.CacheTTL); err != nil {
		l.log.Debug("ledger cache set failed", zap.Error(err))
	}
}
