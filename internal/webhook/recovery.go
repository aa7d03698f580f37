package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// PendingLister finds claims that were taken but never finished.
// *repository.IdempotencyRepo implements it.
type PendingLister interface {
	ListStalePending(ctx context.Context, pipeline string, cutoff time.Time, limit int) ([]model.IdempotencyRecord, error)
}

// EventSource returns stored gateway events.  *repository.PaymentEventRepo
// implements it.
type EventSource interface {
	Get(ctx context.Context, eventID string) (model.PaymentEvent, error)
}

// Recovery re-runs events that were accepted with 202 but whose background
// processing ended without a ledger result.  The gateway will not redeliver
// those, so the stored payload is the only way back in.
type Recovery struct {
	gate    *Gate
	pending PendingLister
	events  EventSource
	lease   time.Duration
	batch   int
	log     *zap.Logger
	now     func() time.Time
}

// NewRecovery builds a Recovery.  lease must match the ledger's lease so a
// claim still being worked on is never listed.
func NewRecovery(gate *Gate, pending PendingLister, events EventSource, lease time.Duration, log *zap.Logger) *Recovery {
	if gate == nil || pending == nil || events == nil {
		panic("nil dependency passed to NewRecovery")
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{gate: gate, pending: pending, events: events, lease: lease, batch: 20, log: log, now: time.Now}
}

// Sweep resumes every stale claim it can find and returns how many were
// processed.  Events that cannot be resumed are logged and skipped.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	recs, err := r.pending.ListStalePending(ctx, r.gate.cfg.Pipeline, r.now().UTC().Add(-r.lease), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}
	resumed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		ev, err := r.events.Get(ctx, rec.Key)
		if errors.Is(err, repository.ErrNotFound) {
			r.log.Error("stale claim has no stored event", zap.String("event_id", rec.Key))
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("load event %s: %w", rec.Key, err)
		}
		resp, ran, err := r.gate.Resume(ctx, ev.Payload)
		if err != nil {
			r.log.Error("could not resume event", zap.String("event_id", rec.Key), zap.Error(err))
			continue
		}
		if !ran {
			continue
		}
		resumed++
		r.log.Info("resumed event", zap.String("event_id", rec.Key), zap.Int("status", resp.Status))
	}
	return resumed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn("recovery sweep failed", zap.Error(err))
			}
		}
	}
}
