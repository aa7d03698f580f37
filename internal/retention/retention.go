// Package retention purges pipeline records that have outlived their
// usefulness: expired idempotency records, old payment events and
// delivered outbox messages.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type IdempotencyStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type EventStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type OutboxStore interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts the rows removed by one purge.
type Report struct {
	IdempotencyRecords int64 `json:"idempotency_records"`
	PaymentEvents      int64 `json:"payment_events"`
	OutboxMessages     int64 `json:"outbox_messages"`
}

// Purger deletes records older than the retention window.
type Purger struct {
	idem      IdempotencyStore
	events    EventStore
	outbox    OutboxStore
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewPurger(idem IdempotencyStore, events EventStore, outbox OutboxStore, retention time.Duration, log *zap.Logger) *Purger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Purger{idem: idem, events: events, outbox: outbox, retention: retention, log: log, now: time.Now}
}

// Purge runs one pass.  Idempotency records carry their own expiry; events
// and outbox rows are cut at now minus the retention window.
func (p *Purger) Purge(ctx context.Context) (Report, error) {
	now := p.now().UTC()
	cutoff := now.Add(-p.retention)
	var rep Report
	var err error

	if rep.IdempotencyRecords, err = p.idem.DeleteExpired(ctx, now); err != nil {
		return rep, fmt.Errorf("purge idempotency records: %w", err)
	}
	if rep.PaymentEvents, err = p.events.DeleteOlderThan(ctx, cutoff); err != nil {
		return rep, fmt.Errorf("purge payment events: %w", err)
	}
	if rep.OutboxMessages, err = p.outbox.DeletePublishedBefore(ctx, cutoff); err != nil {
		return rep, fmt.Errorf("purge outbox: %w", err)
	}
	p.log.Info("retention purge done",
		zap.Int64("idempotency_records", rep.IdempotencyRecords),
		zap.Int64("payment_events", rep.PaymentEvents),
		zap.Int64("outbox_messages", rep.OutboxMessages),
	)
	return rep, nil
}

// Run purges every interval until ctx is cancelled.
func (p *Purger) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Purge(ctx); err != nil {
				p.log.Warn("retention purge failed", zap.Error(err))
			}
		}
	}
}
