package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// Relay moves committed outbox rows to the broker.  Several relays may run
// at once: rows are claimed with SKIP LOCKED.
type Relay struct {
	outbox   *repository.OutboxRepo
	pub      Publisher
	interval time.Duration
	batch    int
	log      *zap.Logger
}

// NewRelay builds a Relay polling every interval.
func NewRelay(outbox *repository.OutboxRepo, pub Publisher, interval time.Duration, log *zap.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{outbox: outbox, pub: pub, interval: interval, batch: 50, log: log}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if n, err := r.Drain(ctx); err != nil {
			r.log.Warn("outbox relay pass failed", zap.Int("published", n), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Drain publishes one batch and returns how many messages went out.  A
// publish failure stops the batch: the broker is most likely down and the
// remaining rows are retried on the next pass.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.outbox.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	msgs, err := r.outbox.PendingTx(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	var pubErr error
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m); err != nil {
			pubErr = err
			if err := r.outbox.BumpAttemptsTx(ctx, tx, m.ID); err != nil {
				return published, err
			}
			r.log.Warn("notification publish failed",
				zap.String("message_id", m.MessageID),
				zap.String("kind", m.Kind),
				zap.Int("attempts", m.Attempts+1),
				zap.Error(err),
			)
			break
		}
		if err := r.outbox.MarkPublishedTx(ctx, tx, m.ID, time.Now().UTC()); err != nil {
			return published, err
		}
		published++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return published, pubErr
}
