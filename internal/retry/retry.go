// Package retry runs fragile post-payment steps with bounded exponential
// backoff and hands exhausted failures to a human.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds the retry loop.
type Policy struct {
	Attempts       int           // total attempts, including the first
	Base           time.Duration // first backoff interval
	Cap            time.Duration // maximum backoff interval
	AttemptTimeout time.Duration // deadline for a single attempt, 0 for none
}

// DefaultPolicy is 5 attempts, 500ms base, 10s cap.
var DefaultPolicy = Policy{Attempts: 5, Base: 500 * time.Millisecond, Cap: 10 * time.Second, AttemptTimeout: 10 * time.Second}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	// The attempt count bounds the loop, not the elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Classifier reports whether an error can never succeed on retry.
type Classifier func(error) bool

// Incident describes the charge behind an operation so an escalation can
// name it.
type Incident struct {
	EventReference   string
	PaymentReference string
	CustomerContact  string
	AmountCents      int64
	Currency         string
	// EscalateTerminal also escalates terminal errors.  Set it when the
	// customer has been charged: the money is real even if the order can
	// never be created automatically.
	EscalateTerminal bool
}

// Escalation is what the operator gets to see.
type Escalation struct {
	Incident
	Operation string
	Attempts  int
	Reason    string // "exhausted" or "terminal"
	Err       error
}

// Escalator records a failure for operators.  It is called at most once per
// Run.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// Result summarizes a Run.
type Result struct {
	Attempts  int
	Err       error // last error, nil on success
	Terminal  bool  // Err was classified as terminal
	Escalated bool
}

// Controller retries operations according to a policy.
type Controller struct {
	policy    Policy
	terminal  Classifier
	escalator Escalator
	log       *zap.Logger
	// newBackOff is swapped in tests.
	newBackOff func() backoff.BackOff
}

// NewController builds a Controller.  escalator and log may be nil.
func NewController(p Policy, terminal Classifier, escalator Escalator, log *zap.Logger) *Controller {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Cap < p.Base {
		p.Cap = max(p.Base, DefaultPolicy.Cap)
	}
	if terminal == nil {
		terminal = func(error) bool { return false }
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{policy: p, terminal: terminal, escalator: escalator, log: log}
	c.newBackOff = func() backoff.BackOff { return p.backoff() }
	return c
}

// Policy returns the effective policy.
func (c *Controller) Policy() Policy { return c.policy }

// Run calls op until it succeeds, returns a terminal error, or the attempt
// budget is spent.  Backoff sleeps end early when ctx is done.  If ctx is
// cancelled mid-loop Run returns without escalating: the work was
// interrupted, not proven to fail.
func (c *Controller) Run(ctx context.Context, name string, op func(ctx context.Context) error, inc Incident) Result {
	var res Result
	attempt := func() error {
		res.Attempts++
		actx, cancel := c.attemptContext(ctx)
		err := op(actx)
		cancel()
		if err == nil {
			return nil
		}
		if c.terminal(err) {
			res.Terminal = true
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			// Parent gone: stop retrying, keep the operation's error.
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", res.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.policy.Attempts-1)), ctx)
	err := backoff.RetryNotify(attempt, b, notify)
	if err == nil {
		return res
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	res.Err = err

	switch {
	case res.Terminal && !inc.EscalateTerminal:
		c.log.Info("operation failed terminally", zap.String("operation", name), zap.Error(err))
		return res
	case !res.Terminal && ctx.Err() != nil:
		c.log.Warn("operation interrupted", zap.String("operation", name), zap.Int("attempts", res.Attempts), zap.Error(err))
		return res
	}

	reason := "exhausted"
	if res.Terminal {
		reason = "terminal"
	}
	res.Escalated = c.escalate(ctx, Escalation{
		Incident:  inc,
		Operation: name,
		Attempts:  res.Attempts,
		Reason:    reason,
		Err:       err,
	})
	return res
}

func (c *Controller) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.policy.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.policy.AttemptTimeout)
}

func (c *Controller) escalate(ctx context.Context, e Escalation) bool {
	c.log.Error("escalating failed operation",
		zap.String("operation", e.Operation),
		zap.String("event_reference", e.EventReference),
		zap.String("payment_reference", e.PaymentReference),
		zap.Int64("amount_cents", e.AmountCents),
		zap.Int("attempts", e.Attempts),
		zap.String("reason", e.Reason),
		zap.Error(e.Err),
	)
	if c.escalator == nil {
		return false
	}
	// The record must be written even if the caller's context is already
	// at its deadline.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.escalator.Escalate(ectx, e); err != nil {
		c.log.Error("escalation failed", zap.String("operation", e.Operation), zap.Error(fmt.Errorf("escalate: %w", err)))
		return false
	}
	return true
}
