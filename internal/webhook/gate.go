// Package webhook is the network-facing entry point for payment gateway
// notifications.  It authenticates each delivery, deduplicates it through
// the idempotency ledger and drives fulfillment through the retry
// controller, answering the gateway within a fixed time budget.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/fulfillment"
	"github.com/iliyamo/venue-ticketing/internal/ledger"
	"github.com/iliyamo/venue-ticketing/internal/metrics"
	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/retry"
)

// Ledger is the idempotency ledger as used by the gate.
type Ledger interface {
	Begin(ctx context.Context, key, pipeline string) (ledger.Claim, error)
	Complete(ctx context.Context, c ledger.Claim, status int, body []byte) error
	Fail(ctx context.Context, c ledger.Claim, status int, body []byte) error
	Release(ctx context.Context, c ledger.Claim) error
	Await(ctx context.Context, key, pipeline string, interval time.Duration) (ledger.Claim, error)
}

// Fulfiller creates and reverses orders.
type Fulfiller interface {
	Fulfill(ctx context.Context, req fulfillment.Request) (*fulfillment.Result, error)
	Refund(ctx context.Context, paymentRef string) (*fulfillment.RefundResult, error)
	OrderByPaymentRef(ctx context.Context, ref string) (model.Order, error)
}

// Runner retries an operation and escalates when it gives up.
type Runner interface {
	Run(ctx context.Context, name string, op func(ctx context.Context) error, inc retry.Incident) retry.Result
}

// EventRecorder keeps the raw gateway event.
type EventRecorder interface {
	Record(ctx context.Context, ev model.PaymentEvent) error
}

// FailureTracker counts authentication failures per source.
type FailureTracker interface {
	RecordFailure(ctx context.Context, source string)
}

// Config holds the gate's time budgets.
type Config struct {
	Pipeline          string        // ledger pipeline name
	ResponseBudget    time.Duration // answer 202 after this
	ProcessingTimeout time.Duration // hard deadline for background processing
	InFlightWait      time.Duration // how long a duplicate waits for the first processor
	PollInterval      time.Duration // ledger poll interval while waiting
}

// Deps are the gate's collaborators.  Events and Failures may be nil.
type Deps struct {
	Auth      *Authenticator
	Ledger    Ledger
	Fulfiller Fulfiller
	Runner    Runner
	Events    EventRecorder
	Failures  FailureTracker
	Log       *zap.Logger
}

// Inbound is one delivery as received over HTTP.
type Inbound struct {
	Body      []byte
	Signature string // Gateway-Signature header value
	Source    string // caller identity, usually the client IP
}

// Response is what the gate answers.  Body is JSON.
type Response struct {
	Status int
	Body   []byte
}

// Gate handles gateway deliveries.  It holds no per-event state in memory,
// so any number of instances can run against the same ledger.
type Gate struct {
	Deps
	cfg Config
	wg  sync.WaitGroup
}

// NewGate builds a Gate.
func NewGate(d Deps, cfg Config) *Gate {
	if d.Auth == nil || d.Ledger == nil || d.Fulfiller == nil || d.Runner == nil {
		panic("nil dependency passed to NewGate")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = "payments"
	}
	if cfg.ResponseBudget <= 0 {
		cfg.ResponseBudget = 4500 * time.Millisecond
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 2 * time.Minute
	}
	if cfg.InFlightWait <= 0 {
		cfg.InFlightWait = 1500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Gate{Deps: d, cfg: cfg}
}

// Wait blocks until background processing started by Handle has finished.
func (g *Gate) Wait() { g.wg.Wait() }

// Handle authenticates, deduplicates and processes one delivery.
func (g *Gate) Handle(ctx context.Context, in Inbound) Response {
	if err := g.Auth.Verify(in.Signature, in.Body); err != nil {
		g.Log.Warn("webhook authentication failed",
			zap.Bool("security_event", true),
			zap.String("source", in.Source),
			zap.Error(err),
		)
		if g.Failures != nil {
			g.Failures.RecordFailure(ctx, in.Source)
		}
		return g.reply("unauthorized", http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
	}

	env, err := ParseEnvelope(in.Body)
	if err != nil {
		g.Log.Warn("rejected webhook event", zap.String("source", in.Source), zap.Error(err))
		return g.reply("invalid", http.StatusBadRequest, map[string]any{"error": "invalid event"})
	}
	log := g.Log.With(zap.String("event_id", env.ID), zap.String("event_type", env.Type))

	if g.Events != nil {
		ev := model.PaymentEvent{
			EventID:         env.ID,
			EventType:       env.Type,
			Payload:         in.Body,
			SignatureHeader: in.Signature,
			ReceivedAt:      time.Now().UTC(),
		}
		if err := g.Events.Record(ctx, ev); err != nil {
			log.Warn("could not record payment event", zap.Error(err))
		}
	}

	claim, err := g.Ledger.Begin(ctx, env.ID, g.cfg.Pipeline)
	if err != nil {
		log.Error("idempotency ledger unavailable", zap.Error(err))
		return g.reply("error", http.StatusInternalServerError, map[string]any{"error": "temporarily unavailable"})
	}

	switch claim.Outcome {
	case ledger.Replay:
		log.Info("replaying cached webhook response")
		metrics.WebhookRequestsTotal.WithLabelValues("replayed").Inc()
		return Response{Status: claim.Status, Body: claim.Body}
	case ledger.InFlight:
		return g.awaitInFlight(ctx, env, log)
	}

	if claim.Reclaimed {
		log.Warn("reprocessing event after stale claim")
	}
	return g.dispatch(ctx, claim, env, log)
}

// awaitInFlight lets a concurrent duplicate wait briefly for the first
// processor's result.
func (g *Gate) awaitInFlight(ctx context.Context, env Envelope, log *zap.Logger) Response {
	wctx, cancel := context.WithTimeout(ctx, g.cfg.InFlightWait)
	defer cancel()
	claim, err := g.Ledger.Await(wctx, env.ID, g.cfg.Pipeline, g.cfg.PollInterval)
	if err == nil && claim.Outcome == ledger.Replay {
		metrics.WebhookRequestsTotal.WithLabelValues("replayed").Inc()
		return Response{Status: claim.Status, Body: claim.Body}
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		log.Error("idempotency ledger unavailable", zap.Error(err))
		return g.reply("error", http.StatusInternalServerError, map[string]any{"error": "temporarily unavailable"})
	}
	log.Info("duplicate delivery while event is in flight")
	return g.reply("in_flight", http.StatusConflict, map[string]any{"error": "event is being processed"})
}

// handoff coordinates background processing with the request waiting for
// it.  Once detached, nobody will see the answer, so a transient failure must
// not release the claim: the gateway was already told the event is accepted.
type handoff struct {
	mu       sync.Mutex
	detached bool
	settled  bool
	done     chan Response
}

func newHandoff(detached bool) *handoff {
	return &handoff{detached: detached, done: make(chan Response, 1)}
}

// settle fixes whether the caller still waits and reports it.
func (h *handoff) settle() (detached bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settled = true
	return h.detached
}

// detach gives up waiting.  If processing already settled its answer for a
// waiting caller, that answer is returned instead.
func (h *handoff) detach() (Response, bool) {
	h.mu.Lock()
	if !h.settled {
		h.detached = true
		h.mu.Unlock()
		return Response{}, false
	}
	h.mu.Unlock()
	return <-h.done, true
}

// dispatch runs processing detached from the request so it survives the
// gateway hanging up, and answers 202 if the budget runs out first.
func (g *Gate) dispatch(ctx context.Context, claim ledger.Claim, env Envelope, log *zap.Logger) Response {
	h := newHandoff(false)
	started := time.Now()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ProcessingTimeout)
		defer cancel()
		g.process(pctx, claim, env, log, h)
		metrics.WebhookProcessingDuration.Observe(time.Since(started).Seconds())
	}()

	timer := time.NewTimer(g.cfg.ResponseBudget)
	defer timer.Stop()
	select {
	case resp := <-h.done:
		return resp
	case <-timer.C:
	case <-ctx.Done():
	}
	if resp, ok := h.detach(); ok {
		return resp
	}
	log.Info("webhook processing continues in background")
	return g.reply("accepted", http.StatusAccepted, map[string]any{"received": true, "status": "processing"})
}

// Resume re-runs a stored event whose claim went stale without a result.  It
// only processes when the ledger hands over the claim; the answer goes to no
// one, so a transient failure leaves the claim pending for the next sweep.
func (g *Gate) Resume(ctx context.Context, body []byte) (Response, bool, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return Response{}, false, err
	}
	claim, err := g.Ledger.Begin(ctx, env.ID, g.cfg.Pipeline)
	if err != nil {
		return Response{}, false, err
	}
	if claim.Outcome != ledger.Acquired {
		return Response{}, false, nil
	}
	log := g.Log.With(zap.String("event_id", env.ID), zap.String("event_type", env.Type))
	log.Warn("resuming unfinished webhook event")
	pctx, cancel := context.WithTimeout(ctx, g.cfg.ProcessingTimeout)
	defer cancel()
	return g.process(pctx, claim, env, log, newHandoff(true)), true, nil
}

// outcome is the result of processing before it is written to the ledger.
type outcome struct {
	status int
	body   map[string]any
	label  string
	failed bool // cache as error rather than complete
	retry  bool // release the claim and let the gateway redeliver
}

func (g *Gate) process(ctx context.Context, claim ledger.Claim, env Envelope, log *zap.Logger, h *handoff) Response {
	var out outcome
	switch env.Type {
	case EventPaymentCompleted:
		out = g.fulfill(ctx, env, log)
	case EventPaymentRefunded:
		out = g.refund(ctx, env, log)
	default:
		log.Info("payment failed at gateway",
			zap.String("payment_reference", env.Data.Object.PaymentReference()),
			zap.String("failure", env.Data.Object.FailureMessage),
		)
		out = outcome{status: http.StatusOK, label: "processed", body: map[string]any{"received": true, "status": "payment_failed"}}
	}

	body, _ := json.Marshal(out.body)
	resp := Response{Status: out.status, Body: body}
	detached := h.settle()
	// The ledger must be written even when processing used up its deadline.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var err error
	switch {
	case out.retry && detached:
		log.Error("event left pending for recovery", zap.String("key", claim.Key))
	case out.retry:
		err = g.Ledger.Release(fctx, claim)
	case out.failed:
		err = g.Ledger.Fail(fctx, claim, out.status, body)
	default:
		err = g.Ledger.Complete(fctx, claim, out.status, body)
	}
	if err != nil {
		log.Error("could not finalize idempotency record", zap.Error(err))
	}
	metrics.WebhookRequestsTotal.WithLabelValues(out.label).Inc()
	h.done <- resp
	return resp
}

func (g *Gate) fulfill(ctx context.Context, env Envelope, log *zap.Logger) outcome {
	p := env.Data.Object
	req := p.FulfillmentRequest()
	var (
		result    *fulfillment.Result
		duplicate bool
	)
	op := func(actx context.Context) error {
		r, err := g.Fulfiller.Fulfill(actx, req)
		switch {
		case err == nil:
			result = r
			metrics.FulfillmentAttemptsTotal.WithLabelValues("success").Inc()
			return nil
		case errors.Is(err, fulfillment.ErrDuplicatePaymentReference):
			duplicate = true
			metrics.FulfillmentAttemptsTotal.WithLabelValues("duplicate").Inc()
			return nil
		case fulfillment.IsTerminal(err):
			metrics.FulfillmentAttemptsTotal.WithLabelValues("terminal").Inc()
		default:
			metrics.FulfillmentAttemptsTotal.WithLabelValues("transient").Inc()
		}
		return err
	}
	res := g.Runner.Run(ctx, "fulfill", op, retry.Incident{
		EventReference:   env.ID,
		PaymentReference: req.PaymentReference,
		CustomerContact:  req.PurchaserEmail,
		AmountCents:      req.TotalCents,
		Currency:         req.Currency,
		// The customer has been charged.
		EscalateTerminal: true,
	})

	switch {
	case res.Err == nil && duplicate:
		body := map[string]any{"received": true, "duplicate": true}
		if o, err := g.Fulfiller.OrderByPaymentRef(ctx, req.PaymentReference); err == nil {
			body["order_id"] = o.ID
		}
		log.Info("payment already fulfilled", zap.String("payment_reference", req.PaymentReference))
		return outcome{status: http.StatusOK, label: "duplicate", body: body}
	case res.Err == nil:
		return outcome{status: http.StatusOK, label: "processed", body: map[string]any{
			"received": true,
			"order_id": result.Order.ID,
			"tickets":  len(result.Tickets),
		}}
	}
	return g.degraded(res, log)
}

func (g *Gate) refund(ctx context.Context, env Envelope, log *zap.Logger) outcome {
	p := env.Data.Object
	ref := p.PaymentReference()
	var result *fulfillment.RefundResult
	res := g.Runner.Run(ctx, "refund", func(actx context.Context) error {
		r, err := g.Fulfiller.Refund(actx, ref)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, retry.Incident{
		EventReference:   env.ID,
		PaymentReference: ref,
		CustomerContact:  p.Customer.Email,
		AmountCents:      p.AmountTotal,
		Currency:         p.Currency,
	})
	if res.Err == nil {
		return outcome{status: http.StatusOK, label: "processed", body: map[string]any{
			"received":         true,
			"refunded":         true,
			"order_id":         result.Order.ID,
			"tickets_refunded": result.TicketsRefunded,
			"already_refunded": result.AlreadyRefunded,
		}}
	}
	if res.Terminal {
		log.Warn("refund not applied", zap.String("payment_reference", ref), zap.Error(res.Err))
		return outcome{status: http.StatusOK, label: "rejected", failed: true, body: map[string]any{
			"received": true,
			"refunded": false,
			"reason":   reasonFor(res.Err),
		}}
	}
	return g.degraded(res, log)
}

// degraded maps a failed run to the gateway answer.  Once a human has the
// failure the gateway is told to stop; otherwise it is asked to redeliver.
func (g *Gate) degraded(res retry.Result, log *zap.Logger) outcome {
	if res.Escalated {
		reason := "exhausted"
		if res.Terminal {
			reason = "terminal"
		}
		metrics.EscalationsTotal.WithLabelValues(reason).Inc()
		return outcome{status: http.StatusOK, label: "escalated", failed: true, body: map[string]any{
			"received":  true,
			"fulfilled": false,
			"escalated": true,
			"reason":    reasonFor(res.Err),
		}}
	}
	log.Error("event left unprocessed, awaiting redelivery", zap.Int("attempts", res.Attempts), zap.Error(res.Err))
	return outcome{status: http.StatusInternalServerError, label: "error", retry: true, body: map[string]any{
		"error": "temporarily unavailable",
	}}
}

// reasonFor names a failure without leaking internals to the gateway.
func reasonFor(err error) string {
	var inv *fulfillment.InsufficientInventoryError
	var val *fulfillment.ValidationError
	switch {
	case errors.As(err, &inv):
		return "insufficient_inventory"
	case errors.As(err, &val):
		return "invalid_order"
	case errors.Is(err, fulfillment.ErrOrderNotFound):
		return "order_not_found"
	}
	return "processing_failed"
}

func (g *Gate) reply(label string, status int, body map[string]any) Response {
	metrics.WebhookRequestsTotal.WithLabelValues(label).Inc()
	b, _ := json.Marshal(body)
	return Response{Status: status, Body: b}
}
