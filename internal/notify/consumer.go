package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultMaxDeliveries bounds how often a message is handed to the mailer.
const DefaultMaxDeliveries = 3

// Consumer reads the notifications queue and hands each message to a
// Mailer.  A message the mailer rejects is republished with its attempt
// count bumped until MaxDeliveries is reached, then dropped with an error
// log.  Malformed messages are rejected straight away.
type Consumer struct {
	url           string
	queue         string
	mailer        Mailer
	log           *zap.Logger
	MaxDeliveries int
}

// NewConsumer builds a Consumer for queue on the broker at url.
func NewConsumer(url, queue string, mailer Mailer, log *zap.Logger) *Consumer {
	if queue == "" {
		queue = QueueName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{url: url, queue: queue, mailer: mailer, log: log, MaxDeliveries: DefaultMaxDeliveries}
}

// Run connects to the broker and consumes until ctx is cancelled,
// reconnecting with a doubling backoff capped at 30s.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("notify consumer: dial broker failed", zap.Duration("retry_in", backoff), zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("notify consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("notify consumer: set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, ch, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	attempt := attemptOf(d.Headers)
	switch c.handle(ctx, d.Body, attempt) {
	case outcomeDelivered:
		_ = d.Ack(false)
	case outcomeRetry:
		pub := amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Type:         d.Type,
			Timestamp:    d.Timestamp,
			Headers:      amqp.Table{attemptHeader: int32(attempt + 1)},
			Body:         d.Body,
		}
		if err := ch.PublishWithContext(ctx, "", c.queue, false, false, pub); err != nil {
			c.log.Warn("notify consumer: republish failed", zap.String("message_id", d.MessageId), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	default:
		_ = d.Nack(false, false) // reject, do not requeue
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeDropped
)

// handle decodes body and sends it; attempt counts previous failed
// deliveries, starting at 1 for the first.
func (c *Consumer) handle(ctx context.Context, body []byte, attempt int) outcome {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		c.log.Error("notify consumer: malformed message", zap.Error(err))
		return outcomeDropped
	}
	err := c.mailer.Send(ctx, m)
	if err == nil {
		c.log.Debug("notification delivered", zap.String("message_id", m.MessageID), zap.String("kind", m.Kind))
		return outcomeDelivered
	}
	if attempt < c.MaxDeliveries {
		c.log.Warn("notification delivery failed, retrying",
			zap.String("message_id", m.MessageID), zap.Int("attempt", attempt), zap.Error(err))
		return outcomeRetry
	}
	c.log.Error("notification dropped after repeated failures",
		zap.String("message_id", m.MessageID),
		zap.String("kind", m.Kind),
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	return outcomeDropped
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 1
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
