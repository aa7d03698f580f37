package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/venue-ticketing/internal/metrics"
	"github.com/iliyamo/venue-ticketing/internal/model"
)

// Publisher sends one outbox message to the broker.
type Publisher interface {
	Publish(ctx context.Context, m model.OutboxMessage) error
}

// AMQPPublisher publishes persistent messages to a durable queue.  The
// connection is opened lazily and dropped on any publish error so the next
// call reconnects.
type AMQPPublisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher targets queue on the broker at url.
func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	if queue == "" {
		queue = QueueName
	}
	return &AMQPPublisher{url: url, queue: queue}
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, m model.OutboxMessage) error {
	body, err := json.Marshal(Message{
		MessageID: m.MessageID,
		Kind:      m.Kind,
		Payload:   json.RawMessage(m.Payload),
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		MessageId:    m.MessageID,
		Type:         m.Kind,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.closeLocked()
		return fmt.Errorf("publish: %w", err)
	}
	metrics.NotificationsPublishedTotal.WithLabelValues(m.Kind).Inc()
	return nil
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
