package model

import "time"

// Notification kinds carried by the outbox and the notifications queue.
const (
	NotificationOrderConfirmation = "order.confirmation"
	NotificationOperatorAlert     = "operator.alert"
)

// OutboxMessage is a notification written in the same transaction as the
// state change it announces.  The relay publishes it to the broker later.
type OutboxMessage struct {
	ID          uint64     // notification_outbox.id
	MessageID   string     // notification_outbox.message_id (unique)
	Kind        string     // notification_outbox.kind
	Payload     []byte     // notification_outbox.payload (JSON)
	Attempts    int        // notification_outbox.attempts
	CreatedAt   time.Time  // notification_outbox.created_at
	PublishedAt *time.Time // notification_outbox.published_at (nullable)
}
