package model

import "time"

// PaymentEvent is the raw notification received from the payment gateway.
// Rows are written once on first authenticated arrival and never updated;
// the retention job purges them after the retention window.
type PaymentEvent struct {
	EventID         string    // payment_events.event_id (unique)
	EventType       string    // payment_events.event_type
	Payload         []byte    // payment_events.payload
	SignatureHeader string    // payment_events.signature_header
	ReceivedAt      time.Time // payment_events.received_at
}
