package model

import "time"

// PaymentFailure is written when a charge succeeded but fulfillment did not.
// It exists for operator reconciliation and is never deleted automatically.
type PaymentFailure struct {
	ID               uint64     `json:"id"`
	EventReference   string     `json:"event_reference"`
	PaymentReference string     `json:"payment_reference"`
	CustomerContact  string     `json:"customer_contact"`
	AmountCents      int64      `json:"amount_cents"`
	Currency         string     `json:"currency"`
	ErrorDetail      string     `json:"error_detail"`
	Reason           string     `json:"reason"`
	Resolved         bool       `json:"resolved"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
