package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/venue-ticketing/internal/fulfillment"
)

// Event types accepted from the gateway.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// ErrMalformedEvent wraps every envelope decoding problem.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// Envelope is the gateway event body.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object Payment `json:"object"`
	} `json:"data"`
}

// Payment is the nested payment object.
type Payment struct {
	ID             string     `json:"id"`
	PaymentIntent  string     `json:"payment_intent"`
	AmountTotal    int64      `json:"amount_total"`
	AmountSubtotal int64      `json:"amount_subtotal"`
	Fees           int64      `json:"fees"`
	Currency       string     `json:"currency"`
	Customer       Customer   `json:"customer"`
	VenueEventID   uint64     `json:"venue_event_id"`
	LineItems      []LineItem `json:"line_items"`
	FailureMessage string     `json:"failure_message,omitempty"`
}

// Customer identifies the purchaser.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LineItem is one purchased inventory allocation.
type LineItem struct {
	InventoryItemID uint64   `json:"inventory_item_id"`
	Quantity        uint32   `json:"quantity"`
	UnitAmount      int64    `json:"unit_amount"`
	HolderNames     []string `json:"holder_names,omitempty"`
}

// PaymentReference is the gateway's payment id, preferring the payment
// intent when the object is a checkout session.
func (p Payment) PaymentReference() string {
	if p.PaymentIntent != "" {
		return p.PaymentIntent
	}
	return p.ID
}

// ParseEnvelope decodes and sanity-checks an authenticated body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return env, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	switch env.Type {
	case EventPaymentCompleted, EventPaymentFailed, EventPaymentRefunded:
	case "":
		return env, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return env, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
	if env.Data.Object.PaymentReference() == "" {
		return env, fmt.Errorf("%w: missing payment reference", ErrMalformedEvent)
	}
	return env, nil
}

// FulfillmentRequest maps a completed payment to a fulfillment request.
func (p Payment) FulfillmentRequest() fulfillment.Request {
	req := fulfillment.Request{
		PaymentReference: p.PaymentReference(),
		VenueEventID:     p.VenueEventID,
		PurchaserName:    strings.TrimSpace(p.Customer.Name),
		PurchaserEmail:   strings.TrimSpace(p.Customer.Email),
		Currency:         strings.ToLower(p.Currency),
		SubtotalCents:    p.AmountSubtotal,
		FeesCents:        p.Fees,
		TotalCents:       p.AmountTotal,
		Items:            make([]fulfillment.LineItem, 0, len(p.LineItems)),
	}
	for _, li := range p.LineItems {
		req.Items = append(req.Items, fulfillment.LineItem{
			InventoryItemID: li.InventoryItemID,
			Quantity:        li.Quantity,
			UnitAmountCents: li.UnitAmount,
			HolderNames:     li.HolderNames,
		})
	}
	return req
}
