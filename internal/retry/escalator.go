package retry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

// FailureRecorder persists a payment failure together with its operator
// alert.  *repository.PaymentFailureRepo implements it.
type FailureRecorder interface {
	CreateWithAlert(ctx context.Context, f *model.PaymentFailure, alert model.OutboxMessage) error
}

// OperatorAlert is the payload of an operator alert notification.
type OperatorAlert struct {
	To               string `json:"to"`
	Subject          string `json:"subject"`
	Operation        string `json:"operation"`
	EventReference   string `json:"event_reference"`
	PaymentReference string `json:"payment_reference"`
	CustomerContact  string `json:"customer_contact"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	Attempts         int    `json:"attempts"`
	Reason           string `json:"reason"`
	Error            string `json:"error"`
}

// StoreEscalator writes a Payment Failure Record and queues an operator
// alert in the same transaction.  The alert is delivered asynchronously by
// the outbox relay, so a mail outage never loses the record.
type StoreEscalator struct {
	recorder FailureRecorder
	operator string
}

// NewStoreEscalator returns an Escalator that alerts operatorEmail.
func NewStoreEscalator(recorder FailureRecorder, operatorEmail string) *StoreEscalator {
	return &StoreEscalator{recorder: recorder, operator: operatorEmail}
}

// Escalate implements Escalator.
func (s *StoreEscalator) Escalate(ctx context.Context, e Escalation) error {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	payload, err := json.Marshal(OperatorAlert{
		To:               s.operator,
		Subject:          fmt.Sprintf("Payment %s needs manual fulfillment", e.PaymentReference),
		Operation:        e.Operation,
		EventReference:   e.EventReference,
		PaymentReference: e.PaymentReference,
		CustomerContact:  e.CustomerContact,
		AmountCents:      e.AmountCents,
		Currency:         e.Currency,
		Attempts:         e.Attempts,
		Reason:           e.Reason,
		Error:            detail,
	})
	if err != nil {
		return err
	}
	f := &model.PaymentFailure{
		EventReference:   e.EventReference,
		PaymentReference: e.PaymentReference,
		CustomerContact:  e.CustomerContact,
		AmountCents:      e.AmountCents,
		Currency:         e.Currency,
		ErrorDetail:      detail,
		Reason:           e.Reason,
	}
	alert := model.OutboxMessage{
		MessageID: uuid.NewString(),
		Kind:      model.NotificationOperatorAlert,
		Payload:   payload,
	}
	return s.recorder.CreateWithAlert(ctx, f, alert)
}
