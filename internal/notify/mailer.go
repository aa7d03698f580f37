package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iliyamo/venue-ticketing/internal/fulfillment"
	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/retry"
)

// Mailer delivers a decoded notification.  A returned error makes the
// consumer redeliver the message.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer appends one line per notification to <dir>/notifications.log.
// It stands in for a real mail provider.
type LogMailer struct {
	dir string
	mu  sync.Mutex
}

// NewLogMailer writes under dir, "logs" when empty.
func NewLogMailer(dir string) *LogMailer {
	if dir == "" {
		dir = "logs"
	}
	return &LogMailer{dir: dir}
}

// Path is the file the mailer appends to.
func (l *LogMailer) Path() string { return filepath.Join(l.dir, "notifications.log") }

// Send implements Mailer.
func (l *LogMailer) Send(_ context.Context, m Message) error {
	line, err := FormatLine(m)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders a notification as a single log line.
func FormatLine(m Message) (string, error) {
	ts := m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	switch m.Kind {
	case model.NotificationOrderConfirmation:
		var c fulfillment.Confirmation
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			return "", fmt.Errorf("unmarshal confirmation: %w", err)
		}
		return fmt.Sprintf("[%s] Order confirmed | message_id=%s | order_id=%d | payment=%s | to=%q | purchaser=%q | total=%d %s | tickets=%d\n",
			ts, m.MessageID, c.OrderID, c.PaymentReference, c.PurchaserEmail, c.PurchaserName, c.TotalCents, c.Currency, len(c.Tickets)), nil
	case model.NotificationOperatorAlert:
		var a retry.OperatorAlert
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			return "", fmt.Errorf("unmarshal alert: %w", err)
		}
		return fmt.Sprintf("[%s] Operator alert | message_id=%s | to=%q | subject=%q | operation=%s | event=%s | payment=%s | customer=%q | amount=%d %s | attempts=%d | reason=%s | error=%q\n",
			ts, m.MessageID, a.To, a.Subject, a.Operation, a.EventReference, a.PaymentReference, a.CustomerContact, a.AmountCents, a.Currency, a.Attempts, a.Reason, a.Error), nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", m.Kind)
	}
}
