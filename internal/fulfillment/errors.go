package fulfillment

import (
	"errors"
	"fmt"

	"github.com/iliyamo/venue-ticketing/internal/repository"
)

var (
	// ErrDuplicatePaymentReference means an order already claims the payment.
	// It is the idempotent no-op path for replays that slipped past the ledger.
	ErrDuplicatePaymentReference = repository.ErrDuplicatePaymentReference
	// ErrOrderNotFound is returned by Refund for unknown payment references.
	ErrOrderNotFound = errors.New("order not found")
)

// InsufficientInventoryError names the first line item that could not be
// reserved.  The whole fulfillment unit is rolled back.
type InsufficientInventoryError struct {
	ItemID    uint64
	ItemName  string
	Requested uint32
	Available uint32
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %q (item %d): requested %d, available %d",
		e.ItemName, e.ItemID, e.Requested, e.Available)
}

// ValidationError reports order inputs that can never succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsTerminal reports whether err can never succeed on retry.
func IsTerminal(err error) bool {
	var inv *InsufficientInventoryError
	var val *ValidationError
	return errors.As(err, &inv) || errors.As(err, &val) ||
		errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrDuplicatePaymentReference)
}
