// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// ledger, the fulfillment transaction and the handlers to distinguish
// between different failure scenarios without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an update cannot be applied because the row
// is not in the expected state, such as an illegal order status transition.
// Handlers should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrDuplicate is returned when an insert collides with an existing unique
// key.  The idempotency ledger relies on it to elect a single processor.
var ErrDuplicate = errors.New("duplicate key")

// ErrDuplicatePaymentReference is returned when an order insert collides
// with an existing order for the same gateway payment.
var ErrDuplicatePaymentReference = errors.New("duplicate payment reference")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// isDuplicate reports whether err is a MySQL unique key violation.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
