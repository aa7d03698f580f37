package fulfillment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/signature"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewSQLStore(db,
		repository.NewInventoryRepo(db),
		repository.NewOrderRepo(db),
		repository.NewTicketRepo(db),
		repository.NewOutboxRepo(db),
	)
	return store, mock
}

var inventoryCols = []string{"id", "venue_event_id", "kind", "name", "capacity", "remaining", "guests_per_unit"}

var orderCols = []string{"id", "venue_event_id", "purchaser_name", "purchaser_email", "payment_reference", "status",
	"subtotal_cents", "fees_cents", "total_cents", "currency", "created_at", "updated_at"}

func TestSQLStoreFulfillCommits(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, signature.NewCodec(signature.StaticSecret(secret), false), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE payment_reference = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM inventory_items WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(1)).
		WillReturnRows(sqlmock.NewRows(inventoryCols).AddRow(1, 7, "ga", "Floor", 100, 10, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inventory_items SET remaining = remaining - ?")).
		WithArgs(uint32(2), uint64(1), uint32(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnResult(sqlmock.NewResult(41, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
		WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_outbox")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := svc.Fulfill(context.Background(), request("pi_sql", LineItem{InventoryItemID: 1, Quantity: 2, UnitAmountCents: 2500}))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Order.ID != 41 || len(res.Tickets) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreRollsBackOnInsufficientInventory(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, signature.NewCodec(signature.StaticSecret(secret), false), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE payment_reference = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM inventory_items WHERE id = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(inventoryCols).AddRow(1, 7, "ga", "Floor", 100, 0, 1))
	mock.ExpectRollback()

	_, err := svc.Fulfill(context.Background(), request("pi_short", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 2500}))
	var inv *InsufficientInventoryError
	if !errors.As(err, &inv) || inv.Available != 0 {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreMapsDuplicatePaymentReference(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, signature.NewCodec(signature.StaticSecret(secret), false), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE payment_reference = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM inventory_items WHERE id = ? FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(inventoryCols).AddRow(1, 7, "ga", "Floor", 100, 10, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inventory_items")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'pi_dup' for key 'payment_reference'"})
	mock.ExpectRollback()

	_, err := svc.Fulfill(context.Background(), request("pi_dup", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 2500}))
	if !errors.Is(err, ErrDuplicatePaymentReference) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreExistingOrderSkipsInventory(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, signature.NewCodec(signature.StaticSecret(secret), false), nil)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE payment_reference = ? FOR UPDATE")).
		WithArgs("pi_seen").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow(9, 7, "Ada", "ada@example.com", "pi_seen", "PAID", 2500, 0, 2500, "usd", now, now))
	mock.ExpectRollback()

	_, err := svc.Fulfill(context.Background(), request("pi_seen", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 2500}))
	if !errors.Is(err, ErrDuplicatePaymentReference) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
