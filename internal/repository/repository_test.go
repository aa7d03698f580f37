package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/venue-ticketing/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		db.Close()
	})
	return db, mock
}

var dupEntry = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

func TestIdempotencyInsertDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdempotencyRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs("evt_1", "payments", "pending", 0, sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WillReturnError(dupEntry)

	rec := &model.IdempotencyRecord{Key: "evt_1", Pipeline: "payments", Status: model.IdempotencyPending, LockedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := repo.Insert(context.Background(), rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert: %v, want ErrDuplicate", err)
	}
}

func TestIdempotencyGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_records WHERE idem_key = ? AND pipeline = ?")).
		WithArgs("evt_x", "payments").
		WillReturnError(sql.ErrNoRows)

	if _, err := NewIdempotencyRepo(db).Get(context.Background(), "evt_x", "payments"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIdempotencyFinishOnlyOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdempotencyRepo(db)
	q := regexp.QuoteMeta("UPDATE idempotency_records SET status = ?, cached_status = ?, cached_body = ?")
	lockedAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(q).WithArgs("complete", 200, []byte(`{}`), "evt_1", "payments", lockedAt).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := repo.Finish(ctx, "evt_1", "payments", lockedAt, model.IdempotencyComplete, 200, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Finish(ctx, "evt_1", "payments", lockedAt, model.IdempotencyError, 500, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestIdempotencyFinishRequiresOwnLease(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdempotencyRepo(db)
	old := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'pending' AND locked_at = ?")).
		WithArgs("error", 500, []byte(nil), "evt_1", "payments", old).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Finish(context.Background(), "evt_1", "payments", old, model.IdempotencyError, 500, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestIdempotencyReclaimAndRelease(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdempotencyRepo(db)
	old := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := old.Add(5 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records SET locked_at = ?")).
		WithArgs(now, "evt_1", "payments", old).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records SET locked_at = ?")).
		WithArgs(now, "evt_1", "payments", old).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_records")).
		WithArgs("evt_1", "payments", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if ok, err := repo.Reclaim(ctx, "evt_1", "payments", old, now); err != nil || !ok {
		t.Fatalf("first reclaim = %v, %v", ok, err)
	}
	if ok, err := repo.Reclaim(ctx, "evt_1", "payments", old, now); err != nil || ok {
		t.Fatalf("second reclaim = %v, %v; want false", ok, err)
	}
	if ok, err := repo.Release(ctx, "evt_1", "payments", now); err != nil || !ok {
		t.Fatalf("release = %v, %v", ok, err)
	}
}

func TestInventoryDecrementGuard(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInventoryRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inventory_items SET remaining = remaining - ?")).
		WithArgs(uint32(3), uint64(9), uint32(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.DecrementTx(context.Background(), tx, 9, 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	_ = tx.Rollback()
}

func TestOrderUpdateStatusRejectsIllegalTransition(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = NewOrderRepo(db).UpdateStatusTx(context.Background(), tx, 1, model.OrderRefunded, model.OrderPaid)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

var ticketCols = []string{"id", "order_id", "inventory_item_id", "token", "signature", "status", "holder_name", "used_at", "created_at"}

func TestTicketMarkUsed(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTicketRepo(db)
	at := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	update := regexp.QuoteMeta("UPDATE tickets SET status = 'USED'")
	sel := regexp.QuoteMeta("FROM tickets WHERE token = ?")

	// first scan wins
	mock.ExpectExec(update).WithArgs(at, "tok").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(sel).WithArgs("tok").WillReturnRows(sqlmock.NewRows(ticketCols).
		AddRow(1, 1, 1, "tok", "sig", "USED", "Ada", at, at))
	// second scan sees the used ticket
	mock.ExpectExec(update).WithArgs(at, "tok").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(sel).WithArgs("tok").WillReturnRows(sqlmock.NewRows(ticketCols).
		AddRow(1, 1, 1, "tok", "sig", "USED", "Ada", at, at))
	// unknown token
	mock.ExpectExec(update).WithArgs(at, "nope").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(sel).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	tk, err := repo.MarkUsed(ctx, "tok", at)
	if err != nil || tk.Status != model.TicketUsed || tk.UsedAt == nil {
		t.Fatalf("first = %+v, %v", tk, err)
	}
	if tk, err = repo.MarkUsed(ctx, "tok", at); !errors.Is(err, ErrConflict) || tk.HolderName != "Ada" {
		t.Fatalf("second = %+v, %v; want ErrConflict with the row", tk, err)
	}
	if _, err = repo.MarkUsed(ctx, "nope", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown = %v, want ErrNotFound", err)
	}
}

func TestPaymentFailureCreateWithAlertIsAtomic(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentFailureRepo(db, NewOutboxRepo(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_failures")).WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_outbox")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	f := &model.PaymentFailure{PaymentReference: "pi_1", Reason: "exhausted"}
	if err := repo.CreateWithAlert(context.Background(), f, model.OutboxMessage{MessageID: "m", Kind: model.NotificationOperatorAlert, Payload: []byte(`{}`)}); err == nil {
		t.Fatal("want error")
	}
	if f.ID != 0 {
		t.Fatalf("id set on failed create: %d", f.ID)
	}
}

func TestPaymentFailureResolve(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentFailureRepo(db, NewOutboxRepo(db))
	update := regexp.QuoteMeta("UPDATE payment_failures SET resolved = TRUE")
	exists := regexp.QuoteMeta("SELECT 1 FROM payment_failures WHERE id = ?")

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exists).WithArgs(uint64(2)).WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exists).WithArgs(uint64(3)).WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	now := time.Now()
	if err := repo.Resolve(ctx, 1, "ops", now); err != nil {
		t.Fatal(err)
	}
	if err := repo.Resolve(ctx, 2, "ops", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("resolved twice: %v", err)
	}
	if err := repo.Resolve(ctx, 3, "ops", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown: %v", err)
	}
}
