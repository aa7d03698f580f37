package fulfillment

import (
	"context"
	"database/sql"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// SQLStore runs fulfillment transactions against MySQL through the
// repositories.
type SQLStore struct {
	db        *sql.DB
	inventory *repository.InventoryRepo
	orders    *repository.OrderRepo
	tickets   *repository.TicketRepo
	outbox    *repository.OutboxRepo
}

// NewSQLStore wires the repositories used by a fulfillment transaction.  All
// dependencies must be non-nil.
func NewSQLStore(db *sql.DB, inventory *repository.InventoryRepo, orders *repository.OrderRepo, tickets *repository.TicketRepo, outbox *repository.OutboxRepo) *SQLStore {
	if db == nil || inventory == nil || orders == nil || tickets == nil || outbox == nil {
		panic("nil dependency passed to NewSQLStore")
	}
	return &SQLStore{db: db, inventory: inventory, orders: orders, tickets: tickets, outbox: outbox}
}

// WithTx implements Store.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx, s: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// OrderByPaymentRef implements Store.
func (s *SQLStore) OrderByPaymentRef(ctx context.Context, ref string) (model.Order, error) {
	return s.orders.GetByPaymentRef(ctx, ref)
}

type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *sqlTx) LockInventory(ctx context.Context, id uint64) (model.InventoryItem, error) {
	return t.s.inventory.LockTx(ctx, t.tx, id)
}

func (t *sqlTx) DecrementInventory(ctx context.Context, id uint64, qty uint32) error {
	return t.s.inventory.DecrementTx(ctx, t.tx, id, qty)
}

func (t *sqlTx) IncrementInventory(ctx context.Context, id uint64, qty uint32) error {
	return t.s.inventory.IncrementTx(ctx, t.tx, id, qty)
}

func (t *sqlTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return t.s.orders.CreateTx(ctx, t.tx, o)
}

func (t *sqlTx) InsertOrderItems(ctx context.Context, items []model.OrderItem) error {
	return t.s.orders.CreateItemsBulkTx(ctx, t.tx, items)
}

func (t *sqlTx) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	return t.s.tickets.CreateBulkTx(ctx, t.tx, tickets)
}

func (t *sqlTx) EnqueueNotification(ctx context.Context, m model.OutboxMessage) error {
	return t.s.outbox.EnqueueTx(ctx, t.tx, m)
}

func (t *sqlTx) LockOrderByPaymentRef(ctx context.Context, ref string) (model.Order, error) {
	return t.s.orders.LockByPaymentRefTx(ctx, t.tx, ref)
}

func (t *sqlTx) UpdateOrderStatus(ctx context.Context, id uint64, from, to model.OrderStatus) error {
	return t.s.orders.UpdateStatusTx(ctx, t.tx, id, from, to)
}

func (t *sqlTx) ListOrderItems(ctx context.Context, orderID uint64) ([]model.OrderItem, error) {
	return t.s.orders.ListItemsTx(ctx, t.tx, orderID)
}

func (t *sqlTx) RefundTickets(ctx context.Context, orderID uint64) (int64, error) {
	return t.s.tickets.RefundByOrderTx(ctx, t.tx, orderID)
}
