package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/signature"
)

// memState is the full database content.  Transactions work on a copy and
// swap it in on commit, so a failed transaction leaves nothing behind.
type memState struct {
	inventory  map[uint64]model.InventoryItem
	orders     map[uint64]model.Order
	orderItems []model.OrderItem
	tickets    []model.Ticket
	outbox     []model.OutboxMessage
	nextID     uint64
}

func (s memState) clone() memState {
	c := memState{
		inventory:  make(map[uint64]model.InventoryItem, len(s.inventory)),
		orders:     make(map[uint64]model.Order, len(s.orders)),
		orderItems: append([]model.OrderItem(nil), s.orderItems...),
		tickets:    append([]model.Ticket(nil), s.tickets...),
		outbox:     append([]model.OutboxMessage(nil), s.outbox...),
		nextID:     s.nextID,
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

// memStore serializes whole transactions, which is at least as strict as
// the row locks taken by the SQL store.
type memStore struct {
	mu    sync.Mutex
	state memState
	// failOn makes the named Tx method return an error.
	failOn string
}

func newMemStore(items ...model.InventoryItem) *memStore {
	st := memState{
		inventory: map[uint64]model.InventoryItem{},
		orders:    map[uint64]model.Order{},
		nextID:    1,
	}
	for _, it := range items {
		st.inventory[it.ID] = it
	}
	return &memStore{state: st}
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: &work, failOn: m.failOn}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) OrderByPaymentRef(_ context.Context, ref string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.state.orders {
		if o.PaymentReference == ref {
			return o, nil
		}
	}
	return model.Order{}, repository.ErrNotFound
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

var errInjected = errors.New("injected failure")

type memTx struct {
	st     *memState
	failOn string
}

func (t *memTx) fail(op string) error {
	if t.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memTx) LockInventory(_ context.Context, id uint64) (model.InventoryItem, error) {
	if err := t.fail("LockInventory"); err != nil {
		return model.InventoryItem{}, err
	}
	it, ok := t.st.inventory[id]
	if !ok {
		return it, repository.ErrNotFound
	}
	return it, nil
}

func (t *memTx) DecrementInventory(_ context.Context, id uint64, qty uint32) error {
	it := t.st.inventory[id]
	if it.Remaining < qty {
		return repository.ErrConflict
	}
	it.Remaining -= qty
	t.st.inventory[id] = it
	return nil
}

func (t *memTx) IncrementInventory(_ context.Context, id uint64, qty uint32) error {
	it := t.st.inventory[id]
	it.Remaining = min(it.Capacity, it.Remaining+qty)
	t.st.inventory[id] = it
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	for _, existing := range t.st.orders {
		if existing.PaymentReference == o.PaymentReference {
			return repository.ErrDuplicatePaymentReference
		}
	}
	o.ID = t.st.nextID
	t.st.nextID++
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) InsertOrderItems(_ context.Context, items []model.OrderItem) error {
	t.st.orderItems = append(t.st.orderItems, items...)
	return nil
}

func (t *memTx) InsertTickets(_ context.Context, tickets []model.Ticket) error {
	if err := t.fail("InsertTickets"); err != nil {
		return err
	}
	t.st.tickets = append(t.st.tickets, tickets...)
	return nil
}

func (t *memTx) EnqueueNotification(_ context.Context, m model.OutboxMessage) error {
	t.st.outbox = append(t.st.outbox, m)
	return nil
}

func (t *memTx) LockOrderByPaymentRef(_ context.Context, ref string) (model.Order, error) {
	for _, o := range t.st.orders {
		if o.PaymentReference == ref {
			return o, nil
		}
	}
	return model.Order{}, repository.ErrNotFound
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id uint64, from, to model.OrderStatus) error {
	o := t.st.orders[id]
	if o.Status != from || !from.CanTransition(to) {
		return repository.ErrConflict
	}
	o.Status = to
	t.st.orders[id] = o
	return nil
}

func (t *memTx) ListOrderItems(_ context.Context, orderID uint64) ([]model.OrderItem, error) {
	var out []model.OrderItem
	for _, it := range t.st.orderItems {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *memTx) RefundTickets(_ context.Context, orderID uint64) (int64, error) {
	var n int64
	for i, tk := range t.st.tickets {
		if tk.OrderID == orderID && tk.Status == model.TicketIssued {
			t.st.tickets[i].Status = model.TicketRefunded
			n++
		}
	}
	return n, nil
}

const secret = "test-ticket-secret"

func newTestService(store Store) *Service {
	return NewService(store, signature.NewCodec(signature.StaticSecret(secret), false), nil)
}

func ga(id uint64, name string, remaining uint32) model.InventoryItem {
	return model.InventoryItem{ID: id, VenueEventID: 7, Kind: model.InventoryGeneralAdmission, Name: name,
		Capacity: remaining, Remaining: remaining, GuestsPerUnit: 1}
}

func request(ref string, items ...LineItem) Request {
	var subtotal int64
	for _, li := range items {
		subtotal += int64(li.Quantity) * li.UnitAmountCents
	}
	return Request{
		PaymentReference: ref,
		VenueEventID:     7,
		PurchaserName:    "Ada Lovelace",
		PurchaserEmail:   "ada@example.com",
		Currency:         "usd",
		SubtotalCents:    subtotal,
		TotalCents:       subtotal,
		Items:            items,
	}
}

func TestFulfillCreatesOrderAndSignedTickets(t *testing.T) {
	store := newMemStore(ga(1, "General Admission", 10))
	svc := newTestService(store)

	res, err := svc.Fulfill(context.Background(), request("pi_1", LineItem{InventoryItemID: 1, Quantity: 2, UnitAmountCents: 2500}))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Order.Status != model.OrderPaid || res.Order.TotalCents != 5000 {
		t.Fatalf("order = %+v", res.Order)
	}
	if len(res.Tickets) != 2 {
		t.Fatalf("tickets = %d, want 2", len(res.Tickets))
	}
	seen := map[string]bool{}
	for _, tk := range res.Tickets {
		if !signature.Verify(tk.Token, tk.Signature, []byte(secret)) {
			t.Fatalf("ticket %s carries an invalid signature", tk.Token)
		}
		if seen[tk.Token] {
			t.Fatalf("duplicate token %s", tk.Token)
		}
		seen[tk.Token] = true
	}

	st := store.snapshot()
	if st.inventory[1].Remaining != 8 {
		t.Fatalf("remaining = %d, want 8", st.inventory[1].Remaining)
	}
	if len(st.tickets) != 2 || len(st.orders) != 1 || len(st.orderItems) != 1 {
		t.Fatalf("rows: orders=%d items=%d tickets=%d", len(st.orders), len(st.orderItems), len(st.tickets))
	}
	if len(st.outbox) != 1 || st.outbox[0].Kind != model.NotificationOrderConfirmation {
		t.Fatalf("outbox = %+v", st.outbox)
	}
	var conf Confirmation
	if err := json.Unmarshal(st.outbox[0].Payload, &conf); err != nil {
		t.Fatal(err)
	}
	if conf.PurchaserEmail != "ada@example.com" || len(conf.Tickets) != 2 {
		t.Fatalf("confirmation = %+v", conf)
	}
}

func TestFulfillVIPTableIssuesOnePassPerGuest(t *testing.T) {
	vip := model.InventoryItem{ID: 3, VenueEventID: 7, Kind: model.InventoryVIPTable, Name: "Table 4",
		Capacity: 1, Remaining: 1, GuestsPerUnit: 6}
	store := newMemStore(vip)
	svc := newTestService(store)

	res, err := svc.Fulfill(context.Background(), request("pi_vip",
		LineItem{InventoryItemID: 3, Quantity: 1, UnitAmountCents: 60000, HolderNames: []string{"Grace", " ", "Linus"}}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tickets) != 6 {
		t.Fatalf("passes = %d, want 6", len(res.Tickets))
	}
	if res.Tickets[0].HolderName != "Grace" || res.Tickets[1].HolderName != "Ada Lovelace" || res.Tickets[2].HolderName != "Linus" {
		t.Fatalf("holder names = %q %q %q", res.Tickets[0].HolderName, res.Tickets[1].HolderName, res.Tickets[2].HolderName)
	}
	if store.snapshot().inventory[3].Remaining != 0 {
		t.Fatal("table not reserved")
	}
}

func TestFulfillIsAtomicAcrossItems(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5), ga(2, "Balcony", 1))
	svc := newTestService(store)

	_, err := svc.Fulfill(context.Background(), request("pi_2",
		LineItem{InventoryItemID: 1, Quantity: 2, UnitAmountCents: 1000},
		LineItem{InventoryItemID: 2, Quantity: 2, UnitAmountCents: 1500},
	))
	var inv *InsufficientInventoryError
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want InsufficientInventoryError", err)
	}
	if inv.ItemID != 2 || inv.ItemName != "Balcony" || inv.Requested != 2 || inv.Available != 1 {
		t.Fatalf("error = %+v", inv)
	}
	st := store.snapshot()
	if st.inventory[1].Remaining != 5 || st.inventory[2].Remaining != 1 {
		t.Fatalf("inventory changed: %d / %d", st.inventory[1].Remaining, st.inventory[2].Remaining)
	}
	if len(st.orders) != 0 || len(st.tickets) != 0 || len(st.outbox) != 0 {
		t.Fatal("partial order persisted")
	}
}

func TestFulfillRollsBackOnLateFailure(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5))
	store.failOn = "InsertTickets"
	svc := newTestService(store)

	_, err := svc.Fulfill(context.Background(), request("pi_3", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 1000}))
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v", err)
	}
	if IsTerminal(err) {
		t.Fatal("database failure classified as terminal")
	}
	st := store.snapshot()
	if len(st.orders) != 0 || st.inventory[1].Remaining != 5 {
		t.Fatal("failed transaction left rows behind")
	}
}

func TestFulfillNoOversell(t *testing.T) {
	const k = 5
	store := newMemStore(ga(1, "Last Call", k))
	svc := newTestService(store)

	var wg sync.WaitGroup
	var ok, short int32
	for i := 0; i < k+1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Fulfill(context.Background(), request(fmt.Sprintf("pi_race_%d", i),
				LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 2500}))
			var inv *InsufficientInventoryError
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.As(err, &inv):
				if inv.Requested != 1 || inv.Available != 0 {
					t.Errorf("error = %+v", inv)
				}
				atomic.AddInt32(&short, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != k || short != 1 {
		t.Fatalf("successes=%d insufficient=%d, want %d and 1", ok, short, k)
	}
	if store.snapshot().inventory[1].Remaining != 0 {
		t.Fatal("inventory not exhausted")
	}
}

func TestFulfillDuplicatePaymentReference(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5))
	svc := newTestService(store)
	req := request("pi_dup", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 1000})

	if _, err := svc.Fulfill(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Fulfill(context.Background(), req)
	if !errors.Is(err, ErrDuplicatePaymentReference) {
		t.Fatalf("err = %v, want ErrDuplicatePaymentReference", err)
	}
	st := store.snapshot()
	if len(st.orders) != 1 || len(st.tickets) != 1 || st.inventory[1].Remaining != 4 {
		t.Fatal("duplicate created rows")
	}
	o, err := svc.OrderByPaymentRef(context.Background(), "pi_dup")
	if err != nil || o.PaymentReference != "pi_dup" {
		t.Fatalf("OrderByPaymentRef = %+v, %v", o, err)
	}
}

func TestFulfillReplayAfterSellOutIsDuplicate(t *testing.T) {
	store := newMemStore(ga(1, "General Admission", 1))
	svc := newTestService(store)
	req := request("pi_last", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 1000})

	if _, err := svc.Fulfill(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Fulfill(context.Background(), req)
	if !errors.Is(err, ErrDuplicatePaymentReference) {
		t.Fatalf("err = %v, want ErrDuplicatePaymentReference", err)
	}
	var inv *InsufficientInventoryError
	if errors.As(err, &inv) {
		t.Fatal("replay reported as insufficient inventory")
	}
	if st := store.snapshot(); len(st.orders) != 1 || st.inventory[1].Remaining != 0 {
		t.Fatal("replay changed state")
	}
}

func TestFulfillValidation(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5), model.InventoryItem{ID: 9, VenueEventID: 99, Name: "Elsewhere", Capacity: 5, Remaining: 5})
	svc := newTestService(store)
	li := LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 1000}

	cases := map[string]Request{
		"no items":          request("pi_v1"),
		"zero quantity":     request("pi_v2", LineItem{InventoryItemID: 1, Quantity: 0, UnitAmountCents: 1000}),
		"missing reference": request("", li),
		"unknown item":      request("pi_v3", LineItem{InventoryItemID: 42, Quantity: 1, UnitAmountCents: 1000}),
		"other event":       request("pi_v4", LineItem{InventoryItemID: 9, Quantity: 1, UnitAmountCents: 1000}),
		"bad subtotal": func() Request {
			r := request("pi_v5", li)
			r.SubtotalCents = 1
			return r
		}(),
		"bad total": func() Request {
			r := request("pi_v6", li)
			r.FeesCents = 150
			return r
		}(),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Fulfill(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if !IsTerminal(err) {
				t.Fatal("validation error not terminal")
			}
		})
	}
	if len(store.snapshot().orders) != 0 {
		t.Fatal("invalid request created an order")
	}
}

func TestFulfillFailsWithoutSigningSecret(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5))
	svc := NewService(store, signature.NewCodec(signature.StaticSecret(""), false), nil)

	_, err := svc.Fulfill(context.Background(), request("pi_nosecret", LineItem{InventoryItemID: 1, Quantity: 1, UnitAmountCents: 1000}))
	if !errors.Is(err, signature.ErrNoSecret) {
		t.Fatalf("err = %v, want ErrNoSecret", err)
	}
	if IsTerminal(err) {
		t.Fatal("missing secret must stay retryable")
	}
	if store.snapshot().inventory[1].Remaining != 5 {
		t.Fatal("inventory reserved without tickets")
	}
}

func TestRefund(t *testing.T) {
	store := newMemStore(ga(1, "Floor", 5))
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Fulfill(ctx, request("pi_r", LineItem{InventoryItemID: 1, Quantity: 3, UnitAmountCents: 1000})); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Refund(ctx, "pi_r")
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyRefunded || res.TicketsRefunded != 3 || res.Order.Status != model.OrderRefunded {
		t.Fatalf("refund = %+v", res)
	}
	st := store.snapshot()
	if st.inventory[1].Remaining != 5 {
		t.Fatalf("remaining = %d, want 5", st.inventory[1].Remaining)
	}
	for _, tk := range st.tickets {
		if tk.Status != model.TicketRefunded {
			t.Fatalf("ticket status = %s", tk.Status)
		}
	}

	again, err := svc.Refund(ctx, "pi_r")
	if err != nil || !again.AlreadyRefunded {
		t.Fatalf("second refund = %+v, %v", again, err)
	}
	if store.snapshot().inventory[1].Remaining != 5 {
		t.Fatal("second refund restocked again")
	}

	if _, err := svc.Refund(ctx, "pi_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("unknown ref err = %v", err)
	}
}
