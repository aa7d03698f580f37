// Package fulfillment turns a confirmed payment into a paid order and its
// signed tickets in one database transaction, and reverses that on refund.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// Tx is the set of row operations available inside one fulfillment
// transaction.  Every method runs on the same underlying transaction.
type Tx interface {
	LockInventory(ctx context.Context, id uint64) (model.InventoryItem, error)
	DecrementInventory(ctx context.Context, id uint64, qty uint32) error
	IncrementInventory(ctx context.Context, id uint64, qty uint32) error
	InsertOrder(ctx context.Context, o *model.Order) error
	InsertOrderItems(ctx context.Context, items []model.OrderItem) error
	InsertTickets(ctx context.Context, tickets []model.Ticket) error
	EnqueueNotification(ctx context.Context, m model.OutboxMessage) error
	LockOrderByPaymentRef(ctx context.Context, ref string) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, id uint64, from, to model.OrderStatus) error
	ListOrderItems(ctx context.Context, orderID uint64) ([]model.OrderItem, error)
	RefundTickets(ctx context.Context, orderID uint64) (int64, error)
}

// Store runs fn inside a transaction.  If fn returns an error nothing it
// did is persisted.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	OrderByPaymentRef(ctx context.Context, ref string) (model.Order, error)
}

// Signer mints ticket signatures.  *signature.Codec implements it.
type Signer interface {
	Sign(ctx context.Context, token string) (string, error)
}

// LineItem is one purchased inventory allocation.
type LineItem struct {
	InventoryItemID uint64
	Quantity        uint32
	UnitAmountCents int64
	// HolderNames names the passes of this line in order; missing entries
	// fall back to the purchaser name.
	HolderNames []string
}

// Request is a validated-by-signature payment to fulfil.
type Request struct {
	PaymentReference string
	VenueEventID     uint64
	PurchaserName    string
	PurchaserEmail   string
	Currency         string
	SubtotalCents    int64
	FeesCents        int64
	TotalCents       int64
	Items            []LineItem
}

// IssuedTicket is a minted token with its signature.  The signing secret is
// never part of the result.
type IssuedTicket struct {
	Token           string `json:"token"`
	Signature       string `json:"signature"`
	HolderName      string `json:"holder_name"`
	InventoryItemID uint64 `json:"inventory_item_id"`
}

// Result is what a committed fulfillment created.
type Result struct {
	Order   model.Order
	Items   []model.OrderItem
	Tickets []IssuedTicket
}

// RefundResult describes a committed refund.
type RefundResult struct {
	Order           model.Order
	TicketsRefunded int64
	AlreadyRefunded bool
}

// Service executes fulfillment and refund transactions.
type Service struct {
	store    Store
	signer   Signer
	log      *zap.Logger
	newToken func() string
}

// NewService builds a Service.  log may be nil.
func NewService(store Store, signer Signer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, signer: signer, log: log, newToken: uuid.NewString}
}

type reservation struct {
	itemID uint64
	qty    uint32
}

// Fulfill reserves inventory, creates the order and mints one signed ticket
// per admission unit.  Either all rows persist or none do.
//
// Inventory rows are locked in ascending id order so two orders touching
// the same items cannot deadlock.
func (s *Service) Fulfill(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	reservations := aggregate(req.Items)

	var res *Result
	err := s.store.WithTx(ctx, func(tx Tx) error {
		// An existing order wins over stock checks: a replay must stay a
		// no-op even after the items sold out.
		if _, err := tx.LockOrderByPaymentRef(ctx, req.PaymentReference); err == nil {
			return ErrDuplicatePaymentReference
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("lock order %s: %w", req.PaymentReference, err)
		}

		items := make(map[uint64]model.InventoryItem, len(reservations))
		for _, r := range reservations {
			inv, err := tx.LockInventory(ctx, r.itemID)
			if errors.Is(err, repository.ErrNotFound) {
				return &ValidationError{Field: "line_items", Reason: fmt.Sprintf("unknown inventory item %d", r.itemID)}
			}
			if err != nil {
				return fmt.Errorf("lock inventory %d: %w", r.itemID, err)
			}
			if req.VenueEventID != 0 && inv.VenueEventID != req.VenueEventID {
				return &ValidationError{Field: "line_items", Reason: fmt.Sprintf("inventory item %d belongs to another event", r.itemID)}
			}
			if inv.Remaining < r.qty {
				return &InsufficientInventoryError{ItemID: inv.ID, ItemName: inv.Name, Requested: r.qty, Available: inv.Remaining}
			}
			items[r.itemID] = inv
		}
		for _, r := range reservations {
			if err := tx.DecrementInventory(ctx, r.itemID, r.qty); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					inv := items[r.itemID]
					return &InsufficientInventoryError{ItemID: inv.ID, ItemName: inv.Name, Requested: r.qty, Available: inv.Remaining}
				}
				return fmt.Errorf("decrement inventory %d: %w", r.itemID, err)
			}
		}

		order := model.Order{
			VenueEventID:     req.VenueEventID,
			PurchaserName:    req.PurchaserName,
			PurchaserEmail:   req.PurchaserEmail,
			PaymentReference: req.PaymentReference,
			Status:           model.OrderPaid,
			SubtotalCents:    req.SubtotalCents,
			FeesCents:        req.FeesCents,
			TotalCents:       req.TotalCents,
			Currency:         req.Currency,
		}
		if order.VenueEventID == 0 {
			order.VenueEventID = items[reservations[0].itemID].VenueEventID
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}

		orderItems := make([]model.OrderItem, 0, len(req.Items))
		for _, li := range req.Items {
			orderItems = append(orderItems, model.OrderItem{
				OrderID:         order.ID,
				InventoryItemID: li.InventoryItemID,
				Quantity:        li.Quantity,
				UnitAmountCents: li.UnitAmountCents,
			})
		}
		if err := tx.InsertOrderItems(ctx, orderItems); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}

		tickets, issued, err := s.mint(ctx, order, req, items)
		if err != nil {
			return err
		}
		if err := tx.InsertTickets(ctx, tickets); err != nil {
			return fmt.Errorf("insert tickets: %w", err)
		}

		msg, err := confirmation(order, issued)
		if err != nil {
			return err
		}
		if err := tx.EnqueueNotification(ctx, msg); err != nil {
			return fmt.Errorf("enqueue confirmation: %w", err)
		}
		res = &Result{Order: order, Items: orderItems, Tickets: issued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order fulfilled",
		zap.Uint64("order_id", res.Order.ID),
		zap.String("payment_reference", req.PaymentReference),
		zap.Int("tickets", len(res.Tickets)),
	)
	return res, nil
}

// mint creates one ticket per admission unit: quantity for general
// admission, quantity times the table size for VIP tables.
func (s *Service) mint(ctx context.Context, order model.Order, req Request, items map[uint64]model.InventoryItem) ([]model.Ticket, []IssuedTicket, error) {
	var tickets []model.Ticket
	var issued []IssuedTicket
	for _, li := range req.Items {
		per := items[li.InventoryItemID].GuestsPerUnit
		if per == 0 {
			per = 1
		}
		units := int(li.Quantity) * int(per)
		for i := 0; i < units; i++ {
			token := s.newToken()
			sig, err := s.signer.Sign(ctx, token)
			if err != nil {
				return nil, nil, fmt.Errorf("sign ticket: %w", err)
			}
			holder := req.PurchaserName
			if i < len(li.HolderNames) && strings.TrimSpace(li.HolderNames[i]) != "" {
				holder = strings.TrimSpace(li.HolderNames[i])
			}
			tickets = append(tickets, model.Ticket{
				OrderID:         order.ID,
				InventoryItemID: li.InventoryItemID,
				Token:           token,
				Signature:       sig,
				Status:          model.TicketIssued,
				HolderName:      holder,
			})
			issued = append(issued, IssuedTicket{Token: token, Signature: sig, HolderName: holder, InventoryItemID: li.InventoryItemID})
		}
	}
	return tickets, issued, nil
}

// Confirmation is the payload of an order confirmation notification.
type Confirmation struct {
	OrderID          uint64         `json:"order_id"`
	PaymentReference string         `json:"payment_reference"`
	PurchaserName    string         `json:"purchaser_name"`
	PurchaserEmail   string         `json:"purchaser_email"`
	TotalCents       int64          `json:"total_cents"`
	Currency         string         `json:"currency"`
	Tickets          []IssuedTicket `json:"tickets"`
}

func confirmation(order model.Order, issued []IssuedTicket) (model.OutboxMessage, error) {
	payload, err := json.Marshal(Confirmation{
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		PurchaserName:    order.PurchaserName,
		PurchaserEmail:   order.PurchaserEmail,
		TotalCents:       order.TotalCents,
		Currency:         order.Currency,
		Tickets:          issued,
	})
	if err != nil {
		return model.OutboxMessage{}, err
	}
	return model.OutboxMessage{
		MessageID: uuid.NewString(),
		Kind:      model.NotificationOrderConfirmation,
		Payload:   payload,
	}, nil
}

// Refund marks a paid order refunded, refunds its unused tickets and returns
// the purchased units to stock.  Refunding twice is a no-op.
func (s *Service) Refund(ctx context.Context, paymentRef string) (*RefundResult, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return nil, &ValidationError{Field: "payment_reference", Reason: "required"}
	}
	var res *RefundResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		order, err := tx.LockOrderByPaymentRef(ctx, paymentRef)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order.Status == model.OrderRefunded {
			res = &RefundResult{Order: order, AlreadyRefunded: true}
			return nil
		}
		if !order.Status.CanTransition(model.OrderRefunded) {
			return &ValidationError{Field: "status", Reason: fmt.Sprintf("cannot refund %s order", order.Status)}
		}
		if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status, model.OrderRefunded); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		n, err := tx.RefundTickets(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("refund tickets: %w", err)
		}
		lines, err := tx.ListOrderItems(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list order items: %w", err)
		}
		restock := make([]LineItem, 0, len(lines))
		for _, l := range lines {
			restock = append(restock, LineItem{InventoryItemID: l.InventoryItemID, Quantity: l.Quantity})
		}
		for _, r := range aggregate(restock) {
			if err := tx.IncrementInventory(ctx, r.itemID, r.qty); err != nil {
				return fmt.Errorf("restock %d: %w", r.itemID, err)
			}
		}
		order.Status = model.OrderRefunded
		res = &RefundResult{Order: order, TicketsRefunded: n}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyRefunded {
		s.log.Info("order refunded",
			zap.Uint64("order_id", res.Order.ID),
			zap.String("payment_reference", paymentRef),
			zap.Int64("tickets", res.TicketsRefunded),
		)
	}
	return res, nil
}

// OrderByPaymentRef returns the order already created for a payment.
func (s *Service) OrderByPaymentRef(ctx context.Context, ref string) (model.Order, error) {
	o, err := s.store.OrderByPaymentRef(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return o, ErrOrderNotFound
	}
	return o, err
}

func validate(req Request) error {
	if strings.TrimSpace(req.PaymentReference) == "" {
		return &ValidationError{Field: "payment_reference", Reason: "required"}
	}
	if strings.TrimSpace(req.PurchaserEmail) == "" {
		return &ValidationError{Field: "purchaser_email", Reason: "required"}
	}
	if len(req.Items) == 0 {
		return &ValidationError{Field: "line_items", Reason: "at least one item is required"}
	}
	var subtotal int64
	for i, li := range req.Items {
		if li.InventoryItemID == 0 {
			return &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d has no inventory id", i)}
		}
		if li.Quantity == 0 {
			return &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d has zero quantity", i)}
		}
		if li.UnitAmountCents < 0 {
			return &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d has a negative amount", i)}
		}
		subtotal += int64(li.Quantity) * li.UnitAmountCents
	}
	if req.FeesCents < 0 {
		return &ValidationError{Field: "fees", Reason: "negative"}
	}
	if req.SubtotalCents != subtotal {
		return &ValidationError{Field: "subtotal", Reason: fmt.Sprintf("got %d, line items sum to %d", req.SubtotalCents, subtotal)}
	}
	if req.TotalCents != req.SubtotalCents+req.FeesCents {
		return &ValidationError{Field: "total", Reason: fmt.Sprintf("got %d, want subtotal+fees %d", req.TotalCents, req.SubtotalCents+req.FeesCents)}
	}
	return nil
}

// aggregate sums quantities per inventory item and sorts by id.
func aggregate(lines []LineItem) []reservation {
	byID := make(map[uint64]*reservation)
	for _, li := range lines {
		r, ok := byID[li.InventoryItemID]
		if !ok {
			r = &reservation{itemID: li.InventoryItemID}
			byID[li.InventoryItemID] = r
		}
		r.qty += li.Quantity
	}
	out := make([]reservation, 0, len(byID))
	for _, r := range byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].itemID < out[j].itemID })
	return out
}
