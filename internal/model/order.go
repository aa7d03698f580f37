package model

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// orderTransitions lists the statuses reachable from each status.  Cancelled
// and refunded orders are final.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderCancelled},
	OrderPaid:    {OrderRefunded, OrderCancelled},
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order records a purchase paid through the payment gateway.  Orders are
// only created by the fulfillment transaction, together with their tickets.
//
// Fields:
//
//	ID               – primary key identifier.
//	VenueEventID     – event the purchase admits to.
//	PurchaserName    – name given at checkout.
//	PurchaserEmail   – confirmation address.
//	PaymentReference – gateway payment id; unique across orders.
//	Status           – PENDING, PAID, CANCELLED or REFUNDED.
//	SubtotalCents    – sum of line items.
//	FeesCents        – service fees.
//	TotalCents       – amount charged (subtotal + fees).
//	Currency         – ISO currency code as sent by the gateway.
type Order struct {
	ID               uint64      // orders.id
	VenueEventID     uint64      // orders.venue_event_id
	PurchaserName    string      // orders.purchaser_name
	PurchaserEmail   string      // orders.purchaser_email
	PaymentReference string      // orders.payment_reference (unique)
	Status           OrderStatus // orders.status
	SubtotalCents    int64       // orders.subtotal_cents
	FeesCents        int64       // orders.fees_cents
	TotalCents       int64       // orders.total_cents
	Currency         string      // orders.currency
	CreatedAt        time.Time   // orders.created_at
	UpdatedAt        time.Time   // orders.updated_at
}

// OrderItem links an order to the inventory it consumed.  Refunds use these
// rows to restock.
type OrderItem struct {
	ID              uint64 // order_items.id
	OrderID         uint64 // order_items.order_id
	InventoryItemID uint64 // order_items.inventory_item_id
	Quantity        uint32 // order_items.quantity
	UnitAmountCents int64  // order_items.unit_amount_cents
}
