package model

import "time"

// TicketStatus is the admission state of a ticket or VIP pass.
type TicketStatus string

const (
	TicketIssued    TicketStatus = "ISSUED"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketRefunded  TicketStatus = "REFUNDED"
)

// Ticket is one admission credential.  A VIP table reservation for N guests
// produces N rows.  Token is opaque and unguessable; Signature is the HMAC
// of the token under the server-held ticket secret.
type Ticket struct {
	ID              uint64       // tickets.id
	OrderID         uint64       // tickets.order_id
	InventoryItemID uint64       // tickets.inventory_item_id
	Token           string       // tickets.token (unique)
	Signature       string       // tickets.signature
	Status          TicketStatus // tickets.status
	HolderName      string       // tickets.holder_name
	UsedAt          *time.Time   // tickets.used_at (nullable)
	CreatedAt       time.Time    // tickets.created_at
}
