package model

// InventoryKind distinguishes general admission stock from VIP tables.
type InventoryKind string

const (
	InventoryGeneralAdmission InventoryKind = "ga"
	InventoryVIPTable         InventoryKind = "vip_table"
)

// InventoryItem is a sellable allocation for a venue event.  Remaining is the
// only contended counter in the system and is only changed under a row lock.
// GuestsPerUnit is the number of passes issued per unit sold (1 for general
// admission, the table size for VIP tables).
type InventoryItem struct {
	ID            uint64        // inventory_items.id
	VenueEventID  uint64        // inventory_items.venue_event_id
	Kind          InventoryKind // inventory_items.kind
	Name          string        // inventory_items.name
	Capacity      uint32        // inventory_items.capacity
	Remaining     uint32        // inventory_items.remaining
	GuestsPerUnit uint32        // inventory_items.guests_per_unit
}
