package models

import "time"

// Order statuses.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFulfilled = "FULFILLED"
	OrderStatusClosed    = "CLOSED"
)

// Sentinel value written to TabBasedPriority once an order stops competing
// for fulfillment.
const (
	PriorityFulfilled = -1
	PriorityClosed    = -1
)

// Order is a client reservation for one or more items referenced by
// nicknames. The order row materializes the latest status and owner; the
// authoritative history is its append-only update log.
type Order struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	Status string `gorm:"size:16;not null;default:OPEN;index"`

	// Maintenance orders seize items for admin work: their items are
	// flipped to MAINTENANCE state and they are never auto-ejected.
	Maintenance bool `gorm:"default:false"`

	OwnerID uint64 `gorm:"not null;index"`
	TabID   uint64 `gorm:"not null;index"`

	// Last known priority, written by the scheduler for cheap display.
	// The scheduler always orders by the freshly computed value.
	TabBasedPriority int `gorm:"default:-1"`

	TimeCreated time.Time `gorm:"autoCreateTime;index"`

	Owner   User          `gorm:"foreignKey:OwnerID"`
	Tab     Tab           `gorm:"foreignKey:TabID"`
	Updates []OrderUpdate `gorm:"foreignKey:OrderID"`
}

// Ref returns the holder reference for this order.
func (o *Order) Ref() Ref {
	return Ref{Kind: HolderOrder, ID: o.ID}
}

// Closed reports whether the order reached its final status.
func (o *Order) Closed() bool {
	return o.Status == OrderStatusClosed
}

// ValidStatusTransition reports whether an update may move an order from
// one status to another. The empty next status means "no change".
func ValidStatusTransition(from, to string) bool {
	switch to {
	case "":
		return true
	case OrderStatusFulfilled:
		return from == OrderStatusOpen
	case OrderStatusClosed:
		return from == OrderStatusOpen || from == OrderStatusFulfilled
	default:
		return false
	}
}
