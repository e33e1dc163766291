package models

import "time"

// OrderUpdate is one immutable event in an order's log. Rows are only ever
// inserted; every derived property of an order (items, time limit, status
// history) is computed from this log.
type OrderUpdate struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID uint64 `gorm:"not null;index"`

	// The creator can differ from the order's owner: updates are written
	// by users, by the scheduler's tasks, and by the lease manager.
	CreatorKind string `gorm:"size:16;not null"`
	CreatorID   uint64 `gorm:"not null"`

	Comment string `gorm:"type:text"`

	// Declarative YAML map of nickname -> {type, requirements}.
	ItemsDelta string `gorm:"type:text"`

	// Durations are stored as nanoseconds.
	TimeLimitDelta           time.Duration
	ExpirationTimeLimitDelta time.Duration

	NewStatus  string  `gorm:"size:16"`
	NewOwnerID *uint64

	// Maintenance marks the update that switched items into MAINTENANCE.
	Maintenance bool `gorm:"default:false"`

	// TimeLimitNotice marks ejection-notice updates.
	TimeLimitNotice bool `gorm:"default:false;index"`

	TimeCreated time.Time `gorm:"autoCreateTime;index"`

	Order        Order             `gorm:"foreignKey:OrderID"`
	Fulfillments []ItemFulfillment `gorm:"foreignKey:OrderUpdateID"`
}

// Creator returns the reference to whoever wrote this update.
func (u *OrderUpdate) Creator() Ref {
	return Ref{Kind: u.CreatorKind, ID: u.CreatorID}
}
