package models

import "time"

// Item states.
const (
	// ItemStateActive means the item exists and can fulfill an order.
	ItemStateActive = "ACTIVE"

	// ItemStateDestroyed means the underlying resource is gone. The row is
	// kept for record keeping and is never re-held.
	ItemStateDestroyed = "DESTROYED"

	// ItemStateMaintenance means the item is reserved for maintenance
	// orders. It is freed back to them once its current holder finishes.
	ItemStateMaintenance = "MAINTENANCE"
)

// Item is a reservable unit of lab infrastructure. The core row carries the
// holder reference and state; type-specific attributes live in a per-type
// table keyed by ItemID, reached through the item type registry.
type Item struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Type string `gorm:"size:64;not null;index"`

	State string `gorm:"size:16;default:ACTIVE;index"`

	// held_by is a weak polymorphic reference: the holder cooperatively
	// owns the item. There is no lock table; writers race through
	// single-row saves and the final-state check.
	HeldByKind string `gorm:"size:16;index:idx_items_held_by"`
	HeldByID   uint64 `gorm:"index:idx_items_held_by"`

	TimeHeldByUpdated time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Held reports whether anything currently holds the item.
func (i *Item) Held() bool {
	return i.HeldByKind != ""
}

// HeldBy returns the current holder reference.
func (i *Item) HeldBy() Ref {
	if !i.Held() {
		return Ref{}
	}
	return Ref{Kind: i.HeldByKind, ID: i.HeldByID}
}

// SetHeldBy points the item at a new holder (or nothing, for the zero Ref)
// and stamps the change time. The caller must persist both holder columns
// and TimeHeldByUpdated in a single row write.
func (i *Item) SetHeldBy(ref Ref, now time.Time) {
	i.HeldByKind = ref.Kind
	i.HeldByID = ref.ID
	i.TimeHeldByUpdated = now
}

// HolderColumns returns the column assignments for persisting the current
// holder reference with tx.Model(...).Updates.
func (i *Item) HolderColumns() map[string]interface{} {
	return map[string]interface{}{
		"held_by_kind":         i.HeldByKind,
		"held_by_id":           i.HeldByID,
		"time_held_by_updated": i.TimeHeldByUpdated,
	}
}
