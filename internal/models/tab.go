package models

// DefaultTabLimit is the limit assigned to a new tab. Limits are relative
// to other tabs' limits, not absolute budgets.
const DefaultTabLimit = 1.0

// Tab is a billing/priority account owned by a user. It exists only to feed
// the tab-based price priority engine.
type Tab struct {
	ID      uint64  `gorm:"primaryKey;autoIncrement"`
	Limit   float64 `gorm:"not null;default:1"`
	OwnerID uint64  `gorm:"not null;index"`

	Owner User `gorm:"foreignKey:OwnerID"`
}
