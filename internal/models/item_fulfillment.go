package models

// ItemFulfillment records one item filling one nickname of an order. Rows
// are written inside the fulfilling update's transaction and retained
// forever, so closed orders keep a full record of what they consumed.
type ItemFulfillment struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	OrderUpdateID uint64 `gorm:"not null;index;uniqueIndex:idx_fulfillment_nickname,priority:1"`
	Nickname      string `gorm:"size:128;not null;uniqueIndex:idx_fulfillment_nickname,priority:2"`
	ItemID        uint64 `gorm:"not null;index"`

	OrderUpdate OrderUpdate `gorm:"foreignKey:OrderUpdateID"`
	Item        Item        `gorm:"foreignKey:ItemID"`
}
