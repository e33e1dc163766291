package models

import "time"

// User is a client identity. Authentication itself lives outside the core;
// the API resolves a token header to one of these rows.
type User struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"size:128;not null;uniqueIndex"`
	Email    string `gorm:"size:255;index"`

	// Superusers may place maintenance orders, enter negative time limit
	// deltas, and exceed the order time limit cap.
	Superuser bool `gorm:"default:false"`

	// Restricted users are gated away from certain item types.
	Restricted bool `gorm:"default:false"`

	Token     string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// Ref returns the creator reference for this user.
func (u *User) Ref() Ref {
	return Ref{Kind: HolderUser, ID: u.ID}
}
