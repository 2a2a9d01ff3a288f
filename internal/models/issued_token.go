package models

import "time"

// IssuedToken is the ledger row for every room credential minted.
// Verification refuses tokens whose row is revoked.
type IssuedToken struct {
	JTI        string `gorm:"primaryKey;size:36"`
	Room       string `gorm:"size:100;not null;index:idx_room_identity"`
	Identity   string `gorm:"size:128;not null;index:idx_room_identity"`
	Role       string `gorm:"size:16;not null"`
	CallID     string `gorm:"size:32;index"`
	TransferID string `gorm:"size:36;index"`
	ExpiresAt  time.Time
	RevokedAt  *time.Time `gorm:"index"`
	CreatedAt  time.Time
}
