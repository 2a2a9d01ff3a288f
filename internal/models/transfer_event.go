package models

import "time"

// TransferEvent is an append-only record of something that happened to a
// call or transfer. The SSE stream and notifiers read from it.
type TransferEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TransferID string `gorm:"size:36;index"`
	CallID     string `gorm:"size:32;index"`
	Kind       string `gorm:"size:32;not null"`
	Stage      string `gorm:"size:16"`
	Actor      string `gorm:"size:64"`
	Detail     string `gorm:"type:text"`
	CreatedAt  time.Time
}
