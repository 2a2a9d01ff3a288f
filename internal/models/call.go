package models

import "time"

// Call is a live or finished conversation between a caller and an agent,
// hosted in a single media room.
type Call struct {
	ID              string `gorm:"primaryKey;size:32"`
	RoomName        string `gorm:"size:100;not null;uniqueIndex"`
	CallerName      string `gorm:"size:100"`
	CallerPhone     string `gorm:"size:20"`
	CallerIdentity  string `gorm:"size:64"`
	Priority        string `gorm:"size:10;default:medium"`
	AgentID         string `gorm:"size:64;index"`
	Status          string `gorm:"size:16;default:active;index"`
	Transcript      string `gorm:"type:text"`
	Summary         string `gorm:"type:text"`
	TransferredFrom string `gorm:"size:64"`
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Agent     *Agent     `gorm:"foreignKey:AgentID"`
	Transfers []Transfer `gorm:"foreignKey:CallID"`
}
