package models

import "time"

// Agent is a customer-service agent who can own calls and take transfers.
type Agent struct {
	ID                  string `gorm:"primaryKey;size:64"`
	Name                string `gorm:"size:100;not null"`
	Email               string `gorm:"size:255"`
	Status              string `gorm:"size:16;default:offline;index"`
	CurrentCalls        int    `gorm:"default:0"`
	MaxConcurrentCalls  int    `gorm:"default:3"`
	Skills              string `gorm:"type:text"` // JSON array of skill tags
	TotalCallsHandled   int    `gorm:"default:0"`
	SuccessfulTransfers int    `gorm:"default:0"`
	LastActive          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Available reports whether the agent can accept another call right now.
func (a Agent) Available() bool {
	return a.Status == "available" && a.CurrentCalls < a.MaxConcurrentCalls
}
