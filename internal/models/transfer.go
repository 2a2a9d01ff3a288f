package models

import "time"

// Transfer is one warm handoff of a call from a source agent to a target
// agent via a briefing room. Only Stage and the stage timestamps change
// after creation.
type Transfer struct {
	ID                  string `gorm:"primaryKey;size:36"`
	CallID              string `gorm:"size:32;not null;index"`
	SourceAgentID       string `gorm:"size:64;not null"`
	TargetAgentID       string `gorm:"size:64;not null"`
	Reason              string `gorm:"type:text"`
	Notes               string `gorm:"type:text"`
	Stage               string `gorm:"size:16;default:initiated;index"`
	BriefingRoom        string `gorm:"size:100"`
	OriginalRoom        string `gorm:"size:100"`
	Summary             string `gorm:"type:text"`
	SummaryProvider     string `gorm:"size:32"`
	SummaryFallback     bool   `gorm:"default:false"`
	AbortReason         string `gorm:"size:256"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	BriefingAt          *time.Time
	BriefingCompletedAt *time.Time
	CompletedAt         *time.Time
	AbortedAt           *time.Time

	Call        *Call  `gorm:"foreignKey:CallID"`
	SourceAgent *Agent `gorm:"foreignKey:SourceAgentID"`
	TargetAgent *Agent `gorm:"foreignKey:TargetAgentID"`
}
