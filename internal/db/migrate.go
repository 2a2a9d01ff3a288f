package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Agent{},
		&models.Call{},
		&models.Transfer{},
		&models.IssuedToken{},
		&models.TransferEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAgents upserts Agent rows from configuration. Call counters of
// existing agents are left alone.
func SeedAgents(db *gorm.DB, agents []config.AgentConfig) error {
	for _, ac := range agents {
		tags := ac.Skills
		if tags == nil {
			tags = []string{}
		}
		skills, err := marshalJSON(tags)
		if err != nil {
			return fmt.Errorf("db: marshal skills for agent %q: %w", ac.ID, err)
		}

		agent := models.Agent{
			ID:                 ac.ID,
			Name:               ac.Name,
			Email:              ac.Email,
			Status:             ac.Status,
			MaxConcurrentCalls: ac.MaxConcurrentCalls,
			Skills:             skills,
			LastActive:         time.Now(),
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "email", "status", "max_concurrent_calls", "skills"}),
		}).Create(&agent)
		if result.Error != nil {
			return fmt.Errorf("db: seed agent %q: %w", ac.ID, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
