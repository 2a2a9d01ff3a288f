// Package agent provides the agent directory: registration, presence
// status and call-count bookkeeping.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when an agent ID does not exist.
var ErrNotFound = errors.New("agent: not found")

// Statuses lists the accepted agent status values.
var Statuses = []string{"available", "busy", "away", "offline"}

// CreateOpts holds parameters for registering an agent.
type CreateOpts struct {
	ID                 string // generated when empty
	Name               string
	Email              string
	Status             string
	MaxConcurrentCalls int
	Skills             []string
}

// ListFilters holds optional filters for listing agents.
type ListFilters struct {
	Status string
	Skill  string
}

// Directory is the read side of the agent store used by the call and
// transfer services.
type Directory interface {
	Get(ctx context.Context, id string) (*models.Agent, error)
	ListAvailable(ctx context.Context) ([]models.Agent, error)
}

// Store is the gorm-backed Directory.
type Store struct {
	DB *gorm.DB
}

// Get implements Directory.
func (s Store) Get(ctx context.Context, id string) (*models.Agent, error) {
	return Get(s.DB.WithContext(ctx), id)
}

// ListAvailable implements Directory.
func (s Store) ListAvailable(ctx context.Context) ([]models.Agent, error) {
	return ListAvailable(s.DB.WithContext(ctx))
}

// GenerateID creates an agent ID in agent_xxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("agent: generate ID: %w", err)
	}
	return "agent_" + hex.EncodeToString(b), nil
}

// ValidStatus reports whether s is an accepted status value.
func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Create registers a new agent.
func Create(db *gorm.DB, opts CreateOpts) (*models.Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("agent: name is required")
	}
	if opts.Status == "" {
		opts.Status = "offline"
	}
	if !ValidStatus(opts.Status) {
		return nil, fmt.Errorf("agent: invalid status %q; valid: %v", opts.Status, Statuses)
	}
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = 3
	}
	if opts.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return nil, err
		}
		opts.ID = id
	}
	skills := opts.Skills
	if skills == nil {
		skills = []string{}
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal skills: %w", err)
	}

	a := models.Agent{
		ID:                 opts.ID,
		Name:               opts.Name,
		Email:              opts.Email,
		Status:             opts.Status,
		MaxConcurrentCalls: opts.MaxConcurrentCalls,
		Skills:             string(data),
		LastActive:         time.Now(),
	}
	if err := db.Create(&a).Error; err != nil {
		return nil, fmt.Errorf("agent: create %s: %w", opts.ID, err)
	}
	return &a, nil
}

// Get retrieves an agent by ID.
func Get(db *gorm.DB, id string) (*models.Agent, error) {
	var a models.Agent
	if err := db.Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("agent: get %s: %w", id, err)
	}
	return &a, nil
}

// List returns agents matching the filters, ordered by name.
func List(db *gorm.DB, filters ListFilters) ([]models.Agent, error) {
	q := db.Model(&models.Agent{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	var agents []models.Agent
	if err := q.Order("name ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	if filters.Skill == "" {
		return agents, nil
	}
	var out []models.Agent
	for _, a := range agents {
		if HasSkill(a, filters.Skill) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListAvailable returns agents with status available and spare capacity,
// least loaded first.
func ListAvailable(db *gorm.DB) ([]models.Agent, error) {
	var agents []models.Agent
	err := db.Where("status = ? AND current_calls < max_concurrent_calls", "available").
		Order("current_calls ASC, last_active DESC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agent: list available: %w", err)
	}
	return agents, nil
}

// SetStatus changes an agent's status.
func SetStatus(db *gorm.DB, id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("agent: invalid status %q; valid: %v", status, Statuses)
	}
	res := db.Model(&models.Agent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"last_active": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("agent: set status %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AdjustCalls adds delta to the agent's current call count, never going
// below zero. A positive delta also counts toward calls handled.
func AdjustCalls(db *gorm.DB, id string, delta int) error {
	updates := map[string]interface{}{
		"current_calls": gorm.Expr("CASE WHEN current_calls + ? < 0 THEN 0 ELSE current_calls + ? END", delta, delta),
		"last_active":   time.Now(),
	}
	if delta > 0 {
		updates["total_calls_handled"] = gorm.Expr("total_calls_handled + ?", delta)
	}
	res := db.Model(&models.Agent{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("agent: adjust calls %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordTransfer credits the source agent of a completed transfer.
func RecordTransfer(db *gorm.DB, id string) error {
	res := db.Model(&models.Agent{}).Where("id = ?", id).
		Update("successful_transfers", gorm.Expr("successful_transfers + 1"))
	if res.Error != nil {
		return fmt.Errorf("agent: record transfer %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Skills decodes the agent's skill tags. Malformed data yields nil.
func Skills(a models.Agent) []string {
	if a.Skills == "" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(a.Skills), &s); err != nil {
		return nil
	}
	return s
}

// HasSkill reports whether the agent carries the given skill tag.
func HasSkill(a models.Agent, skill string) bool {
	for _, s := range Skills(a) {
		if s == skill {
			return true
		}
	}
	return false
}

// Identity returns the media identity an agent joins rooms with.
func Identity(agentID string) string {
	if strings.HasPrefix(agentID, "agent_") {
		return agentID
	}
	return "agent_" + agentID
}
