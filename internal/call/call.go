// Package call manages live calls: starting them with an available agent,
// admitting participants, and ending them.
package call

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/token"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown call IDs or rooms.
	ErrNotFound = errors.New("call: not found")
	// ErrNoAgents is returned when no agent can take a new call.
	ErrNoAgents = errors.New("call: no agents available")
	// ErrAlreadyEnded is returned when mutating an ended call.
	ErrAlreadyEnded = errors.New("call: already ended")
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("call: invalid request")
	// ErrRejected is returned when an agent asks to join a call it does
	// not own and is not being handed.
	ErrRejected = errors.New("call: rejected")
)

// Call statuses.
const (
	StatusActive       = "active"
	StatusTransferring = "transferring"
	StatusEnded        = "ended"
)

// Priorities lists accepted call priorities.
var Priorities = []string{"low", "medium", "high", "critical"}

// Tokens is the part of the token issuer the call service needs.
type Tokens interface {
	Issue(ctx context.Context, g token.Grant) (token.Token, error)
	Revoke(ctx context.Context, f token.RevokeFilter) (int64, error)
}

// Service coordinates call storage, rooms and credentials.
type Service struct {
	DB     *gorm.DB
	Agents agent.Directory
	Tokens Tokens
	Rooms  media.RoomService
	Events *events.Recorder
}

// StartOpts holds parameters for starting a call.
type StartOpts struct {
	CallerName  string
	CallerPhone string
	Priority    string
	AgentID     string // optional; otherwise the least loaded available agent
}

// StartResult is returned to the caller's client.
type StartResult struct {
	CallID         string        `json:"call_id"`
	RoomName       string        `json:"room_name"`
	AgentToken     string        `json:"agent_token"`
	CallerToken    string        `json:"caller_token"`
	CallerIdentity string        `json:"caller_identity"`
	AgentIdentity  string        `json:"agent_identity"`
	Agent          *models.Agent `json:"agent"`
}

// JoinOpts holds parameters for admitting a participant to a call room.
type JoinOpts struct {
	RoomName        string
	ParticipantName string
	ParticipantType string // caller, agent, ai_assistant
	AgentID         string
}

// JoinResult is the credential for a joining participant.
type JoinResult struct {
	Token               string     `json:"token"`
	RoomName            string     `json:"room_name"`
	ParticipantIdentity string     `json:"participant_identity"`
	Role                token.Role `json:"role"`
}

// HistoryFilters holds optional filters for ended calls.
type HistoryFilters struct {
	AgentID string
	Since   time.Time
	Limit   int
	Offset  int
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("call: generate ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// validPriority reports whether p is an accepted priority.
func validPriority(p string) bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

// Start creates a call room with the chosen agent and mints the caller and
// agent credentials.
func (s *Service) Start(ctx context.Context, opts StartOpts) (*StartResult, error) {
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	if !validPriority(opts.Priority) {
		return nil, fmt.Errorf("%w: priority %q must be one of %v", ErrInvalid, opts.Priority, Priorities)
	}
	if strings.TrimSpace(opts.CallerName) == "" {
		opts.CallerName = "Caller"
	}

	a, err := s.pickAgent(ctx, opts.AgentID)
	if err != nil {
		return nil, err
	}

	suffix, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	callerSuffix, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	callID := "call_" + suffix
	room := "room_" + suffix
	callerIdentity := "caller_" + callerSuffix
	agentIdentity := agent.Identity(a.ID)

	if err := s.Rooms.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("call: create room %s: %w", room, err)
	}

	callerTok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: room, Identity: callerIdentity, Name: opts.CallerName, Role: token.RoleCaller, CallID: callID,
	})
	if err != nil {
		return nil, fmt.Errorf("call: caller token: %w", err)
	}
	agentTok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: room, Identity: agentIdentity, Name: a.Name, Role: token.RoleAgent, CallID: callID,
	})
	if err != nil {
		return nil, fmt.Errorf("call: agent token: %w", err)
	}

	now := time.Now()
	c := models.Call{
		ID:             callID,
		RoomName:       room,
		CallerName:     opts.CallerName,
		CallerPhone:    opts.CallerPhone,
		CallerIdentity: callerIdentity,
		Priority:       opts.Priority,
		AgentID:        a.ID,
		Status:         StatusActive,
		StartedAt:      now,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			return fmt.Errorf("call: create %s: %w", callID, err)
		}
		return agent.AdjustCalls(tx, a.ID, 1)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.EmitOpts{
		Kind:   events.CallStarted,
		CallID: callID,
		Actor:  a.ID,
		Detail: map[string]any{"room": room, "priority": opts.Priority, "caller": opts.CallerName},
	})
	log.Printf("call: started %s in %s with agent %s", callID, room, a.ID)

	if fresh, err := s.Agents.Get(ctx, a.ID); err == nil {
		a = fresh
	}
	return &StartResult{
		CallID:         callID,
		RoomName:       room,
		AgentToken:     agentTok.JWT,
		CallerToken:    callerTok.JWT,
		CallerIdentity: callerIdentity,
		AgentIdentity:  agentIdentity,
		Agent:          a,
	}, nil
}

func (s *Service) pickAgent(ctx context.Context, id string) (*models.Agent, error) {
	if id != "" {
		return s.Agents.Get(ctx, id)
	}
	avail, err := s.Agents.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if len(avail) == 0 {
		return nil, ErrNoAgents
	}
	return &avail[0], nil
}

// JoinRoom admits a participant to the room of a call that has not ended.
// The role is resolved from the participant type here, never by clients.
func (s *Service) JoinRoom(ctx context.Context, opts JoinOpts) (*JoinResult, error) {
	if opts.RoomName == "" {
		return nil, fmt.Errorf("%w: room_name is required", ErrInvalid)
	}
	var c models.Call
	err := s.DB.WithContext(ctx).
		Where("room_name = ? AND status <> ?", opts.RoomName, StatusEnded).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active call in room %s", ErrNotFound, opts.RoomName)
		}
		return nil, fmt.Errorf("call: find room %s: %w", opts.RoomName, err)
	}

	role := token.RoleForParticipant(opts.ParticipantType)
	var identity string
	if role == token.RoleAgent {
		if opts.AgentID == "" {
			return nil, fmt.Errorf("%w: agent_id is required for agent participants", ErrInvalid)
		}
		if _, err := s.Agents.Get(ctx, opts.AgentID); err != nil {
			return nil, err
		}
		if role, err = s.agentRole(ctx, &c, opts.AgentID); err != nil {
			return nil, err
		}
		identity = agent.Identity(opts.AgentID)
	} else {
		suffix, err := randomHex(4)
		if err != nil {
			return nil, err
		}
		prefix := opts.ParticipantType
		if prefix == "" {
			prefix = string(role)
		}
		identity = prefix + "_" + suffix
	}

	tok, err := s.Tokens.Issue(ctx, token.Grant{
		Room:     c.RoomName,
		Identity: identity,
		Name:     opts.ParticipantName,
		Role:     role,
		CallID:   c.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("call: join token: %w", err)
	}
	return &JoinResult{Token: tok.JWT, RoomName: c.RoomName, ParticipantIdentity: identity, Role: role}, nil
}

// stageTransferring mirrors the transfer stage at which the target agent
// has been handed the caller's room.
const stageTransferring = "transferring"

// agentRole admits the call's owner, or the target of a transfer on the
// call that has reached the caller's room. Everyone else is rejected.
func (s *Service) agentRole(ctx context.Context, c *models.Call, agentID string) (token.Role, error) {
	if agent.Identity(agentID) == agent.Identity(c.AgentID) {
		return token.RoleAgent, nil
	}
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Transfer{}).
		Where("call_id = ? AND target_agent_id = ? AND stage = ?", c.ID, agentID, stageTransferring).
		Count(&n).Error
	if err != nil {
		return "", fmt.Errorf("call: check transfer target: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: agent %s is not on call %s", ErrRejected, agentID, c.ID)
	}
	return token.RoleTargetAgent, nil
}

// End finishes a call: it records the duration, revokes every credential
// for the room, deletes the room and releases the owning agent.
func (s *Service) End(ctx context.Context, id string) (*models.Call, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyEnded, id)
	}

	now := time.Now()
	duration := int(now.Sub(c.StartedAt).Seconds())
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Call{}).
			Where("id = ? AND status <> ?", id, StatusEnded).
			Updates(map[string]interface{}{
				"status":           StatusEnded,
				"ended_at":         now,
				"duration_seconds": duration,
			})
		if res.Error != nil {
			return fmt.Errorf("call: end %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyEnded, id)
		}
		return agent.AdjustCalls(tx, c.AgentID, -1)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Tokens.Revoke(ctx, token.RevokeFilter{Room: c.RoomName}); err != nil {
		log.Printf("call: revoke tokens for %s: %v", c.RoomName, err)
	}
	if err := s.Rooms.DeleteRoom(ctx, c.RoomName); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("call: delete room %s: %v", c.RoomName, err)
	}

	s.emit(ctx, events.EmitOpts{
		Kind:   events.CallEnded,
		CallID: id,
		Actor:  c.AgentID,
		Detail: map[string]any{"duration_seconds": duration},
	})
	log.Printf("call: ended %s after %ds", id, duration)

	c.Status = StatusEnded
	c.EndedAt = &now
	c.DurationSeconds = duration
	return c, nil
}

// Get retrieves a call by ID with its current agent.
func (s *Service) Get(ctx context.Context, id string) (*models.Call, error) {
	return Get(s.DB.WithContext(ctx), id)
}

// Get retrieves a call by ID with its current agent.
func Get(db *gorm.DB, id string) (*models.Call, error) {
	var c models.Call
	if err := db.Preload("Agent").Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("call: get %s: %w", id, err)
	}
	return &c, nil
}

// ListActive returns calls that have not ended, newest first.
func (s *Service) ListActive(ctx context.Context) ([]models.Call, error) {
	var calls []models.Call
	err := s.DB.WithContext(ctx).Preload("Agent").
		Where("status <> ?", StatusEnded).
		Order("started_at DESC").
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("call: list active: %w", err)
	}
	return calls, nil
}

// History returns ended calls, newest first.
func (s *Service) History(ctx context.Context, f HistoryFilters) ([]models.Call, error) {
	q := s.DB.WithContext(ctx).Model(&models.Call{}).Where("status = ?", StatusEnded)
	if f.AgentID != "" {
		q = q.Where("agent_id = ? OR transferred_from = ?", f.AgentID, f.AgentID)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var calls []models.Call
	err := q.Order("started_at DESC").Limit(limit).Offset(f.Offset).Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("call: history: %w", err)
	}
	return calls, nil
}

// AppendTranscript adds a line to the live transcript used to seed
// handoff summaries.
func (s *Service) AppendTranscript(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: transcript text is required", ErrInvalid)
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusEnded {
		return fmt.Errorf("%w: %s", ErrAlreadyEnded, id)
	}
	transcript := text
	if c.Transcript != "" {
		transcript = c.Transcript + "\n" + text
	}
	if err := s.DB.WithContext(ctx).Model(&models.Call{}).Where("id = ?", id).
		Update("transcript", transcript).Error; err != nil {
		return fmt.Errorf("call: append transcript %s: %w", id, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, opts events.EmitOpts) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, opts); err != nil {
		log.Printf("call: record %s event: %v", opts.Kind, err)
	}
}

// StatusView is a call with its live room membership.
type StatusView struct {
	Call         *models.Call        `json:"call"`
	Participants []media.Participant `json:"participants"`
}

// Status returns the call and who is currently in its room. Membership
// lookup failures are logged and reported as an empty room.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Call: c, Participants: []media.Participant{}}
	if c.Status == StatusEnded {
		return view, nil
	}
	parts, err := s.Rooms.ListParticipants(ctx, c.RoomName)
	if err != nil {
		log.Printf("call: list participants of %s: %v", c.RoomName, err)
		return view, nil
	}
	view.Participants = parts
	return view, nil
}
