// Package transfer runs the server side of a warm transfer: claiming the
// call, briefing the target agent in a side room, and moving ownership of
// the call once the briefing is done.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/call"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/summary"
	"github.com/zulandar/switchboard/internal/token"
	"gorm.io/gorm"
)

// Stages.
const (
	StageInitiated    = "initiated"
	StageBriefing     = "briefing"
	StageTransferring = "transferring"
	StageCompleted    = "completed"
	StageAborted      = "aborted"
)

// ValidTransitions maps each stage to its valid next stages.
// Any non-terminal stage may also move to aborted; see isValidTransition.
var ValidTransitions = map[string][]string{
	StageInitiated:    {StageBriefing},
	StageBriefing:     {StageTransferring},
	StageTransferring: {StageCompleted},
}

var (
	// ErrNotFound is returned for unknown transfers or calls.
	ErrNotFound = errors.New("transfer: not found")
	// ErrRejected is returned when the request is well formed but not allowed.
	ErrRejected = errors.New("transfer: rejected")
	// ErrInProgress is returned when the call already has an active transfer.
	ErrInProgress = errors.New("transfer: already in progress")
	// ErrStaleStage is returned when an operation does not match the
	// transfer's current stage.
	ErrStaleStage = errors.New("transfer: stale stage")
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("transfer: invalid request")
)

// DefaultAbortReason is recorded when Abort is called without a reason.
const DefaultAbortReason = "aborted by agent"

// IsTerminal reports whether no further transitions are possible from stage.
func IsTerminal(stage string) bool {
	return stage == StageCompleted || stage == StageAborted
}

func isValidTransition(from, to string) bool {
	if to == StageAborted {
		return !IsTerminal(from)
	}
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Service coordinates transfer storage, rooms, credentials and summaries.
type Service struct {
	DB        *gorm.DB
	Agents    agent.Directory
	Tokens    call.Tokens
	Rooms     media.RoomService
	Summaries *summary.Summarizer
	Events    *events.Recorder

	locks [lockShards]sync.Mutex
}

// lockShards bounds the per-call locks; calls hashing to the same shard
// serialize their initiates.
const lockShards = 64

// InitiateOpts holds parameters for starting a transfer.
type InitiateOpts struct {
	CallID        string
	SourceAgentID string
	TargetAgentID string
	Reason        string
	Notes         string
}

// InitiateResult carries the briefing credentials and the handoff summary.
type InitiateResult struct {
	Transfer    *models.Transfer
	SourceToken string
	TargetToken string
	Summary     summary.Result
}

// BriefingResult is returned when the source agent enters the briefing room.
type BriefingResult struct {
	Transfer    *models.Transfer
	SourceToken string
}

// HandoffResult is returned when the briefing is marked complete.
type HandoffResult struct {
	Transfer         *models.Transfer
	TargetToken      string
	TargetInBriefing bool
}

// AbortResult is returned by Abort.
type AbortResult struct {
	Transfer      *models.Transfer
	RevokedTokens int64
}

// StatusView is a transfer with its agents and who is in the briefing room.
type StatusView struct {
	Transfer             *models.Transfer
	BriefingParticipants []string
}

func (s *Service) callLock(callID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return &s.locks[h.Sum32()%lockShards]
}

// Initiate claims the call for a transfer, generates the handoff summary and
// mints briefing room credentials for both agents.
func (s *Service) Initiate(ctx context.Context, opts InitiateOpts) (*InitiateResult, error) {
	if opts.CallID == "" || opts.SourceAgentID == "" || opts.TargetAgentID == "" {
		return nil, fmt.Errorf("%w: call_id, source_agent_id and target_agent_id are required", ErrInvalid)
	}
	if opts.SourceAgentID == opts.TargetAgentID {
		return nil, fmt.Errorf("%w: source and target agent are the same (%s)", ErrRejected, opts.SourceAgentID)
	}

	mu := s.callLock(opts.CallID)
	mu.Lock()
	defer mu.Unlock()

	c, err := call.Get(s.DB.WithContext(ctx), opts.CallID)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return nil, fmt.Errorf("%w: call %s", ErrNotFound, opts.CallID)
		}
		return nil, err
	}
	switch c.Status {
	case call.StatusEnded:
		return nil, fmt.Errorf("%w: call %s has ended", ErrRejected, c.ID)
	case call.StatusTransferring:
		return nil, fmt.Errorf("%w: call %s", ErrInProgress, c.ID)
	}
	if c.AgentID != opts.SourceAgentID {
		return nil, fmt.Errorf("%w: agent %s does not own call %s", ErrRejected, opts.SourceAgentID, c.ID)
	}
	source, err := s.lookupAgent(ctx, opts.SourceAgentID, "source")
	if err != nil {
		return nil, err
	}
	target, err := s.lookupAgent(ctx, opts.TargetAgentID, "target")
	if err != nil {
		return nil, err
	}
	if !target.Available() {
		return nil, fmt.Errorf("%w: target agent %s is not available (status %s, %d/%d calls)",
			ErrRejected, target.ID, target.Status, target.CurrentCalls, target.MaxConcurrentCalls)
	}

	res := s.DB.WithContext(ctx).Model(&models.Call{}).
		Where("id = ? AND status = ?", c.ID, call.StatusActive).
		Update("status", call.StatusTransferring)
	if res.Error != nil {
		return nil, fmt.Errorf("transfer: claim call %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: call %s", ErrInProgress, c.ID)
	}

	id := uuid.New().String()
	t := models.Transfer{
		ID:            id,
		CallID:        c.ID,
		SourceAgentID: source.ID,
		TargetAgentID: target.ID,
		Reason:        opts.Reason,
		Notes:         opts.Notes,
		Stage:         StageInitiated,
		BriefingRoom:  "transfer_" + id,
		OriginalRoom:  c.RoomName,
	}
	if err := s.DB.WithContext(ctx).Create(&t).Error; err != nil {
		s.releaseClaim(ctx, c.ID)
		return nil, fmt.Errorf("transfer: create %s: %w", id, err)
	}

	sum := s.Summaries.Summarize(ctx, summary.BuildContext(summary.CallContext{
		CallerName:  c.CallerName,
		CallerPhone: c.CallerPhone,
		Priority:    c.Priority,
		Duration:    time.Since(c.StartedAt),
		Reason:      opts.Reason,
		Notes:       opts.Notes,
		Transcript:  c.Transcript,
	}))
	t.Summary = sum.Text
	t.SummaryProvider = sum.Provider
	t.SummaryFallback = sum.Fallback
	if err := s.DB.WithContext(ctx).Model(&models.Transfer{}).Where("id = ?", id).Updates(map[string]interface{}{
		"summary":          sum.Text,
		"summary_provider": sum.Provider,
		"summary_fallback": sum.Fallback,
	}).Error; err != nil {
		return nil, s.failInitiate(ctx, &t, fmt.Errorf("transfer: store summary %s: %w", id, err))
	}
	if err := s.DB.WithContext(ctx).Model(&models.Call{}).Where("id = ?", c.ID).
		Update("summary", sum.Text).Error; err != nil {
		log.Printf("transfer: store call summary %s: %v", c.ID, err)
	}

	if err := s.Rooms.CreateRoom(ctx, t.BriefingRoom); err != nil {
		return nil, s.failInitiate(ctx, &t, fmt.Errorf("transfer: create briefing room %s: %w", t.BriefingRoom, err))
	}
	sourceTok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: t.BriefingRoom, Identity: agent.Identity(source.ID), Name: source.Name,
		Role: token.RoleSourceAgent, CallID: c.ID, TransferID: id,
	})
	if err != nil {
		return nil, s.failInitiate(ctx, &t, fmt.Errorf("transfer: source briefing token: %w", err))
	}
	targetTok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: t.BriefingRoom, Identity: agent.Identity(target.ID), Name: target.Name,
		Role: token.RoleTargetAgent, CallID: c.ID, TransferID: id,
	})
	if err != nil {
		return nil, s.failInitiate(ctx, &t, fmt.Errorf("transfer: target briefing token: %w", err))
	}

	s.emit(ctx, events.EmitOpts{
		Kind:       events.TransferInitiated,
		TransferID: id,
		CallID:     c.ID,
		Stage:      StageInitiated,
		Actor:      source.ID,
		Detail: map[string]any{
			"target_agent_id": target.ID,
			"briefing_room":   t.BriefingRoom,
			"reason":          opts.Reason,
		},
	})
	if sum.Fallback {
		s.emit(ctx, events.EmitOpts{
			Kind:       events.SummaryFellBack,
			TransferID: id,
			CallID:     c.ID,
			Stage:      StageInitiated,
			Detail:     map[string]any{"provider": sum.Provider},
		})
	}
	log.Printf("transfer: initiated %s for %s from %s to %s", id, c.ID, source.ID, target.ID)

	return &InitiateResult{
		Transfer:    &t,
		SourceToken: sourceTok.JWT,
		TargetToken: targetTok.JWT,
		Summary:     sum,
	}, nil
}

func (s *Service) lookupAgent(ctx context.Context, id, which string) (*models.Agent, error) {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s agent %s does not exist", ErrRejected, which, id)
		}
		return nil, err
	}
	return a, nil
}

// failInitiate marks a half-built transfer aborted and gives the call back
// to its owner. It returns cause.
func (s *Service) failInitiate(ctx context.Context, t *models.Transfer, cause error) error {
	now := time.Now()
	if err := s.DB.WithContext(ctx).Model(&models.Transfer{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
		"stage":        StageAborted,
		"aborted_at":   now,
		"abort_reason": "initiate failed",
	}).Error; err != nil {
		log.Printf("transfer: mark %s aborted: %v", t.ID, err)
	}
	if _, err := s.Tokens.Revoke(ctx, token.RevokeFilter{TransferID: t.ID}); err != nil {
		log.Printf("transfer: revoke tokens for %s: %v", t.ID, err)
	}
	if err := s.Rooms.DeleteRoom(ctx, t.BriefingRoom); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("transfer: delete briefing room %s: %v", t.BriefingRoom, err)
	}
	s.releaseClaim(ctx, t.CallID)
	return cause
}

func (s *Service) releaseClaim(ctx context.Context, callID string) {
	err := s.DB.WithContext(ctx).Model(&models.Call{}).
		Where("id = ? AND status = ?", callID, call.StatusTransferring).
		Update("status", call.StatusActive).Error
	if err != nil {
		log.Printf("transfer: release call %s: %v", callID, err)
	}
}

// advance moves the transfer from its current stage to `to`. A non-empty
// expected stage must equal the current stage. fn runs inside the same
// transaction as the conditional stage update.
func (s *Service) advance(ctx context.Context, id, expected, to string, updates map[string]interface{},
	fn func(tx *gorm.DB, t *models.Transfer) error) (*models.Transfer, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expected != "" && expected != t.Stage {
		return nil, fmt.Errorf("%w: transfer %s is %s, not %s", ErrStaleStage, id, t.Stage, expected)
	}
	if !isValidTransition(t.Stage, to) {
		return nil, fmt.Errorf("%w: cannot move transfer %s from %s to %s", ErrStaleStage, id, t.Stage, to)
	}

	from := t.Stage
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["stage"] = to
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Transfer{}).Where("id = ? AND stage = ?", id, from).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("transfer: update %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: transfer %s moved on from %s", ErrStaleStage, id, from)
		}
		if fn != nil {
			return fn(tx, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// rewind puts a transfer back from `from` to `to` when the credential for
// the step could not be minted, so the caller can retry the step.
func (s *Service) rewind(ctx context.Context, id, from, to, stamp string) {
	res := s.DB.WithContext(context.WithoutCancel(ctx)).Model(&models.Transfer{}).
		Where("id = ? AND stage = ?", id, from).
		Updates(map[string]interface{}{"stage": to, stamp: nil})
	if res.Error != nil {
		log.Printf("transfer: rewind %s to %s: %v", id, to, res.Error)
		return
	}
	log.Printf("transfer: rewound %s to %s", id, to)
}

// JoinBriefing moves the transfer into the briefing stage and returns a
// fresh briefing room credential for the source agent.
func (s *Service) JoinBriefing(ctx context.Context, id, stage string) (*BriefingResult, error) {
	now := time.Now()
	t, err := s.advance(ctx, id, stage, StageBriefing, map[string]interface{}{"briefing_at": now}, nil)
	if err != nil {
		return nil, err
	}
	name := t.SourceAgentID
	if t.SourceAgent != nil {
		name = t.SourceAgent.Name
	}
	tok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: t.BriefingRoom, Identity: agent.Identity(t.SourceAgentID), Name: name,
		Role: token.RoleSourceAgent, CallID: t.CallID, TransferID: t.ID,
	})
	if err != nil {
		s.rewind(ctx, t.ID, StageBriefing, StageInitiated, "briefing_at")
		return nil, fmt.Errorf("transfer: source briefing token: %w", err)
	}
	s.emit(ctx, events.EmitOpts{
		Kind: events.BriefingStarted, TransferID: t.ID, CallID: t.CallID, Stage: StageBriefing, Actor: t.SourceAgentID,
	})
	log.Printf("transfer: %s briefing in %s", t.ID, t.BriefingRoom)
	return &BriefingResult{Transfer: t, SourceToken: tok.JWT}, nil
}

// CompleteBriefing marks the briefing done and admits the target agent to
// the caller's room. Whether the target was seen in the briefing room is
// recorded but not required.
func (s *Service) CompleteBriefing(ctx context.Context, id, stage string) (*HandoffResult, error) {
	now := time.Now()
	t, err := s.advance(ctx, id, stage, StageTransferring, map[string]interface{}{"briefing_completed_at": now}, nil)
	if err != nil {
		return nil, err
	}
	name := t.TargetAgentID
	if t.TargetAgent != nil {
		name = t.TargetAgent.Name
	}
	tok, err := s.Tokens.Issue(ctx, token.Grant{
		Room: t.OriginalRoom, Identity: agent.Identity(t.TargetAgentID), Name: name,
		Role: token.RoleTargetAgent, CallID: t.CallID, TransferID: t.ID,
	})
	if err != nil {
		s.rewind(ctx, t.ID, StageTransferring, StageBriefing, "briefing_completed_at")
		return nil, fmt.Errorf("transfer: target room token: %w", err)
	}
	present := s.inRoom(ctx, t.BriefingRoom, agent.Identity(t.TargetAgentID))
	s.emit(ctx, events.EmitOpts{
		Kind: events.BriefingCompleted, TransferID: t.ID, CallID: t.CallID, Stage: StageTransferring, Actor: t.SourceAgentID,
		Detail: map[string]any{"target_in_briefing": present},
	})
	log.Printf("transfer: %s briefing complete, target present=%t", t.ID, present)
	return &HandoffResult{Transfer: t, TargetToken: tok.JWT, TargetInBriefing: present}, nil
}

// Finalize hands the call to the target agent and removes the source agent
// from the caller's room.
func (s *Service) Finalize(ctx context.Context, id, stage string) (*models.Transfer, error) {
	now := time.Now()
	t, err := s.advance(ctx, id, stage, StageCompleted, map[string]interface{}{"completed_at": now},
		func(tx *gorm.DB, t *models.Transfer) error {
			res := tx.Model(&models.Call{}).
				Where("id = ? AND status = ?", t.CallID, call.StatusTransferring).
				Updates(map[string]interface{}{
					"agent_id":         t.TargetAgentID,
					"status":           call.StatusActive,
					"transferred_from": t.SourceAgentID,
				})
			if res.Error != nil {
				return fmt.Errorf("transfer: move call %s: %w", t.CallID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: call %s is no longer being transferred", ErrRejected, t.CallID)
			}
			if err := agent.AdjustCalls(tx, t.SourceAgentID, -1); err != nil {
				return err
			}
			if err := agent.AdjustCalls(tx, t.TargetAgentID, 1); err != nil {
				return err
			}
			return agent.RecordTransfer(tx, t.SourceAgentID)
		})
	if err != nil {
		return nil, err
	}

	sourceIdentity := agent.Identity(t.SourceAgentID)
	if _, err := s.Tokens.Revoke(ctx, token.RevokeFilter{Room: t.OriginalRoom, Identity: sourceIdentity}); err != nil {
		log.Printf("transfer: revoke %s in %s: %v", sourceIdentity, t.OriginalRoom, err)
	}
	if err := s.Rooms.RemoveParticipant(ctx, t.OriginalRoom, sourceIdentity); err != nil &&
		!errors.Is(err, media.ErrParticipantNotFound) && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("transfer: remove %s from %s: %v", sourceIdentity, t.OriginalRoom, err)
	}
	s.closeBriefing(ctx, t)

	s.emit(ctx, events.EmitOpts{
		Kind: events.TransferCompleted, TransferID: t.ID, CallID: t.CallID, Stage: StageCompleted, Actor: t.SourceAgentID,
		Detail: map[string]any{"new_agent_id": t.TargetAgentID, "final_room": t.OriginalRoom},
	})
	log.Printf("transfer: completed %s, %s now owned by %s", t.ID, t.CallID, t.TargetAgentID)
	return t, nil
}

// closeBriefing revokes the briefing room credentials and deletes the room.
func (s *Service) closeBriefing(ctx context.Context, t *models.Transfer) {
	if _, err := s.Tokens.Revoke(ctx, token.RevokeFilter{TransferID: t.ID, Room: t.BriefingRoom}); err != nil {
		log.Printf("transfer: revoke briefing tokens for %s: %v", t.ID, err)
	}
	if err := s.Rooms.DeleteRoom(ctx, t.BriefingRoom); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("transfer: delete briefing room %s: %v", t.BriefingRoom, err)
	}
}

// Abort cancels a transfer from any non-terminal stage. The call returns to
// the source agent and every credential minted for the transfer is revoked.
func (s *Service) Abort(ctx context.Context, id, reason string) (*AbortResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultAbortReason
	}
	now := time.Now()
	t, err := s.advance(ctx, id, "", StageAborted, map[string]interface{}{
		"aborted_at":   now,
		"abort_reason": reason,
	}, func(tx *gorm.DB, t *models.Transfer) error {
		return tx.Model(&models.Call{}).
			Where("id = ? AND status = ?", t.CallID, call.StatusTransferring).
			Update("status", call.StatusActive).Error
	})
	if err != nil {
		return nil, err
	}

	revoked, err := s.Tokens.Revoke(ctx, token.RevokeFilter{TransferID: t.ID})
	if err != nil {
		log.Printf("transfer: revoke tokens for %s: %v", t.ID, err)
	}
	if err := s.Rooms.DeleteRoom(ctx, t.BriefingRoom); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("transfer: delete briefing room %s: %v", t.BriefingRoom, err)
	}
	targetIdentity := agent.Identity(t.TargetAgentID)
	if err := s.Rooms.RemoveParticipant(ctx, t.OriginalRoom, targetIdentity); err != nil &&
		!errors.Is(err, media.ErrParticipantNotFound) && !errors.Is(err, media.ErrRoomNotFound) {
		log.Printf("transfer: remove %s from %s: %v", targetIdentity, t.OriginalRoom, err)
	}

	s.emit(ctx, events.EmitOpts{
		Kind: events.TransferAborted, TransferID: t.ID, CallID: t.CallID, Stage: StageAborted,
		Detail: map[string]any{"reason": reason, "revoked_tokens": revoked},
	})
	log.Printf("transfer: aborted %s (%s), revoked %d tokens", t.ID, reason, revoked)
	return &AbortResult{Transfer: t, RevokedTokens: revoked}, nil
}

// AbortActiveForCall aborts every non-terminal transfer of a call. It is
// used before the call itself ends.
func (s *Service) AbortActiveForCall(ctx context.Context, callID, reason string) (int, error) {
	var ts []models.Transfer
	err := s.DB.WithContext(ctx).
		Where("call_id = ? AND stage NOT IN ?", callID, []string{StageCompleted, StageAborted}).
		Find(&ts).Error
	if err != nil {
		return 0, fmt.Errorf("transfer: list active for %s: %w", callID, err)
	}
	n := 0
	for _, t := range ts {
		if _, err := s.Abort(ctx, t.ID, reason); err != nil {
			if errors.Is(err, ErrStaleStage) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Get retrieves a transfer by ID with both agents.
func (s *Service) Get(ctx context.Context, id string) (*models.Transfer, error) {
	var t models.Transfer
	err := s.DB.WithContext(ctx).Preload("SourceAgent").Preload("TargetAgent").
		Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("transfer: get %s: %w", id, err)
	}
	return &t, nil
}

// ListActive returns non-terminal transfers, oldest first.
func (s *Service) ListActive(ctx context.Context) ([]models.Transfer, error) {
	var ts []models.Transfer
	err := s.DB.WithContext(ctx).Preload("SourceAgent").Preload("TargetAgent").
		Where("stage NOT IN ?", []string{StageCompleted, StageAborted}).
		Order("created_at ASC").
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("transfer: list active: %w", err)
	}
	return ts, nil
}

// HistoryFilters holds optional filters for finished transfers.
type HistoryFilters struct {
	AgentID string
	Stage   string
	Limit   int
	Offset  int
}

// History returns completed and aborted transfers, most recently finished
// first.
func (s *Service) History(ctx context.Context, f HistoryFilters) ([]models.Transfer, error) {
	stages := []string{StageCompleted, StageAborted}
	if f.Stage != "" {
		if !IsTerminal(f.Stage) {
			return nil, fmt.Errorf("%w: stage %q is not terminal", ErrInvalid, f.Stage)
		}
		stages = []string{f.Stage}
	}
	q := s.DB.WithContext(ctx).Preload("SourceAgent").Preload("TargetAgent").
		Where("stage IN ?", stages)
	if f.AgentID != "" {
		q = q.Where("source_agent_id = ? OR target_agent_id = ?", f.AgentID, f.AgentID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var ts []models.Transfer
	err := q.Order("updated_at DESC").Order("id").Limit(limit).Offset(f.Offset).Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("transfer: history: %w", err)
	}
	return ts, nil
}

// ForCall returns every transfer of a call, oldest first.
func (s *Service) ForCall(ctx context.Context, callID string) ([]models.Transfer, error) {
	var ts []models.Transfer
	err := s.DB.WithContext(ctx).Preload("SourceAgent").Preload("TargetAgent").
		Where("call_id = ?", callID).
		Order("created_at ASC").
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("transfer: list for %s: %w", callID, err)
	}
	return ts, nil
}

// ListStale returns non-terminal transfers not updated since before cutoff.
func (s *Service) ListStale(ctx context.Context, cutoff time.Time) ([]models.Transfer, error) {
	var ts []models.Transfer
	err := s.DB.WithContext(ctx).
		Where("stage NOT IN ? AND updated_at < ?", []string{StageCompleted, StageAborted}, cutoff).
		Order("updated_at ASC").
		Find(&ts).Error
	if err != nil {
		return nil, fmt.Errorf("transfer: list stale: %w", err)
	}
	return ts, nil
}

// Status returns the transfer and the identities currently in its
// briefing room.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Transfer: t, BriefingParticipants: []string{}}
	if IsTerminal(t.Stage) {
		return view, nil
	}
	parts, err := s.Rooms.ListParticipants(ctx, t.BriefingRoom)
	if err != nil {
		log.Printf("transfer: list participants of %s: %v", t.BriefingRoom, err)
		return view, nil
	}
	for _, p := range parts {
		view.BriefingParticipants = append(view.BriefingParticipants, p.Identity)
	}
	return view, nil
}

func (s *Service) inRoom(ctx context.Context, room, identity string) bool {
	parts, err := s.Rooms.ListParticipants(ctx, room)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if p.Identity == identity {
			return true
		}
	}
	return false
}

func (s *Service) emit(ctx context.Context, opts events.EmitOpts) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, opts); err != nil {
		log.Printf("transfer: record %s event: %v", opts.Kind, err)
	}
}
