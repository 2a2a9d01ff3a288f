// Package orchestrator drives a warm transfer from the source agent's side:
// initiate, join the briefing room, complete the briefing, then finalize.
//
// Each step is a single backend request. Steps are guarded three ways
// before any request is sent: one active transfer per call, one in-flight
// request per transfer, and a check that the transfer is at the stage the
// step expects. A failed step leaves the transfer parked at its last
// successful stage so the operator can retry the same step or abort.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/api"
)

// Stage is the client-side view of where a transfer stands.
type Stage string

// Stages.
const (
	StageSelecting    Stage = "selecting"
	StageInitiated    Stage = "initiated"
	StageBriefing     Stage = "briefing"
	StageTransferring Stage = "transferring"
	StageCompleted    Stage = "completed"
	StageAborted      Stage = "aborted"
)

// ValidTransitions maps each stage to its valid next stage. Any stage
// before completed may also move to aborted.
var ValidTransitions = map[Stage]Stage{
	StageSelecting:    StageInitiated,
	StageInitiated:    StageBriefing,
	StageBriefing:     StageTransferring,
	StageTransferring: StageCompleted,
}

// FallbackSummary replaces a blank summary from the backend.
const FallbackSummary = "conversation captured, no summary available"

var (
	// ErrNetwork is returned when the backend could not be reached.
	ErrNetwork = errors.New("network error")
	// ErrTransferRejected is returned when the backend refuses a step.
	ErrTransferRejected = errors.New("transfer rejected")
	// ErrTransferInProgress is returned when the call already has an
	// active transfer or the transfer has a request in flight.
	ErrTransferInProgress = errors.New("transfer already in progress")
	// ErrStaleStage is returned when a step is invoked while the transfer
	// is not at the stage the step expects.
	ErrStaleStage = errors.New("stale stage transition")
)

// Backend is the server side of a warm transfer.
type Backend interface {
	Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error)
	JoinBriefing(ctx context.Context, req api.StageRequest) (*api.JoinBriefingResponse, error)
	CompleteBriefing(ctx context.Context, req api.StageRequest) (*api.CompleteBriefingResponse, error)
	Finalize(ctx context.Context, req api.StageRequest) (*api.FinalizeResponse, error)
	Abort(ctx context.Context, req api.AbortRequest) (*api.AbortResponse, error)
}

// Directory is a client-side agent cache. Agent call counts are owned by
// the server, so the cache is refreshed after every stage transition.
type Directory interface {
	Refresh(ctx context.Context) error
}

// StepError reports a failed step, the stage the transfer is parked at,
// and what the operator can do next.
type StepError struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed at stage %s: %v; %s", e.Op, e.Stage, e.Err, e.Next())
}

func (e *StepError) Unwrap() error { return e.Err }

// Next is the operator's next action, in words.
func (e *StepError) Next() string {
	switch {
	case errors.Is(e.Err, ErrStaleStage):
		return "reload the transfer status and continue from its current stage"
	case errors.Is(e.Err, ErrTransferInProgress) && e.Op == "initiate":
		return "finish or abort the transfer already running on this call"
	case errors.Is(e.Err, ErrTransferInProgress):
		return "wait for the pending request to finish"
	case errors.Is(e.Err, ErrTransferRejected) && e.Op == "initiate":
		return "pick another target agent or cancel"
	case errors.Is(e.Err, ErrTransferRejected):
		return "abort the transfer"
	case errors.Is(e.Err, ErrNetwork):
		return fmt.Sprintf("check the connection, then retry %s or abort the transfer", e.Op)
	default:
		return fmt.Sprintf("retry %s or abort the transfer", e.Op)
	}
}

// Transfer is the local state of one warm transfer.
type Transfer struct {
	ID            string
	CallID        string
	SourceAgentID string
	TargetAgentID string
	Reason        string
	Notes         string
	CreatedAt     time.Time
	Stage         Stage

	Summary         string
	SummaryFallback bool

	BriefingRoom  string
	BriefingToken string
	OriginalRoom  string
	TargetToken   string
	FinalRoom     string
}

// InitiateOpts holds the inputs picked in the transfer panel.
type InitiateOpts struct {
	CallID        string
	SourceAgentID string
	TargetAgentID string
	Reason        string
	Notes         string
}

type entry struct {
	t    Transfer
	busy bool
}

// Orchestrator tracks the transfers started from one agent console. It is
// safe for concurrent use.
type Orchestrator struct {
	backend Backend
	agents  Directory

	mu     sync.Mutex
	byCall map[string]*entry // active (non-terminal) transfers, including pending initiates
	byID   map[string]*entry
}

// New returns an Orchestrator over backend. agents may be nil.
func New(backend Backend, agents Directory) *Orchestrator {
	return &Orchestrator{
		backend: backend,
		agents:  agents,
		byCall:  make(map[string]*entry),
		byID:    make(map[string]*entry),
	}
}

// Initiate asks the backend to start a transfer. On success the transfer is
// at StageInitiated and carries the source agent's briefing token and the
// handoff summary.
func (o *Orchestrator) Initiate(ctx context.Context, opts InitiateOpts) (*Transfer, error) {
	const op = "initiate"
	switch {
	case opts.CallID == "" || opts.SourceAgentID == "" || opts.TargetAgentID == "":
		return nil, &StepError{Op: op, Stage: StageSelecting,
			Err: fmt.Errorf("%w: call, source agent and target agent are required", ErrTransferRejected)}
	case opts.SourceAgentID == opts.TargetAgentID:
		return nil, &StepError{Op: op, Stage: StageSelecting,
			Err: fmt.Errorf("%w: cannot transfer a call to the same agent", ErrTransferRejected)}
	}

	o.mu.Lock()
	if cur, ok := o.byCall[opts.CallID]; ok {
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: cur.t.Stage,
			Err: fmt.Errorf("%w: call %s", ErrTransferInProgress, opts.CallID)}
	}
	e := &entry{busy: true, t: Transfer{
		CallID:        opts.CallID,
		SourceAgentID: opts.SourceAgentID,
		TargetAgentID: opts.TargetAgentID,
		Reason:        opts.Reason,
		Notes:         opts.Notes,
		Stage:         StageSelecting,
	}}
	o.byCall[opts.CallID] = e
	o.mu.Unlock()

	resp, err := o.backend.Initiate(ctx, api.InitiateRequest{
		CallID:        opts.CallID,
		SourceAgentID: opts.SourceAgentID,
		TargetAgentID: opts.TargetAgentID,
		Reason:        opts.Reason,
		TransferNotes: opts.Notes,
	})
	if err == nil && resp.TransferID == "" {
		err = fmt.Errorf("%w: backend returned no transfer id", ErrTransferRejected)
	}

	o.mu.Lock()
	if err != nil {
		delete(o.byCall, opts.CallID)
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: StageSelecting, Err: err}
	}
	e.t.ID = resp.TransferID
	e.t.CreatedAt = time.Now()
	e.t.Stage = StageInitiated
	e.t.BriefingRoom = resp.Data.TransferRoomName
	e.t.BriefingToken = resp.Data.SourceAgentToken
	e.t.OriginalRoom = resp.Data.OriginalRoom
	e.t.Summary = resp.Data.CallSummary.Summary
	e.t.SummaryFallback = resp.Data.CallSummary.Fallback
	if strings.TrimSpace(e.t.Summary) == "" {
		e.t.Summary = FallbackSummary
		e.t.SummaryFallback = true
	}
	e.busy = false
	o.byID[e.t.ID] = e
	t := e.t
	o.mu.Unlock()

	o.refresh(ctx)
	return &t, nil
}

// JoinBriefing fetches a fresh briefing-room token for the source agent and
// moves the transfer from initiated to briefing.
func (o *Orchestrator) JoinBriefing(ctx context.Context, id string) (*Transfer, error) {
	return o.step(ctx, "join briefing", id, StageInitiated, func(req api.StageRequest) (func(*Transfer), error) {
		resp, err := o.backend.JoinBriefing(ctx, req)
		if err != nil {
			return nil, err
		}
		return func(t *Transfer) {
			t.BriefingRoom = resp.Data.TransferRoomName
			t.BriefingToken = resp.Data.SourceAgentToken
		}, nil
	})
}

// CompleteBriefing records that both agents have exchanged context. The
// backend answers with the token admitting the target agent to the
// original room, and the transfer moves to transferring. Completion is the
// source agent's own attestation; the target's presence is not required.
func (o *Orchestrator) CompleteBriefing(ctx context.Context, id string) (*Transfer, error) {
	return o.step(ctx, "complete briefing", id, StageBriefing, func(req api.StageRequest) (func(*Transfer), error) {
		resp, err := o.backend.CompleteBriefing(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Data.TargetAgentToken == "" {
			return nil, fmt.Errorf("%w: backend returned no target agent token", ErrTransferRejected)
		}
		return func(t *Transfer) {
			t.TargetToken = resp.Data.TargetAgentToken
			if resp.Data.OriginalRoomName != "" {
				t.OriginalRoom = resp.Data.OriginalRoomName
			}
		}, nil
	})
}

// Finalize hands the original room to the target agent. The backend tears
// down the source agent's session on the call.
func (o *Orchestrator) Finalize(ctx context.Context, id string) (*Transfer, error) {
	return o.step(ctx, "finalize", id, StageTransferring, func(req api.StageRequest) (func(*Transfer), error) {
		resp, err := o.backend.Finalize(ctx, req)
		if err != nil {
			return nil, err
		}
		return func(t *Transfer) { t.FinalRoom = resp.FinalRoom }, nil
	})
}

// step runs one stage transition from want to ValidTransitions[want].
func (o *Orchestrator) step(ctx context.Context, op, id string, want Stage,
	call func(api.StageRequest) (func(*Transfer), error)) (*Transfer, error) {

	e, err := o.begin(op, id, want)
	if err != nil {
		return nil, err
	}
	apply, err := call(api.StageRequest{TransferID: id, Stage: string(want)})

	o.mu.Lock()
	e.busy = false
	if err != nil {
		stage := e.t.Stage
		o.mu.Unlock()
		log.Printf("orchestrator: %s %s: %v", op, id, err)
		return nil, &StepError{Op: op, Stage: stage, Err: err}
	}
	apply(&e.t)
	e.t.Stage = ValidTransitions[want]
	if e.t.Stage == StageCompleted {
		delete(o.byCall, e.t.CallID)
	}
	t := e.t
	o.mu.Unlock()

	o.refresh(ctx)
	return &t, nil
}

// begin checks the guards for a step and marks the transfer busy.
func (o *Orchestrator) begin(op, id string, want Stage) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return nil, &StepError{Op: op, Stage: StageAborted,
			Err: fmt.Errorf("%w: transfer %s is not active", ErrStaleStage, id)}
	}
	if e.busy {
		return nil, &StepError{Op: op, Stage: e.t.Stage,
			Err: fmt.Errorf("%w: transfer %s has a request in flight", ErrTransferInProgress, id)}
	}
	if e.t.Stage != want {
		return nil, &StepError{Op: op, Stage: e.t.Stage,
			Err: fmt.Errorf("%w: %s needs stage %s", ErrStaleStage, op, want)}
	}
	e.busy = true
	return e, nil
}

// Abort cancels a transfer that has not completed. The backend is told so
// it can revoke issued tokens and close the briefing room, then the
// transfer is forgotten locally. A transfer the backend already considers
// finished is forgotten as well.
func (o *Orchestrator) Abort(ctx context.Context, id, reason string) (*Transfer, error) {
	const op = "abort"
	o.mu.Lock()
	e, ok := o.byID[id]
	switch {
	case !ok:
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: StageAborted,
			Err: fmt.Errorf("%w: transfer %s is not active", ErrStaleStage, id)}
	case e.t.Stage == StageCompleted:
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: StageCompleted,
			Err: fmt.Errorf("%w: transfer %s already completed", ErrStaleStage, id)}
	case e.busy:
		stage := e.t.Stage
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: stage,
			Err: fmt.Errorf("%w: transfer %s has a request in flight", ErrTransferInProgress, id)}
	}
	e.busy = true
	o.mu.Unlock()

	_, err := o.backend.Abort(ctx, api.AbortRequest{TransferID: id, Reason: reason})

	o.mu.Lock()
	e.busy = false
	if err != nil && !errors.Is(err, ErrStaleStage) {
		stage := e.t.Stage
		o.mu.Unlock()
		return nil, &StepError{Op: op, Stage: stage, Err: err}
	}
	if err != nil {
		log.Printf("orchestrator: abort %s: backend already finished it: %v", id, err)
	}
	o.forget(e)
	t := e.t
	t.Stage = StageAborted
	o.mu.Unlock()

	o.refresh(ctx)
	return &t, nil
}

// Close is called when the transfer panel closes. A completed transfer is
// forgotten; any other transfer is aborted.
func (o *Orchestrator) Close(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.byID[id]
	if ok && e.t.Stage == StageCompleted {
		o.forget(e)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := o.Abort(ctx, id, "transfer panel closed")
	return err
}

// forget drops e from both indexes. Caller holds o.mu.
func (o *Orchestrator) forget(e *entry) {
	delete(o.byID, e.t.ID)
	if cur, ok := o.byCall[e.t.CallID]; ok && cur == e {
		delete(o.byCall, e.t.CallID)
	}
}

// State returns a copy of the transfer with the given id.
func (o *Orchestrator) State(id string) (Transfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return Transfer{}, false
	}
	return e.t, true
}

// ActiveForCall returns the transfer currently running on callID. A
// pending initiate is reported at StageSelecting with no ID.
func (o *Orchestrator) ActiveForCall(callID string) (Transfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byCall[callID]
	if !ok {
		return Transfer{}, false
	}
	return e.t, true
}

func (o *Orchestrator) refresh(ctx context.Context) {
	if o.agents == nil {
		return
	}
	if err := o.agents.Refresh(ctx); err != nil {
		log.Printf("orchestrator: refresh agents: %v", err)
	}
}
