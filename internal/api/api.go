// Package api holds the JSON request and response bodies shared by the
// HTTP server and its Go client.
package api

import "time"

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound           = "not_found"
	CodeRejected           = "rejected"
	CodeTransferInProgress = "transfer_in_progress"
	CodeStaleStage         = "stale_stage"
	CodeNoAgents           = "no_agents"
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeInternal           = "internal"
)

// ErrorResponse is the body of every non-2xx response. Detail is meant
// for the operator verbatim.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// InitiateRequest starts a warm transfer.
type InitiateRequest struct {
	CallID        string `json:"call_id"`
	SourceAgentID string `json:"source_agent_id"`
	TargetAgentID string `json:"target_agent_id"`
	Reason        string `json:"reason"`
	TransferNotes string `json:"transfer_notes"`
}

// CallSummary is the handoff synopsis.
type CallSummary struct {
	Summary  string `json:"summary"`
	Provider string `json:"provider"`
	Fallback bool   `json:"fallback"`
}

// InitiateData is the payload of InitiateResponse.
type InitiateData struct {
	TransferRoomName string      `json:"transfer_room_name"`
	SourceAgentToken string      `json:"source_agent_token"`
	TargetAgentToken string      `json:"target_agent_token"`
	CallSummary      CallSummary `json:"call_summary"`
	OriginalRoom     string      `json:"original_room"`
}

// InitiateResponse is returned by POST /warm-transfer/initiate.
type InitiateResponse struct {
	TransferID string       `json:"transfer_id"`
	Status     string       `json:"status"`
	Message    string       `json:"message"`
	Data       InitiateData `json:"data"`
}

// StageRequest advances a transfer. Stage is the stage the client believes
// the transfer is in; when set, a mismatch is rejected as stale.
type StageRequest struct {
	TransferID string `json:"transfer_id"`
	Stage      string `json:"stage,omitempty"`
}

// JoinBriefingData is the payload of JoinBriefingResponse.
type JoinBriefingData struct {
	TransferRoomName string `json:"transfer_room_name"`
	SourceAgentToken string `json:"source_agent_token"`
}

// JoinBriefingResponse is returned by POST /warm-transfer/join-briefing.
type JoinBriefingResponse struct {
	TransferID string           `json:"transfer_id"`
	Status     string           `json:"status"`
	Message    string           `json:"message"`
	Data       JoinBriefingData `json:"data"`
}

// CompleteBriefingData is the payload of CompleteBriefingResponse.
type CompleteBriefingData struct {
	TargetAgentToken string `json:"target_agent_token"`
	OriginalRoomName string `json:"original_room_name"`
	TargetInBriefing bool   `json:"target_in_briefing"`
}

// CompleteBriefingResponse is returned by POST /warm-transfer/complete-briefing.
type CompleteBriefingResponse struct {
	TransferID string               `json:"transfer_id"`
	Status     string               `json:"status"`
	Message    string               `json:"message"`
	Data       CompleteBriefingData `json:"data"`
}

// FinalizeResponse is returned by POST /warm-transfer/finalize.
type FinalizeResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FinalRoom  string `json:"final_room"`
	NewAgentID string `json:"new_agent_id"`
}

// AbortRequest cancels a transfer.
type AbortRequest struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// AbortResponse is returned by POST /warm-transfer/abort.
type AbortResponse struct {
	TransferID    string `json:"transfer_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	RevokedTokens int64  `json:"revoked_tokens"`
}

// AgentRef is a short agent reference.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TransferStatus is returned by GET /warm-transfer/:id/status.
type TransferStatus struct {
	TransferID       string     `json:"transfer_id"`
	Status           string     `json:"status"`
	CallID           string     `json:"call_id"`
	OriginalRoom     string     `json:"original_room"`
	TransferRoomName string     `json:"transfer_room_name"`
	SourceAgent      AgentRef   `json:"source_agent"`
	TargetAgent      AgentRef   `json:"target_agent"`
	Reason           string     `json:"reason"`
	Notes            string     `json:"notes"`
	Summary          string     `json:"summary"`
	AbortReason      string     `json:"abort_reason,omitempty"`
	BriefingPresent  []string   `json:"briefing_participants"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	AbortedAt        *time.Time `json:"aborted_at,omitempty"`
}

// CallSummaryResponse is returned by GET /calls/:id/summary.
type CallSummaryResponse struct {
	CallID     string           `json:"call_id"`
	Status     string           `json:"status"`
	AgentID    string           `json:"agent_id"`
	Summary    string           `json:"summary"`
	HasSummary bool             `json:"has_summary"`
	Transfers  []TransferStatus `json:"transfers"`
}

// StartCallRequest starts a call.
type StartCallRequest struct {
	CallerName  string `json:"caller_name"`
	CallerPhone string `json:"caller_phone"`
	Priority    string `json:"priority"`
	AgentID     string `json:"agent_id"`
}

// StartCallResponse is returned by POST /calls/start.
type StartCallResponse struct {
	CallID         string `json:"call_id"`
	RoomName       string `json:"room_name"`
	AgentToken     string `json:"agent_token"`
	CallerToken    string `json:"caller_token"`
	CallerIdentity string `json:"caller_identity"`
	AgentIdentity  string `json:"agent_identity"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
}

// JoinRoomRequest admits a participant to a call room.
type JoinRoomRequest struct {
	RoomName        string `json:"room_name"`
	ParticipantName string `json:"participant_name"`
	ParticipantType string `json:"participant_type"`
	AgentID         string `json:"agent_id"`
}

// JoinRoomResponse is returned by POST /calls/join-room.
type JoinRoomResponse struct {
	Token               string `json:"token"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	Role                string `json:"role"`
}

// TranscriptRequest appends to a call's live transcript.
type TranscriptRequest struct {
	Text string `json:"text"`
}

// CreateAgentRequest registers an agent.
type CreateAgentRequest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Status             string   `json:"status"`
	MaxConcurrentCalls int      `json:"max_concurrent_calls"`
	Skills             []string `json:"skills"`
}

// AgentStatusRequest changes an agent's status.
type AgentStatusRequest struct {
	Status string `json:"status"`
}

// Agent is the public view of an agent.
type Agent struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email,omitempty"`
	Status              string    `json:"status"`
	Available           bool      `json:"available"`
	CurrentCalls        int       `json:"current_calls"`
	MaxConcurrentCalls  int       `json:"max_concurrent_calls"`
	Skills              []string  `json:"skills"`
	TotalCallsHandled   int       `json:"total_calls_handled"`
	SuccessfulTransfers int       `json:"successful_transfers"`
	LastActive          time.Time `json:"last_active"`
}

// AgentPerformance is returned by GET /agents/:id/performance.
type AgentPerformance struct {
	AgentID             string  `json:"agent_id"`
	Name                string  `json:"name"`
	Status              string  `json:"status"`
	CurrentCalls        int     `json:"current_calls"`
	TotalCallsHandled   int     `json:"total_calls_handled"`
	SuccessfulTransfers int     `json:"successful_transfers"`
	TransfersReceived   int64   `json:"transfers_received"`
	TransfersAborted    int64   `json:"transfers_aborted"`
	TransferSuccessRate float64 `json:"transfer_success_rate"`
	CallsEnded          int64   `json:"calls_ended"`
	AvgCallSeconds      float64 `json:"avg_call_seconds"`
}

// Participant is one identity in a media room.
type Participant struct {
	Identity     string    `json:"identity"`
	Name         string    `json:"name,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
}

// Call is the public view of a call.
type Call struct {
	CallID          string        `json:"call_id"`
	RoomName        string        `json:"room_name"`
	CallerName      string        `json:"caller_name"`
	CallerPhone     string        `json:"caller_phone,omitempty"`
	Priority        string        `json:"priority"`
	AgentID         string        `json:"agent_id"`
	AgentName       string        `json:"agent_name,omitempty"`
	Status          string        `json:"status"`
	TransferredFrom string        `json:"transferred_from,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	Participants    []Participant `json:"participants,omitempty"`
}

// EndCallResponse is returned by POST /calls/:id/end.
type EndCallResponse struct {
	CallID           string `json:"call_id"`
	Status           string `json:"status"`
	DurationSeconds  int    `json:"duration_seconds"`
	AbortedTransfers int    `json:"aborted_transfers"`
}

// Health is returned by GET /health.
type Health struct {
	Status  string    `json:"status"`
	Media   string    `json:"media"`
	Summary string    `json:"summary"`
	Time    time.Time `json:"time"`
}
