// Package client talks to the switchboard API over HTTP. Client implements
// orchestrator.Backend so an agent console can drive warm transfers
// against a running server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/httpx"
	"github.com/zulandar/switchboard/internal/orchestrator"
)

// APIError is a non-2xx response. Error returns the server's detail
// verbatim; errors.Is reaches the matching orchestrator sentinel.
type APIError struct {
	Status int
	Code   string
	Detail string
	kind   error
}

func (e *APIError) Error() string { return e.Detail }

func (e *APIError) Unwrap() error { return e.kind }

func kindFor(code string) error {
	switch code {
	case api.CodeTransferInProgress:
		return orchestrator.ErrTransferInProgress
	case api.CodeStaleStage:
		return orchestrator.ErrStaleStage
	case api.CodeRejected, api.CodeNotFound, api.CodeNoAgents, api.CodeBadRequest, api.CodeUnauthorized:
		return orchestrator.ErrTransferRejected
	}
	return nil
}

// Client is a switchboard API client. Each method sends exactly one
// request; nothing is retried.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: httpx.NewClient(httpx.WithName("client"), httpx.WithMaxRetries(0), httpx.WithTimeout(timeout)),
	}
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", orchestrator.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", orchestrator.ErrNetwork, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = fmt.Sprintf("%s %s: %s", method, path, resp.Status)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Detail: e.Detail, kind: kindFor(e.Code)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

// staleIfGone reports a missing transfer as a stale stage: the transfer
// is no longer active from the caller's point of view.
func staleIfGone(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == api.CodeNotFound {
		apiErr.kind = orchestrator.ErrStaleStage
	}
	return err
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	var out api.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Initiate implements orchestrator.Backend.
func (c *Client) Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error) {
	var out api.InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/warm-transfer/initiate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinBriefing implements orchestrator.Backend.
func (c *Client) JoinBriefing(ctx context.Context, req api.StageRequest) (*api.JoinBriefingResponse, error) {
	var out api.JoinBriefingResponse
	if err := c.do(ctx, http.MethodPost, "/warm-transfer/join-briefing", req, &out); err != nil {
		return nil, staleIfGone(err)
	}
	return &out, nil
}

// CompleteBriefing implements orchestrator.Backend.
func (c *Client) CompleteBriefing(ctx context.Context, req api.StageRequest) (*api.CompleteBriefingResponse, error) {
	var out api.CompleteBriefingResponse
	if err := c.do(ctx, http.MethodPost, "/warm-transfer/complete-briefing", req, &out); err != nil {
		return nil, staleIfGone(err)
	}
	return &out, nil
}

// Finalize implements orchestrator.Backend.
func (c *Client) Finalize(ctx context.Context, req api.StageRequest) (*api.FinalizeResponse, error) {
	var out api.FinalizeResponse
	if err := c.do(ctx, http.MethodPost, "/warm-transfer/finalize", req, &out); err != nil {
		return nil, staleIfGone(err)
	}
	return &out, nil
}

// Abort implements orchestrator.Backend.
func (c *Client) Abort(ctx context.Context, req api.AbortRequest) (*api.AbortResponse, error) {
	var out api.AbortResponse
	if err := c.do(ctx, http.MethodPost, "/warm-transfer/abort", req, &out); err != nil {
		return nil, staleIfGone(err)
	}
	return &out, nil
}

// TransferStatus returns the server's view of a transfer.
func (c *Client) TransferStatus(ctx context.Context, id string) (*api.TransferStatus, error) {
	var out api.TransferStatus
	if err := c.do(ctx, http.MethodGet, "/warm-transfer/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveTransfers lists transfers that have not finished.
func (c *Client) ActiveTransfers(ctx context.Context) ([]api.TransferStatus, error) {
	var out []api.TransferStatus
	if err := c.do(ctx, http.MethodGet, "/warm-transfer/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransferHistoryOpts filters TransferHistory.
type TransferHistoryOpts struct {
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

// TransferHistory lists completed and aborted transfers, most recent first.
func (c *Client) TransferHistory(ctx context.Context, opts TransferHistoryOpts) ([]api.TransferStatus, error) {
	q := url.Values{}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/transfers/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []api.TransferStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartCall starts a call and assigns an agent.
func (c *Client) StartCall(ctx context.Context, req api.StartCallRequest) (*api.StartCallResponse, error) {
	var out api.StartCallResponse
	if err := c.do(ctx, http.MethodPost, "/calls/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinRoom returns a token admitting a participant to a call room.
func (c *Client) JoinRoom(ctx context.Context, req api.JoinRoomRequest) (*api.JoinRoomResponse, error) {
	var out api.JoinRoomResponse
	if err := c.do(ctx, http.MethodPost, "/calls/join-room", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndCall ends a call, aborting any transfer still running on it.
func (c *Client) EndCall(ctx context.Context, id string) (*api.EndCallResponse, error) {
	var out api.EndCallResponse
	if err := c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(id)+"/end", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallStatus returns one call with its room participants.
func (c *Client) CallStatus(ctx context.Context, id string) (*api.Call, error) {
	var out api.Call
	if err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveCalls lists calls that have not ended.
func (c *Client) ActiveCalls(ctx context.Context) ([]api.Call, error) {
	var out []api.Call
	if err := c.do(ctx, http.MethodGet, "/calls/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryOpts filters CallHistory.
type HistoryOpts struct {
	Limit  int
	Offset int
	Since  time.Time
}

// CallHistory lists ended calls, newest first.
func (c *Client) CallHistory(ctx context.Context, opts HistoryOpts) ([]api.Call, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	path := "/calls/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []api.Call
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallSummary returns a call's handoff summary and its transfers.
func (c *Client) CallSummary(ctx context.Context, id string) (*api.CallSummaryResponse, error) {
	var out api.CallSummaryResponse
	if err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(id)+"/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendTranscript adds text to a call's live transcript.
func (c *Client) AppendTranscript(ctx context.Context, callID, text string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/transcript", api.TranscriptRequest{Text: text}, nil)
}

// ListAgents returns every agent.
func (c *Client) ListAgents(ctx context.Context) ([]api.Agent, error) {
	var out []api.Agent
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableAgents returns agents that can take another call.
func (c *Client) AvailableAgents(ctx context.Context) ([]api.Agent, error) {
	var out []api.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/available", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgent returns one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	var out api.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAgent registers an agent.
func (c *Client) CreateAgent(ctx context.Context, req api.CreateAgentRequest) (*api.Agent, error) {
	var out api.Agent
	if err := c.do(ctx, http.MethodPost, "/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetAgentStatus changes an agent's status.
func (c *Client) SetAgentStatus(ctx context.Context, id, status string) (*api.Agent, error) {
	var out api.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/status", api.AgentStatusRequest{Status: status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentPerformance returns an agent's call and transfer record.
func (c *Client) AgentPerformance(ctx context.Context, id string) (*api.AgentPerformance, error) {
	var out api.AgentPerformance
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/performance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
