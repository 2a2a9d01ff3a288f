package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/call"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/summary"
	"github.com/zulandar/switchboard/internal/token"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	calls    *call.Service
	issuer   *token.Issuer
	rooms    *media.Local
	presence *media.Presence
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Agent{}, &models.Call{}, &models.Transfer{}, &models.IssuedToken{}, &models.TransferEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	issuer, err := token.NewIssuer(db, "key", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	presence := media.NewPresence()
	rooms := media.NewLocal(presence)
	rec := events.NewRecorder(db)
	dir := agent.Store{DB: db}
	return &fixture{
		db:       db,
		issuer:   issuer,
		rooms:    rooms,
		presence: presence,
		calls:    &call.Service{DB: db, Agents: dir, Tokens: issuer, Rooms: rooms, Events: rec},
		svc:      &Service{DB: db, Agents: dir, Tokens: issuer, Rooms: rooms, Events: rec},
	}
}

func (f *fixture) agent(t *testing.T, id, status string) {
	t.Helper()
	if _, err := agent.Create(f.db, agent.CreateOpts{ID: id, Name: "Agent " + id, Status: status}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
}

// startCall creates agent_001 (owner) and agent_002 (target) and starts a
// call owned by agent_001.
func (f *fixture) startCall(t *testing.T) *call.StartResult {
	t.Helper()
	f.agent(t, "agent_001", "available")
	f.agent(t, "agent_002", "available")
	res, err := f.calls.Start(context.Background(), call.StartOpts{CallerName: "Dana", AgentID: "agent_001"})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	return res
}

func (f *fixture) initiate(t *testing.T, callID string) *InitiateResult {
	t.Helper()
	res, err := f.svc.Initiate(context.Background(), InitiateOpts{
		CallID: callID, SourceAgentID: "agent_001", TargetAgentID: "agent_002", Reason: "billing dispute",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return res
}

func (f *fixture) callStatus(t *testing.T, id string) *models.Call {
	t.Helper()
	c, err := call.Get(f.db, id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return c
}

func (f *fixture) eventKinds(t *testing.T, transferID string) []string {
	t.Helper()
	evs, err := events.List(f.db, events.ListOpts{TransferID: transferID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type stubGenerator struct {
	text   string
	err    error
	prompt string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.text, g.err
}

func (g *stubGenerator) Name() string { return "stub" }

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StageInitiated, StageBriefing, true},
		{StageBriefing, StageTransferring, true},
		{StageTransferring, StageCompleted, true},
		{StageInitiated, StageAborted, true},
		{StageBriefing, StageAborted, true},
		{StageTransferring, StageAborted, true},
		{StageInitiated, StageTransferring, false},
		{StageInitiated, StageCompleted, false},
		{StageBriefing, StageCompleted, false},
		{StageCompleted, StageAborted, false},
		{StageAborted, StageAborted, false},
		{StageAborted, StageBriefing, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInitiate_ClaimsCallAndIssuesBriefingTokens(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()

	res := f.initiate(t, c.CallID)

	tr := res.Transfer
	if tr.Stage != StageInitiated {
		t.Errorf("Stage = %q, want initiated", tr.Stage)
	}
	if tr.BriefingRoom != "transfer_"+tr.ID {
		t.Errorf("BriefingRoom = %q", tr.BriefingRoom)
	}
	if tr.OriginalRoom != c.RoomName {
		t.Errorf("OriginalRoom = %q, want %q", tr.OriginalRoom, c.RoomName)
	}
	if got := f.callStatus(t, c.CallID).Status; got != call.StatusTransferring {
		t.Errorf("call status = %q, want transferring", got)
	}
	if !f.rooms.HasRoom(tr.BriefingRoom) {
		t.Error("briefing room was not created")
	}

	claims, err := f.issuer.Verify(ctx, res.SourceToken, tr.BriefingRoom)
	if err != nil {
		t.Fatalf("verify source token: %v", err)
	}
	md, _ := claims.ParseMetadata()
	if md.Role != token.RoleSourceAgent || md.TransferID != tr.ID {
		t.Errorf("source metadata = %+v", md)
	}
	claims, err = f.issuer.Verify(ctx, res.TargetToken, tr.BriefingRoom)
	if err != nil {
		t.Fatalf("verify target token: %v", err)
	}
	if claims.Subject != "agent_002" {
		t.Errorf("target identity = %q, want agent_002", claims.Subject)
	}

	if !res.Summary.Fallback || res.Summary.Text != summary.FallbackSummary {
		t.Errorf("Summary = %+v, want fallback", res.Summary)
	}
	kinds := f.eventKinds(t, tr.ID)
	if len(kinds) != 2 || kinds[0] != events.TransferInitiated || kinds[1] != events.SummaryFellBack {
		t.Errorf("events = %v", kinds)
	}
}

func TestInitiate_SeedsSummaryWithTranscript(t *testing.T) {
	f := setup(t)
	gen := &stubGenerator{text: "The caller specifically reported that the invoice is wrong."}
	f.svc.Summaries = summary.WithFallback(gen)
	c := f.startCall(t)
	ctx := context.Background()
	if err := f.calls.AppendTranscript(ctx, c.CallID, "Caller: I was charged twice."); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	res := f.initiate(t, c.CallID)

	if res.Summary.Fallback || res.Summary.Provider != "stub" {
		t.Errorf("Summary = %+v", res.Summary)
	}
	if !strings.Contains(gen.prompt, "I was charged twice") {
		t.Errorf("prompt missing transcript:\n%s", gen.prompt)
	}
	if !strings.Contains(gen.prompt, "billing dispute") {
		t.Errorf("prompt missing reason:\n%s", gen.prompt)
	}
	got, _ := f.svc.Get(ctx, res.Transfer.ID)
	if got.Summary != gen.text || got.SummaryProvider != "stub" {
		t.Errorf("stored summary = %q (%s)", got.Summary, got.SummaryProvider)
	}
	if f.callStatus(t, c.CallID).Summary != gen.text {
		t.Error("call summary not stored")
	}
}

func TestInitiate_GeneratorFailureFallsBack(t *testing.T) {
	f := setup(t)
	f.svc.Summaries = summary.WithFallback(&stubGenerator{err: summary.ErrUnavailable})
	c := f.startCall(t)

	res := f.initiate(t, c.CallID)

	if !res.Summary.Fallback || res.Summary.Text != summary.FallbackSummary {
		t.Errorf("Summary = %+v, want fallback", res.Summary)
	}
	if res.Transfer.Stage != StageInitiated {
		t.Errorf("Stage = %q, want initiated", res.Transfer.Stage)
	}
}

func TestInitiate_SecondTransferForCallIsInProgress(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	f.agent(t, "agent_003", "available")
	f.initiate(t, c.CallID)

	_, err := f.svc.Initiate(context.Background(), InitiateOpts{
		CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: "agent_003",
	})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("err = %v, want ErrInProgress", err)
	}
}

func TestInitiate_ConcurrentRequestsClaimOnce(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	f.agent(t, "agent_003", "available")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, target := range []string{"agent_002", "agent_003"} {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			_, errs[i] = f.svc.Initiate(context.Background(), InitiateOpts{
				CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: target,
			})
		}(i, target)
	}
	wg.Wait()

	ok, inProgress := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInProgress):
			inProgress++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || inProgress != 1 {
		t.Errorf("ok=%d inProgress=%d, want 1 and 1", ok, inProgress)
	}
}

func TestInitiate_Rejections(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	f.agent(t, "agent_busy", "busy")
	ctx := context.Background()

	tests := []struct {
		name string
		opts InitiateOpts
		want error
	}{
		{"missing fields", InitiateOpts{CallID: c.CallID}, ErrInvalid},
		{"unknown call", InitiateOpts{CallID: "call_nope", SourceAgentID: "agent_001", TargetAgentID: "agent_002"}, ErrNotFound},
		{"same agent", InitiateOpts{CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: "agent_001"}, ErrRejected},
		{"not owner", InitiateOpts{CallID: c.CallID, SourceAgentID: "agent_002", TargetAgentID: "agent_busy"}, ErrRejected},
		{"target missing", InitiateOpts{CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: "agent_404"}, ErrRejected},
		{"target busy", InitiateOpts{CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: "agent_busy"}, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(ctx, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := f.callStatus(t, c.CallID).Status; got != call.StatusActive {
		t.Errorf("call status = %q after rejections, want active", got)
	}
}

func TestInitiate_EndedCallRejected(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	if _, err := f.calls.End(context.Background(), c.CallID); err != nil {
		t.Fatalf("End: %v", err)
	}

	_, err := f.svc.Initiate(context.Background(), InitiateOpts{
		CallID: c.CallID, SourceAgentID: "agent_001", TargetAgentID: "agent_002",
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestWarmTransfer_HappyPath(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	f.presence.Apply(media.Event{Kind: media.ParticipantJoined, Room: c.RoomName, Identity: "agent_001"})

	started := f.initiate(t, c.CallID)
	id := started.Transfer.ID

	brief, err := f.svc.JoinBriefing(ctx, id, StageInitiated)
	if err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	if brief.Transfer.Stage != StageBriefing || brief.Transfer.BriefingAt == nil {
		t.Errorf("after JoinBriefing: stage=%q briefing_at=%v", brief.Transfer.Stage, brief.Transfer.BriefingAt)
	}
	if _, err := f.issuer.Verify(ctx, brief.SourceToken, started.Transfer.BriefingRoom); err != nil {
		t.Errorf("verify fresh source token: %v", err)
	}

	f.presence.Apply(media.Event{Kind: media.ParticipantJoined, Room: started.Transfer.BriefingRoom, Identity: "agent_002"})
	handoff, err := f.svc.CompleteBriefing(ctx, id, StageBriefing)
	if err != nil {
		t.Fatalf("CompleteBriefing: %v", err)
	}
	if handoff.Transfer.Stage != StageTransferring {
		t.Errorf("Stage = %q, want transferring", handoff.Transfer.Stage)
	}
	if !handoff.TargetInBriefing {
		t.Error("TargetInBriefing = false, want true")
	}
	claims, err := f.issuer.Verify(ctx, handoff.TargetToken, c.RoomName)
	if err != nil {
		t.Fatalf("verify target room token: %v", err)
	}
	md, _ := claims.ParseMetadata()
	if md.Role != token.RoleTargetAgent {
		t.Errorf("target role = %q, want target_agent", md.Role)
	}

	done, err := f.svc.Finalize(ctx, id, StageTransferring)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if done.Stage != StageCompleted || done.CompletedAt == nil {
		t.Errorf("after Finalize: stage=%q completed_at=%v", done.Stage, done.CompletedAt)
	}

	got := f.callStatus(t, c.CallID)
	if got.AgentID != "agent_002" || got.Status != call.StatusActive || got.TransferredFrom != "agent_001" {
		t.Errorf("call = agent %s status %s from %s", got.AgentID, got.Status, got.TransferredFrom)
	}
	src, _ := agent.Get(f.db, "agent_001")
	dst, _ := agent.Get(f.db, "agent_002")
	if src.CurrentCalls != 0 || src.SuccessfulTransfers != 1 {
		t.Errorf("source calls=%d transfers=%d, want 0 and 1", src.CurrentCalls, src.SuccessfulTransfers)
	}
	if dst.CurrentCalls != 1 {
		t.Errorf("target calls = %d, want 1", dst.CurrentCalls)
	}

	if _, err := f.issuer.Verify(ctx, c.AgentToken, c.RoomName); !errors.Is(err, token.ErrRevoked) {
		t.Errorf("source original token err = %v, want ErrRevoked", err)
	}
	if _, err := f.issuer.Verify(ctx, handoff.TargetToken, c.RoomName); err != nil {
		t.Errorf("target token should stay valid: %v", err)
	}
	if _, err := f.issuer.Verify(ctx, started.TargetToken, started.Transfer.BriefingRoom); !errors.Is(err, token.ErrRevoked) {
		t.Errorf("briefing token err = %v, want ErrRevoked", err)
	}
	if _, ok := f.presence.Participant(c.RoomName, "agent_001"); ok {
		t.Error("source agent still in original room")
	}
	if f.rooms.HasRoom(started.Transfer.BriefingRoom) {
		t.Error("briefing room not deleted")
	}

	want := []string{events.TransferInitiated, events.SummaryFellBack, events.BriefingStarted, events.BriefingCompleted, events.TransferCompleted}
	if kinds := f.eventKinds(t, id); strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestStageGuards(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID

	if _, err := f.svc.CompleteBriefing(ctx, id, ""); !errors.Is(err, ErrStaleStage) {
		t.Errorf("CompleteBriefing from initiated: err = %v, want ErrStaleStage", err)
	}
	if _, err := f.svc.Finalize(ctx, id, ""); !errors.Is(err, ErrStaleStage) {
		t.Errorf("Finalize from initiated: err = %v, want ErrStaleStage", err)
	}
	if _, err := f.svc.JoinBriefing(ctx, id, StageBriefing); !errors.Is(err, ErrStaleStage) {
		t.Errorf("JoinBriefing with wrong expected stage: err = %v, want ErrStaleStage", err)
	}

	tr, _ := f.svc.Get(ctx, id)
	if tr.Stage != StageInitiated {
		t.Errorf("Stage = %q after rejected steps, want initiated", tr.Stage)
	}

	if _, err := f.svc.JoinBriefing(ctx, id, ""); err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	if _, err := f.svc.JoinBriefing(ctx, id, ""); !errors.Is(err, ErrStaleStage) {
		t.Errorf("second JoinBriefing: err = %v, want ErrStaleStage", err)
	}
	if _, err := f.svc.JoinBriefing(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown transfer: err = %v, want ErrNotFound", err)
	}
}

// flakyTokens fails the next `fails` issues and then delegates.
type flakyTokens struct {
	call.Tokens
	fails int
}

func (f *flakyTokens) Issue(ctx context.Context, g token.Grant) (token.Token, error) {
	if f.fails > 0 {
		f.fails--
		return token.Token{}, errors.New("signer unavailable")
	}
	return f.Tokens.Issue(ctx, g)
}

func TestJoinBriefing_TokenFailureCanBeRetried(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID
	f.svc.Tokens = &flakyTokens{Tokens: f.issuer, fails: 1}

	if _, err := f.svc.JoinBriefing(ctx, id, StageInitiated); err == nil {
		t.Fatal("JoinBriefing succeeded with a failing issuer")
	}
	tr, _ := f.svc.Get(ctx, id)
	if tr.Stage != StageInitiated || tr.BriefingAt != nil {
		t.Fatalf("after failure: stage = %q, briefing_at = %v", tr.Stage, tr.BriefingAt)
	}

	res, err := f.svc.JoinBriefing(ctx, id, StageInitiated)
	if err != nil {
		t.Fatalf("retry JoinBriefing: %v", err)
	}
	if res.Transfer.Stage != StageBriefing {
		t.Errorf("Stage = %q, want briefing", res.Transfer.Stage)
	}
	if _, err := f.issuer.Verify(ctx, res.SourceToken, res.Transfer.BriefingRoom); err != nil {
		t.Errorf("verify source token: %v", err)
	}
}

func TestCompleteBriefing_TokenFailureCanBeRetried(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID
	if _, err := f.svc.JoinBriefing(ctx, id, ""); err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	f.svc.Tokens = &flakyTokens{Tokens: f.issuer, fails: 1}

	if _, err := f.svc.CompleteBriefing(ctx, id, StageBriefing); err == nil {
		t.Fatal("CompleteBriefing succeeded with a failing issuer")
	}
	tr, _ := f.svc.Get(ctx, id)
	if tr.Stage != StageBriefing || tr.BriefingCompletedAt != nil {
		t.Fatalf("after failure: stage = %q, briefing_completed_at = %v", tr.Stage, tr.BriefingCompletedAt)
	}

	res, err := f.svc.CompleteBriefing(ctx, id, StageBriefing)
	if err != nil {
		t.Fatalf("retry CompleteBriefing: %v", err)
	}
	claims, err := f.issuer.Verify(ctx, res.TargetToken, c.RoomName)
	if err != nil {
		t.Fatalf("verify target token: %v", err)
	}
	if claims.Subject != "agent_002" {
		t.Errorf("target identity = %q", claims.Subject)
	}
}

func TestFinalize_SourceAgentCannotRejoin(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID
	if _, err := f.svc.JoinBriefing(ctx, id, ""); err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	if _, err := f.svc.CompleteBriefing(ctx, id, ""); err != nil {
		t.Fatalf("CompleteBriefing: %v", err)
	}

	// The target may join the caller's room once the briefing is done.
	if _, err := f.calls.JoinRoom(ctx, call.JoinOpts{RoomName: c.RoomName, ParticipantType: "agent", AgentID: "agent_002"}); err != nil {
		t.Fatalf("target JoinRoom while transferring: %v", err)
	}
	if _, err := f.svc.Finalize(ctx, id, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	_, err := f.calls.JoinRoom(ctx, call.JoinOpts{RoomName: c.RoomName, ParticipantType: "agent", AgentID: "agent_001"})
	if !errors.Is(err, call.ErrRejected) {
		t.Errorf("source JoinRoom after finalize: err = %v, want call.ErrRejected", err)
	}
	if _, err := f.calls.JoinRoom(ctx, call.JoinOpts{RoomName: c.RoomName, ParticipantType: "agent", AgentID: "agent_002"}); err != nil {
		t.Errorf("new owner JoinRoom: %v", err)
	}
}

func TestCallLock_IsStablePerCall(t *testing.T) {
	svc := &Service{}
	if svc.callLock("call_a") != svc.callLock("call_a") {
		t.Error("same call mapped to different locks")
	}
	seen := map[*sync.Mutex]bool{}
	for i := 0; i < 1000; i++ {
		seen[svc.callLock(fmt.Sprintf("call_%08x", i))] = true
	}
	if len(seen) > lockShards {
		t.Errorf("%d distinct locks, want at most %d", len(seen), lockShards)
	}
}

func TestAbort_ReleasesCallAndRevokesTokens(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	started := f.initiate(t, c.CallID)
	id := started.Transfer.ID
	if _, err := f.svc.JoinBriefing(ctx, id, ""); err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	handoff, err := f.svc.CompleteBriefing(ctx, id, "")
	if err != nil {
		t.Fatalf("CompleteBriefing: %v", err)
	}

	res, err := f.svc.Abort(ctx, id, "")
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if res.Transfer.Stage != StageAborted || res.Transfer.AbortReason != DefaultAbortReason {
		t.Errorf("stage=%q reason=%q", res.Transfer.Stage, res.Transfer.AbortReason)
	}
	// two briefing tokens, the fresh source token, and the target's room token
	if res.RevokedTokens != 4 {
		t.Errorf("RevokedTokens = %d, want 4", res.RevokedTokens)
	}

	got := f.callStatus(t, c.CallID)
	if got.Status != call.StatusActive || got.AgentID != "agent_001" {
		t.Errorf("call status=%s agent=%s, want active agent_001", got.Status, got.AgentID)
	}
	if _, err := f.issuer.Verify(ctx, handoff.TargetToken, c.RoomName); !errors.Is(err, token.ErrRevoked) {
		t.Errorf("target room token err = %v, want ErrRevoked", err)
	}
	if _, err := f.issuer.Verify(ctx, c.AgentToken, c.RoomName); err != nil {
		t.Errorf("source keeps the call: %v", err)
	}
	if f.rooms.HasRoom(started.Transfer.BriefingRoom) {
		t.Error("briefing room not deleted")
	}

	if _, err := f.svc.Abort(ctx, id, ""); !errors.Is(err, ErrStaleStage) {
		t.Errorf("second Abort: err = %v, want ErrStaleStage", err)
	}
	if _, err := f.svc.Finalize(ctx, id, ""); !errors.Is(err, ErrStaleStage) {
		t.Errorf("Finalize after abort: err = %v, want ErrStaleStage", err)
	}

	// the call can be transferred again
	f.initiate(t, c.CallID)
}

func TestAbortActiveForCall(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID

	n, err := f.svc.AbortActiveForCall(ctx, c.CallID, "call_ended")
	if err != nil {
		t.Fatalf("AbortActiveForCall: %v", err)
	}
	if n != 1 {
		t.Errorf("aborted %d, want 1", n)
	}
	tr, _ := f.svc.Get(ctx, id)
	if tr.Stage != StageAborted || tr.AbortReason != "call_ended" {
		t.Errorf("stage=%q reason=%q", tr.Stage, tr.AbortReason)
	}

	n, err = f.svc.AbortActiveForCall(ctx, c.CallID, "call_ended")
	if err != nil || n != 0 {
		t.Errorf("second call: n=%d err=%v, want 0 nil", n, err)
	}
}

func TestListActiveAndStale(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	id := f.initiate(t, c.CallID).Transfer.ID

	active, err := f.svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != id {
		t.Fatalf("ListActive = %v", active)
	}
	if active[0].SourceAgent == nil || active[0].SourceAgent.ID != "agent_001" {
		t.Error("SourceAgent not preloaded")
	}

	stale, err := f.svc.ListStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh transfer reported stale: %v", stale)
	}

	old := time.Now().Add(-10 * time.Minute)
	f.db.Model(&models.Transfer{}).Where("id = ?", id).UpdateColumn("updated_at", old)
	stale, err = f.svc.ListStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != id {
		t.Errorf("ListStale = %v, want %s", stale, id)
	}
}

func TestHistoryAndForCall(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()

	first := f.initiate(t, c.CallID).Transfer.ID
	if _, err := f.svc.Abort(ctx, first, "target declined"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	second := f.initiate(t, c.CallID).Transfer.ID

	hist, err := f.svc.History(ctx, HistoryFilters{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != first || hist[0].AbortReason != "target declined" {
		t.Fatalf("History = %+v, want only the aborted transfer", hist)
	}

	if _, err := f.svc.JoinBriefing(ctx, second, ""); err != nil {
		t.Fatalf("JoinBriefing: %v", err)
	}
	if _, err := f.svc.CompleteBriefing(ctx, second, ""); err != nil {
		t.Fatalf("CompleteBriefing: %v", err)
	}
	if _, err := f.svc.Finalize(ctx, second, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	hist, _ = f.svc.History(ctx, HistoryFilters{AgentID: "agent_002"})
	if len(hist) != 2 {
		t.Errorf("History(agent_002) = %d rows, want 2", len(hist))
	}
	hist, _ = f.svc.History(ctx, HistoryFilters{Stage: StageCompleted})
	if len(hist) != 1 || hist[0].ID != second || hist[0].TargetAgent == nil {
		t.Errorf("History(completed) = %+v", hist)
	}
	if _, err := f.svc.History(ctx, HistoryFilters{Stage: StageBriefing}); !errors.Is(err, ErrInvalid) {
		t.Errorf("non-terminal stage filter: err = %v, want ErrInvalid", err)
	}

	ts, err := f.svc.ForCall(ctx, c.CallID)
	if err != nil {
		t.Fatalf("ForCall: %v", err)
	}
	if len(ts) != 2 {
		t.Fatalf("ForCall = %d rows, want 2", len(ts))
	}
}

func TestStatus_ReportsBriefingParticipants(t *testing.T) {
	f := setup(t)
	c := f.startCall(t)
	ctx := context.Background()
	tr := f.initiate(t, c.CallID).Transfer
	f.presence.Apply(media.Event{Kind: media.ParticipantJoined, Room: tr.BriefingRoom, Identity: "agent_001"})

	view, err := f.svc.Status(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(view.BriefingParticipants) != 1 || view.BriefingParticipants[0] != "agent_001" {
		t.Errorf("BriefingParticipants = %v", view.BriefingParticipants)
	}
	if view.Transfer.TargetAgent == nil || view.Transfer.TargetAgent.Name != "Agent agent_002" {
		t.Error("TargetAgent not preloaded")
	}

	if _, err := f.svc.Status(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
