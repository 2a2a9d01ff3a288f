package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/transfer"
)

type fakeTransfers struct {
	mu      sync.Mutex
	rows    []models.Transfer
	cutoff  time.Time
	aborted map[string]string
	fail    map[string]error
}

func (f *fakeTransfers) ListStale(_ context.Context, cutoff time.Time) ([]models.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	var out []models.Transfer
	for _, t := range f.rows {
		if t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTransfers) Abort(_ context.Context, id, reason string) (*transfer.AbortResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	if f.aborted == nil {
		f.aborted = make(map[string]string)
	}
	f.aborted[id] = reason
	return &transfer.AbortResult{Transfer: &models.Transfer{ID: id, Stage: transfer.StageAborted}}, nil
}

func (f *fakeTransfers) abortedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborted)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(&fakeTransfers{}, 0, "@every 30s"); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := New(&fakeTransfers{}, time.Minute, "not a schedule"); err == nil {
		t.Error("expected error for bad schedule")
	}
	if _, err := New(&fakeTransfers{}, time.Minute, "*/5 * * * *"); err != nil {
		t.Errorf("5-field schedule: %v", err)
	}
}

func TestSweep_AbortsOnlyStale(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := &fakeTransfers{rows: []models.Transfer{
		{ID: "old", Stage: transfer.StageBriefing, UpdatedAt: now.Add(-10 * time.Minute)},
		{ID: "fresh", Stage: transfer.StageInitiated, UpdatedAt: now.Add(-time.Minute)},
	}}
	s, err := New(f, 5*time.Minute, "@every 30s")
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("aborted = %d, want 1", n)
	}
	if f.aborted["old"] != AbortReason {
		t.Errorf("old abort reason = %q, want %q", f.aborted["old"], AbortReason)
	}
	if _, ok := f.aborted["fresh"]; ok {
		t.Error("fresh transfer should not be aborted")
	}
	if !f.cutoff.Equal(now.Add(-5 * time.Minute)) {
		t.Errorf("cutoff = %v", f.cutoff)
	}
}

func TestSweep_SkipsRacesAndJoinsErrors(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	f := &fakeTransfers{
		rows: []models.Transfer{
			{ID: "done", UpdatedAt: old},
			{ID: "broken", UpdatedAt: old},
			{ID: "ok", UpdatedAt: old},
		},
		fail: map[string]error{
			"done":   fmt.Errorf("%w: transfer done is completed", transfer.ErrStaleStage),
			"broken": errors.New("database is locked"),
		},
	}
	s, _ := New(f, time.Minute, "@every 30s")

	n, err := s.Sweep(context.Background())

	if n != 1 {
		t.Errorf("aborted = %d, want 1", n)
	}
	if err == nil || !errors.Is(err, f.fail["broken"]) {
		t.Errorf("err = %v, want to wrap the broken abort", err)
	}
}

func TestRun_SweepsOnSchedule(t *testing.T) {
	f := &fakeTransfers{rows: []models.Transfer{{ID: "old", UpdatedAt: time.Now().Add(-time.Hour)}}}
	s, _ := New(f, time.Minute, "@every 1s")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for f.abortedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if f.abortedCount() != 1 {
		t.Fatalf("aborted = %d, want 1", f.abortedCount())
	}
}

func TestNext(t *testing.T) {
	s, _ := New(&fakeTransfers{}, time.Minute, "@every 30s")
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if got := s.Next(base); !got.Equal(base.Add(30 * time.Second)) {
		t.Errorf("Next = %v, want %v", got, base.Add(30*time.Second))
	}
}
