// Package sweeper aborts warm transfers that stall before completing, so
// tokens and briefing rooms are never left behind by a closed console.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/transfer"
)

// AbortReason is recorded on transfers the sweeper aborts.
const AbortReason = "timeout"

// cronParser accepts 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Transfers is the part of transfer.Service the sweeper uses.
type Transfers interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]models.Transfer, error)
	Abort(ctx context.Context, id, reason string) (*transfer.AbortResult, error)
}

// Sweeper aborts transfers idle for longer than Timeout.
type Sweeper struct {
	transfers Transfers
	timeout   time.Duration
	schedule  cron.Schedule
	expr      string
	now       func() time.Time
}

// New returns a Sweeper running on the given cron schedule.
func New(transfers Transfers, timeout time.Duration, schedule string) (*Sweeper, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("sweeper: timeout must be positive")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", schedule, err)
	}
	return &Sweeper{transfers: transfers, timeout: timeout, schedule: sched, expr: schedule, now: time.Now}, nil
}

// Sweep aborts every stale transfer once and returns how many it aborted.
// A transfer that finished between listing and aborting is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.transfers.ListStale(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, fmt.Errorf("sweeper: %w", err)
	}
	n := 0
	var errs []error
	for _, t := range stale {
		if _, err := s.transfers.Abort(ctx, t.ID, AbortReason); err != nil {
			if errors.Is(err, transfer.ErrStaleStage) || errors.Is(err, transfer.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("abort %s: %w", t.ID, err))
			continue
		}
		log.Printf("sweeper: aborted %s, idle in %s since %s", t.ID, t.Stage, t.UpdatedAt.Format(time.RFC3339))
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("sweeper: %w", errors.Join(errs...))
	}
	return n, nil
}

// Next returns when the sweep after t is due.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("%v", err)
		}
	}))
	log.Printf("sweeper: running %s, timeout %v", s.expr, s.timeout)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
