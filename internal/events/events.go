// Package events records the append-only transfer event log and fans
// new events out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Event kinds.
const (
	CallStarted       = "call_started"
	CallEnded         = "call_ended"
	TransferInitiated = "transfer_initiated"
	BriefingStarted   = "briefing_started"
	BriefingCompleted = "briefing_completed"
	TransferCompleted = "transfer_completed"
	TransferAborted   = "transfer_aborted"
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"
	SummaryFellBack   = "summary_fallback"
)

const defaultListLimit = 100

// Sink receives every recorded event.
type Sink interface {
	Publish(ctx context.Context, ev models.TransferEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.TransferEvent)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev models.TransferEvent) { f(ctx, ev) }

// Recorder writes events to the log and publishes them to sinks.
type Recorder struct {
	db    *gorm.DB
	mu    sync.RWMutex
	sinks []Sink
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *gorm.DB, sinks ...Sink) *Recorder {
	return &Recorder{db: db, sinks: sinks}
}

// AddSink registers another subscriber.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// EmitOpts describes one event.
type EmitOpts struct {
	Kind       string
	TransferID string
	CallID     string
	Stage      string
	Actor      string
	Detail     map[string]any
}

// Emit records the event and publishes it. Recording failures are returned;
// sinks are best-effort.
func (r *Recorder) Emit(ctx context.Context, opts EmitOpts) (*models.TransferEvent, error) {
	ev, err := Record(r.db.WithContext(ctx), opts)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(ctx, *ev)
	}
	return ev, nil
}

// Record appends one event row.
func Record(db *gorm.DB, opts EmitOpts) (*models.TransferEvent, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("events: kind is required")
	}
	detail := ""
	if len(opts.Detail) > 0 {
		data, err := json.Marshal(opts.Detail)
		if err != nil {
			return nil, fmt.Errorf("events: marshal detail: %w", err)
		}
		detail = string(data)
	}
	ev := models.TransferEvent{
		TransferID: opts.TransferID,
		CallID:     opts.CallID,
		Kind:       opts.Kind,
		Stage:      opts.Stage,
		Actor:      opts.Actor,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := db.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("events: record %s: %w", opts.Kind, err)
	}
	return &ev, nil
}

// ListOpts filters the event log.
type ListOpts struct {
	TransferID string
	CallID     string
	AfterID    uint
	Limit      int
}

// List returns events in ID order.
func List(db *gorm.DB, opts ListOpts) ([]models.TransferEvent, error) {
	q := db.Model(&models.TransferEvent{})
	if opts.TransferID != "" {
		q = q.Where("transfer_id = ?", opts.TransferID)
	}
	if opts.CallID != "" {
		q = q.Where("call_id = ?", opts.CallID)
	}
	if opts.AfterID > 0 {
		q = q.Where("id > ?", opts.AfterID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []models.TransferEvent
	if err := q.Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	return out, nil
}

// LatestID returns the highest event ID, or 0 when the log is empty.
func LatestID(db *gorm.DB) (uint, error) {
	var ev models.TransferEvent
	err := db.Order("id DESC").Limit(1).Find(&ev).Error
	if err != nil {
		return 0, fmt.Errorf("events: latest id: %w", err)
	}
	return ev.ID, nil
}

// DecodeDetail parses the event's JSON detail. Malformed detail is logged
// and yields nil.
func DecodeDetail(ev models.TransferEvent) map[string]any {
	if ev.Detail == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Detail), &m); err != nil {
		log.Printf("events: decode detail of event %d: %v", ev.ID, err)
		return nil
	}
	return m
}
