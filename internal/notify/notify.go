// Package notify posts warm-transfer activity to operator chat channels
// (Slack, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/models"
)

// Color constants for message severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Message is one chat notification.
type Message struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Color    string
	Fields   []Field
}

// Field is a key-value pair rendered in the message.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier delivers messages to one destination.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// Multi fans a message out to every notifier. All are attempted; errors
// are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds a notifier for every configured chat target. With no
// targets it returns Nop.
func FromConfig(cfg config.NotifyConfig) (Notifier, error) {
	var out Multi
	if cfg.Slack.Enabled() {
		s, err := NewSlack(SlackOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Discord.Enabled() {
		d, err := NewDiscord(DiscordOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return Nop{}, nil
	}
	return out, nil
}

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Format turns a transfer event into a chat message. Events operators do
// not need to see (participant churn, call start) report false.
func Format(ev models.TransferEvent) (Message, bool) {
	detail := events.DecodeDetail(ev)
	var msg Message
	switch ev.Kind {
	case events.TransferInitiated:
		msg = Message{
			Title:    fmt.Sprintf("Warm transfer started on call %s", ev.CallID),
			Body:     fmt.Sprintf("%s is handing the caller to %s.", ev.Actor, str(detail, "target_agent_id")),
			Severity: "info",
		}
	case events.BriefingCompleted:
		msg = Message{
			Title:    fmt.Sprintf("Briefing complete for call %s", ev.CallID),
			Body:     "The target agent has been admitted to the caller's room.",
			Severity: "info",
		}
		if present, ok := detail["target_in_briefing"].(bool); ok && !present {
			msg.Severity = "warning"
			msg.Body += " The target agent was not seen in the briefing room."
		}
	case events.TransferCompleted:
		msg = Message{
			Title:    fmt.Sprintf("Call %s transferred", ev.CallID),
			Body:     fmt.Sprintf("%s now owns the call.", str(detail, "new_agent_id")),
			Severity: "success",
		}
	case events.TransferAborted:
		msg = Message{
			Title:    fmt.Sprintf("Warm transfer aborted on call %s", ev.CallID),
			Body:     fmt.Sprintf("Reason: %s", str(detail, "reason")),
			Severity: "warning",
		}
	case events.SummaryFellBack:
		msg = Message{
			Title:    fmt.Sprintf("No handoff summary for call %s", ev.CallID),
			Body:     fmt.Sprintf("The %s summary provider failed; agents got the fallback text.", str(detail, "provider")),
			Severity: "warning",
		}
	default:
		return Message{}, false
	}
	msg.Color = severityColor(msg.Severity)
	if ev.TransferID != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Transfer", Value: ev.TransferID, Short: true})
	}
	if ev.Stage != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Stage", Value: ev.Stage, Short: true})
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.Fields = append(msg.Fields, Field{Name: k, Value: fmt.Sprint(detail[k]), Short: true})
	}
	return msg, true
}

func str(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "unknown"
}

// Sink posts formatted events in the background so chat latency never
// holds up the request that recorded them.
type Sink struct {
	n       Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewSink returns an events.Sink that forwards to n.
func NewSink(n Notifier) *Sink {
	return &Sink{n: n, timeout: 10 * time.Second}
}

// Publish implements events.Sink.
func (s *Sink) Publish(_ context.Context, ev models.TransferEvent) {
	msg, ok := Format(ev)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.n.Notify(ctx, msg); err != nil {
			log.Printf("notify: %s %s: %v", ev.Kind, ev.TransferID, err)
		}
	}()
}

// Wait blocks until every pending notification has been attempted.
func (s *Sink) Wait() { s.wg.Wait() }
