// Package summary produces the handoff synopsis shared with the target
// agent during a warm transfer.
//
// Summaries are advisory. Generators report provider failures as
// ErrUnavailable and WithFallback turns every failure into the fixed
// FallbackSummary so a transfer never blocks on the LLM.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"text/template"
	"time"

	"github.com/zulandar/switchboard/internal/config"
)

// FallbackSummary is used whenever no generated summary is available.
const FallbackSummary = "conversation captured, no summary available"

// TranscriptPlaceholder seeds the prompt when no live transcript exists.
const TranscriptPlaceholder = "No transcript was captured for this call."

// ErrUnavailable is returned when the summary provider cannot produce text.
var ErrUnavailable = errors.New("summary: unavailable")

// Generator turns a prompt context into a natural-language summary.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// CallContext is the information available at transfer time.
type CallContext struct {
	CallerName  string
	CallerPhone string
	Priority    string
	Duration    time.Duration
	Reason      string
	Notes       string
	Transcript  string
}

var promptTmpl = template.Must(template.New("handoff").Parse(`You are a call center agent writing a handoff summary for a warm transfer.
Focus on exactly what the caller said their problem is, in their own words.

Call context:
- Caller: {{.CallerName}}{{if .CallerPhone}} ({{.CallerPhone}}){{end}}
- Priority: {{.Priority}}
- Call duration: {{.Minutes}} minutes
- Transfer reason: {{.Reason}}
- Agent notes: {{.Notes}}

Conversation so far:
{{.Transcript}}

Write at most 200 words covering the caller's exact problem, their situation,
anything they already tried, urgency cues and technical details they gave.
Start with "The caller specifically reported that".`))

// promptData is what the handoff template renders.
type promptData struct {
	CallContext
	Minutes    string
	Transcript string
	Notes      string
	Priority   string
}

// BuildContext renders the handoff prompt for c.
func BuildContext(c CallContext) string {
	return render(promptTmpl, c)
}

func render(tmpl *template.Template, c CallContext) string {
	transcript := strings.TrimSpace(c.Transcript)
	if transcript == "" {
		transcript = TranscriptPlaceholder
	}
	notes := strings.TrimSpace(c.Notes)
	if notes == "" {
		notes = "none"
	}
	priority := c.Priority
	if priority == "" {
		priority = "medium"
	}
	d := promptData{
		CallContext: c,
		Minutes:     fmt.Sprintf("%.1f", c.Duration.Minutes()),
		Transcript:  transcript,
		Notes:       notes,
		Priority:    priority,
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, d); err != nil {
		log.Printf("summary: render prompt: %v", err)
		return plainPrompt(d)
	}
	return b.String()
}

// plainPrompt carries the same facts as the template without any logic.
func plainPrompt(d promptData) string {
	return fmt.Sprintf("Write a handoff summary for a warm transfer.\n"+
		"Caller: %s %s\nPriority: %s\nCall duration: %s minutes\nTransfer reason: %s\nAgent notes: %s\n\n"+
		"Conversation so far:\n%s\n",
		d.CallerName, d.CallerPhone, d.Priority, d.Minutes, d.Reason, d.Notes, d.Transcript)
}

// Result is a summary plus where it came from.
type Result struct {
	Text     string `json:"summary"`
	Provider string `json:"provider"`
	Fallback bool   `json:"fallback"`
}

// Summarizer never fails: it returns the generated text or the fallback.
type Summarizer struct {
	gen Generator
}

// WithFallback wraps gen. A nil gen always yields the fallback.
func WithFallback(gen Generator) *Summarizer {
	return &Summarizer{gen: gen}
}

// Summarize generates a summary for prompt, substituting FallbackSummary on
// any failure or empty output.
func (s *Summarizer) Summarize(ctx context.Context, prompt string) Result {
	if s == nil || s.gen == nil {
		return Result{Text: FallbackSummary, Provider: "none", Fallback: true}
	}
	text, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		log.Printf("summary: %s failed, using fallback: %v", s.gen.Name(), err)
		return Result{Text: FallbackSummary, Provider: s.gen.Name(), Fallback: true}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Printf("summary: %s returned empty text, using fallback", s.gen.Name())
		return Result{Text: FallbackSummary, Provider: s.gen.Name(), Fallback: true}
	}
	return Result{Text: text, Provider: s.gen.Name()}
}

// FromConfig builds the configured generator. Provider "none" returns nil.
func FromConfig(ctx context.Context, c config.SummaryConfig) (Generator, error) {
	switch c.Provider {
	case "ollama":
		return NewOllama(c.Endpoint, c.Model, c.Timeout), nil
	case "gemini":
		g, err := NewGemini(ctx, c.APIKey, c.Model, c.Timeout)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("summary: unknown provider %q", c.Provider)
	}
}
