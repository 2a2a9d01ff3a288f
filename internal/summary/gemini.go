package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/httpx"
	"google.golang.org/genai"
)

// Gemini generates summaries with the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini returns a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	return newGemini(ctx, apiKey, model, timeout, "")
}

func newGemini(ctx context.Context, apiKey, model string, timeout time.Duration, baseURL string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summary: gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpx.NewClient(httpx.WithName("summary: gemini"), httpx.WithTimeout(timeout)),
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("summary: gemini: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Name implements Generator.
func (g *Gemini) Name() string { return "gemini" }

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.3),
		MaxOutputTokens: 400,
	})
	if err != nil {
		return "", fmt.Errorf("%w: gemini: %v", ErrUnavailable, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: gemini: empty response", ErrUnavailable)
	}
	return text, nil
}
