// Package httpx provides the outbound HTTP client used for third-party
// providers (LLM backends and the media server API).
package httpx

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultTimeout    = 10 * time.Second
)

// retryTransport wraps a RoundTripper with retry and backoff on transport
// errors and 5xx responses.
type retryTransport struct {
	next       http.RoundTripper
	maxRetries int
	baseDelay  time.Duration
	name       string
}

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	name       string
	next       http.RoundTripper
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) { o.baseDelay = d }
}

// WithTimeout sets the overall per-request client timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithName sets the prefix used in retry log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTransport sets the underlying RoundTripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.next = rt }
}

// NewClient returns an *http.Client whose transport retries transient
// failures with exponential backoff. The client can be handed to SDKs that
// accept an *http.Client.
//
//	NewClient(WithName("ollama"), WithTimeout(20*time.Second))
func NewClient(opts ...Option) *http.Client {
	o := options{
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		timeout:    defaultTimeout,
		name:       "httpx",
		next:       http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &http.Client{
		Timeout: o.timeout,
		Transport: &retryTransport{
			next:       o.next,
			maxRetries: o.maxRetries,
			baseDelay:  o.baseDelay,
			name:       o.name,
		},
	}
}

// RoundTrip executes the request, retrying retryable failures.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, fmt.Errorf("%s: context cancelled: %w", t.name, err)
	}

	// Buffer the body so each attempt can replay it.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: read request body: %w", t.name, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := ExponentialBackoff(attempt-1, t.baseDelay)
			log.Printf("%s: retrying %s %s (attempt %d/%d) after %v: %v",
				t.name, req.Method, req.URL.Path, attempt+1, t.maxRetries+1, delay, lastErr)
			select {
			case <-req.Context().Done():
				return nil, fmt.Errorf("%s: context cancelled: %w", t.name, req.Context().Err())
			case <-time.After(delay):
			}
		}

		retryReq := req.Clone(req.Context())
		if bodyBytes != nil {
			retryReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			retryReq.ContentLength = int64(len(bodyBytes))
		}

		resp, err := t.next.RoundTrip(retryReq)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !IsRetryable(nil, resp.StatusCode) || attempt == t.maxRetries {
			return resp, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil, fmt.Errorf("%s: request failed after %d attempts: %w", t.name, t.maxRetries+1, lastErr)
}

// IsRetryable reports whether an error or status code should be retried.
func IsRetryable(err error, statusCode int) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// ExponentialBackoff calculates the delay for the given attempt with up to
// 25% jitter.
func ExponentialBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}
