// Package client is a Go client for the fademem REST API.
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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Client talks to one fademem server.
type Client struct {
	base        *url.URL
	http        *http.Client
	opts        *Options
	retryPolicy *RetryPolicy
}

// Options contains client configuration options.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// Timeout bounds one HTTP attempt. Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Headers are added to every request.
	Headers map[string]string

	RetryPolicy *RetryPolicy
}

// RetryPolicy defines retry behavior for transport failures and 502, 503
// and 504 responses.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultOptions returns default client options.
func DefaultOptions(baseURL string) *Options {
	return &Options{
		BaseURL:     baseURL,
		Timeout:     60 * time.Second,
		RetryPolicy: DefaultRetryPolicy(),
	}
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// NewClient creates a client.
func NewClient(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	rp := opts.RetryPolicy
	if rp == nil {
		rp = &RetryPolicy{MaxAttempts: 1}
	}
	return &Client{base: base, http: hc, opts: opts, retryPolicy: rp}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("fademem: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("fademem: %s: %s (HTTP %d, request %s)", e.Code, e.Message, e.StatusCode, e.RequestID)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ValidationCode returns the VALIDATION_xxx code of err, if any.
func ValidationCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.Code, "VALIDATION_") {
		return apiErr.Code
	}
	return ""
}

func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// do sends one request, retrying per the policy, and decodes a 2xx body into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	attempts := c.retryPolicy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.retryPolicy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := c.once(ctx, method, u.String(), payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || (status != 0 && !retryable(status)) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * c.retryPolicy.BackoffMultiplier)
		if c.retryPolicy.MaxBackoff > 0 && backoff > c.retryPolicy.MaxBackoff {
			backoff = c.retryPolicy.MaxBackoff
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out any) (int, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env struct {
			Error *APIError `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != nil {
			apiErr = env.Error
			apiErr.StatusCode = resp.StatusCode
		}
		return resp.StatusCode, apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Health checks /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Ready checks /ready.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ready", nil, nil, nil)
}
