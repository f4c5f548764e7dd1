// Package rest is the JSON-over-HTTP transport shared by REST connectors.
// It authenticates through an oauth2.TokenSource, paces requests, retries
// 429 responses and maps failures onto provider error types.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/coupler/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client is a thin authenticated JSON client.
type Client struct {
	baseURL     string
	integration string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	backoff     time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the base HTTP client. Its transport is wrapped with
// oauth2 authentication.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit paces outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithMaxRetries sets how many times a 429 response is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the base of the exponential backoff used when a 429
// response carries no Retry-After header.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New creates a client for baseURL authenticating with ts. integration
// names the integration in AuthError values.
func New(baseURL, integration string, ts oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		integration: integration,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(10), 10),
		maxRetries:  3,
		backoff:     time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.httpClient = &http.Client{
		Timeout:   c.httpClient.Timeout,
		Transport: &oauth2.Transport{Source: ts, Base: base},
	}
	return c
}

// StaticToken returns a token source that always yields the bearer token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(ctx context.Context, path string, result interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// Post performs an HTTP POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

// Patch performs an HTTP PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, result interface{}) error {
	return c.do(ctx, http.MethodPatch, path, body, result)
}

// do builds the request, paces it, retries 429s with backoff and maps the
// response status onto provider errors.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	url := c.baseURL + path
	op := method + " " + path

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &provider.TransientError{Op: op, Err: err}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("rest: create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isAuthTransportError(err) {
				return &provider.AuthError{Integration: c.integration, Message: err.Error()}
			}
			return &provider.TransientError{Op: op, Err: err}
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &provider.TransientError{Op: op, Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.retryAfter(resp, attempt)
			lastErr = &provider.TransientError{Op: op, Err: fmt.Errorf("rate limited (429)"), RetryAfter: wait}
			if attempt == c.maxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return &provider.TransientError{Op: op, Err: ctx.Err()}
			case <-time.After(wait):
				continue
			}
		}

		if err := statusError(c.integration, op, resp.StatusCode, respBody); err != nil {
			return err
		}

		if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("rest: unmarshal response from %s: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("rest: max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// statusError maps a non-2xx status onto a provider error.
func statusError(integration, op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &provider.AuthError{Integration: integration, Message: fmt.Sprintf("%s returned %d", op, status)}
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s: %w", op, provider.ErrNotFound)
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return &provider.RejectedError{Reason: fmt.Sprintf("%s returned %d: %s", op, status, errorMessage(body))}
	default:
		return &provider.TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", status, errorMessage(body))}
	}
}

// errorMessage extracts a readable message from common error payloads.
func errorMessage(body []byte) string {
	var payload struct {
		Message       string            `json:"message"`
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
		Error         json.RawMessage   `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case len(payload.ErrorMessages) > 0 || len(payload.Errors) > 0:
			msgs := append([]string(nil), payload.ErrorMessages...)
			for k, v := range payload.Errors {
				msgs = append(msgs, k+": "+v)
			}
			return strings.Join(msgs, "; ")
		case len(payload.Error) > 0:
			return string(payload.Error)
		}
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// retryAfter reads the Retry-After header and falls back to exponential
// backoff capped at 30s.
func (c *Client) retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	backoff := c.backoff * time.Duration(1<<uint(attempt))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// isAuthTransportError reports token refresh failures surfaced by the
// oauth2 transport.
func isAuthTransportError(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
