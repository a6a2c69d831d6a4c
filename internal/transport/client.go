// Package transport speaks the ingestion and flags HTTP API: definition
// fetches, remote flag evaluation and batch delivery.
package transport

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
)

const (
	LibraryName = "beacon-go"
	Version     = "0.4.0"

	DefaultHost = "https://us.i.posthog.com"

	maxErrorBody = 4 << 10
)

const (
	pathLocalEvaluation = "/api/feature_flag/local_evaluation/?send_cohorts"
	pathFlags           = "/flags/?v=2"
	pathBatch           = "/batch/"
)

// Doer is the HTTP capability the client needs. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds configuration for the HTTP client.
type Config struct {
	// Host is the API base URL, e.g. "https://eu.i.posthog.com".
	Host string
	// ProjectAPIKey identifies the project for capture and remote evaluation.
	ProjectAPIKey string
	// PersonalAPIKey authorises definition fetches for local evaluation.
	PersonalAPIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient Doer
}

type Client struct {
	cfg        Config
	httpClient Doer
	userAgent  string
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	return &Client{cfg: cfg, httpClient: hc, userAgent: LibraryName + "/" + Version}
}

// -- errors ------------------------------------------------------------------

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("beacon: HTTP %d: %s", e.StatusCode, e.Body)
}

// RetryAfter is the wait requested by the server, zero when none was given.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}

// ConnectionError is a failure to get any response: dial errors, resets and
// timeouts.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("beacon: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt could succeed: connection
// failures, 5xx and 429 are retryable, every other status is terminal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// -- helpers -----------------------------------------------------------------

type header struct {
	key, value string
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers ...header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("beacon: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("beacon: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		req.Header.Set(h.key, h.value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + strings.SplitN(path, "?", 2)[0], Err: err}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("beacon: decode response: %w", err)
	}
	return nil
}
