// Package api is the HTTP client for the dispatch backend.
package api

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

	"github.com/avast/retry-go/v4"

	"github.com/msageha/fieldagent/internal/model"
)

const (
	// IdempotencyHeader carries the pending action's idempotency key.
	IdempotencyHeader = "Idempotency-Key"

	maxErrorBody = 4 << 10
)

type Options struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// Retries is the number of extra in-call attempts for transient failures.
	Retries int
	Backoff time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

type Client struct {
	baseURL   *url.URL
	authToken string
	http      *http.Client
	retries   int
	backoff   time.Duration
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: base URL scheme must be http or https, got %q", u.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		baseURL:   u,
		authToken: opts.AuthToken,
		http:      hc,
		retries:   retries,
		backoff:   backoff,
	}, nil
}

// NewFromConfig builds a client from the server and queue sections of cfg.
func NewFromConfig(cfg model.Config) (*Client, error) {
	return New(Options{
		BaseURL:   cfg.Server.BaseURL,
		AuthToken: cfg.Server.AuthToken,
		Timeout:   time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
		Retries:   cfg.Queue.RequestRetries,
		Backoff:   time.Duration(cfg.Queue.RetryBackoffMs) * time.Millisecond,
	})
}

// Health probes the backend once, without retries.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

func (c *Client) GetSession(ctx context.Context) (model.Session, error) {
	var body struct {
		User model.Session `json:"user"`
	}
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/auth/session", nil, "", &body)
	})
	if err != nil {
		return model.Session{}, err
	}
	return body.User, nil
}

func (c *Client) ListReports(ctx context.Context) ([]model.Report, error) {
	var reports []model.Report
	err := c.withRetry(ctx, func() error {
		reports = nil
		return c.do(ctx, http.MethodGet, "/reports", nil, "", &reports)
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// CreateReport submits a new report as a resident would.
func (c *Client) CreateReport(ctx context.Context, r model.Report) (model.Report, error) {
	var created model.Report
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/reports", r, "", &created)
	})
	return created, err
}

// ApplyAction delivers one responder action. The same idempotencyKey is sent on
// every attempt so the backend applies the action at most once. The returned
// report is nil when the backend answers without a body.
func (c *Client) ApplyAction(ctx context.Context, reportID string, kind model.ActionKind, idempotencyKey string) (*model.Report, error) {
	method, path, err := actionRoute(reportID, kind)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.withRetry(ctx, func() error {
		var err error
		raw, err = c.send(ctx, method, path, nil, idempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	// the action is applied at this point; an unexpected body is not a failure
	var r model.Report
	if len(raw) == 0 || json.Unmarshal(raw, &r) != nil || r.ID == "" {
		return nil, nil
	}
	return &r, nil
}

func actionRoute(reportID string, kind model.ActionKind) (string, string, error) {
	if reportID == "" {
		return "", "", errors.New("api: report id is required")
	}
	id := url.PathEscape(reportID)
	switch kind {
	case model.ActionOnTheWay:
		return http.MethodPatch, "/reports/" + id + "/ontheway", nil
	case model.ActionArrived:
		return http.MethodPatch, "/reports/" + id + "/arrived", nil
	case model.ActionResponded:
		return http.MethodPatch, "/reports/" + id + "/respond", nil
	case model.ActionDeclined:
		return http.MethodDelete, "/reports/" + id, nil
	default:
		return "", "", fmt.Errorf("api: unknown action %q", kind)
	}
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.retries+1)),
		retry.Delay(c.backoff),
		retry.MaxDelay(8*c.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil && ctx.Err() != nil {
		// cancelled mid-retry: nothing was rejected, so the caller may try again later
		return markTransient(err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in any, idempotencyKey string, out any) error {
	raw, err := c.send(ctx, method, path, in, idempotencyKey)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs one HTTP exchange and returns the trimmed 2xx body.
func (c *Client) send(ctx context.Context, method, path string, in any, idempotencyKey string) ([]byte, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, markTransient(fmt.Errorf("api: %s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, markTransient(fmt.Errorf("api: read %s %s: %w", method, path, err))
	}
	return bytes.TrimSpace(raw), nil
}

// errorMessage pulls a human message out of a JSON error body, falling back to the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
