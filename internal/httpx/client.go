// Package httpx implements the fetch primitive used by the manifest
// resolver, the chunk scheduler, and the save synchronizer: a plain HTTP
// client with bearer authentication, timeouts, and a shared retry policy.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Common errors. ErrServer marks 5xx-class responses and is transient;
// the 4xx sentinels are permanent.
var (
	ErrNotFound     = errors.New("httpx: resource not found")
	ErrForbidden    = errors.New("httpx: access forbidden")
	ErrUnauthorized = errors.New("httpx: unauthorized")
	ErrServer       = errors.New("httpx: server error")
)

// Options configures the client.
type Options struct {
	// Timeout bounds each individual request. Default: 30s.
	Timeout time.Duration

	// MaxAttempts is the total attempt budget for retried calls.
	// Default: 5.
	MaxAttempts int

	// BaseBackoff is the initial retry delay, doubled per attempt with
	// jitter. Default: 1s.
	BaseBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Default: 30s.
	MaxBackoff time.Duration

	// Token, when non-empty, is sent as a bearer credential.
	Token string

	// MaxIdleConnsPerHost tunes the underlying transport. Default: 16.
	MaxIdleConnsPerHost int
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 16
	}
}

// Client is an HTTP client for manifest, chunk, and save transfers.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	opts.defaults()

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// backoff builds the retry schedule from the client options: exponential
// growth from BaseBackoff, jittered, capped at MaxBackoff, with
// MaxAttempts total tries.
func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.opts.BaseBackoff)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(c.opts.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), b)
	return b
}

// GetOnce performs a single GET attempt with no retries. Callers that
// own their own retry budget (the chunk scheduler) use this.
func (c *Client) GetOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	return data, nil
}

// Get performs a GET with the client's retry policy. Transient failures
// (network errors, 5xx) are retried; 4xx responses fail immediately.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		var err error
		data, err = c.GetOnce(ctx, url)
		if err != nil {
			return markRetryable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put uploads data with the client's retry policy.
func (c *Client) Put(ctx context.Context, url string, data []byte, contentType string) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.authorize(req)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("put %s: %w", url, err))
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := checkStatus(resp.StatusCode); err != nil {
			return markRetryable(fmt.Errorf("put %s: %w", url, err))
		}
		return nil
	})
}

// Delete issues a DELETE with the client's retry policy. A 404 response
// is surfaced as ErrNotFound; callers that treat deletes as idempotent
// can match it with errors.Is.
func (c *Client) Delete(ctx context.Context, url string) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.authorize(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("delete %s: %w", url, err))
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := checkStatus(resp.StatusCode); err != nil {
			return markRetryable(fmt.Errorf("delete %s: %w", url, err))
		}
		return nil
	})
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

// IsTransient reports whether err is worth another attempt: network-level
// failures and 5xx responses are transient, 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	return true
}

// markRetryable wraps transient errors for retry.Do; permanent errors
// pass through and stop the loop.
func markRetryable(err error) error {
	if IsTransient(err) {
		return retry.RetryableError(err)
	}
	return err
}

// checkStatus returns an appropriate sentinel for non-success codes.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServer, code)
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
