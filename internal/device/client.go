package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetries        = 3
	defaultRetryWait      = 5 * time.Second
)

// Client speaks the miner's HTTP API. Transient network failures (timeouts,
// refused connections) are retried a bounded number of times with a fixed
// backoff; any other failure is returned immediately.
type Client struct {
	host       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	retries   int
	retryWait time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets the bounded retry count and the wait between attempts.
func WithRetries(n int, wait time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.retryWait = wait
	}
}

// NewClient creates a client for a single miner. host is a bare hostname or
// IP, optionally with a port.
func NewClient(host string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		host:       host,
		baseURL:    "http://" + host,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger.Named("device").With(zap.String("device", host)),
		retries:    defaultRetries,
		retryWait:  defaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the device identity this client targets.
func (c *Client) Host() string { return c.host }

// SystemInfo fetches the current telemetry snapshot.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	err := c.do(ctx, http.MethodGet, "/api/system/info", nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ApplySettings pushes a core voltage (mV) and frequency (MHz) pair to the
// device. The new values take effect only after Restart.
func (c *Client) ApplySettings(ctx context.Context, coreVoltage, frequency int) error {
	body := map[string]int{
		"coreVoltage": coreVoltage,
		"frequency":   frequency,
	}
	return c.do(ctx, http.MethodPatch, "/api/system", body, nil)
}

// Restart reboots the device so previously applied settings take effect.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/system/restart", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		c.logger.Warn("request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retries),
			zap.Error(err),
		)
		if attempt < c.retries {
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s %s: retries exhausted: %w", method, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// retryable reports whether an error is a transient network failure worth
// another attempt. HTTP status errors and context cancellation are not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
