package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/internal/transport"
)

const (
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 500 * time.Millisecond
	// maxErrorBody bounds how much of an error response is kept
	maxErrorBody = 64 * 1024
)

// Doer sends control-plane requests with the endpoint's auth applied
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// URLBuilder builds control-plane URLs for the resolved endpoint
type URLBuilder interface {
	HTTPURL(path string, query url.Values) string
}

// Options tunes a Client
type Options struct {
	MaxRetries        int // 0 uses the default, negative disables retries
	BaseRetryDelay    time.Duration
	RequestsPerMinute int              // 0 disables rate limiting
	Limiter           *RateLimiterPool // shared pool, created when nil
}

// Client talks to the server's HTTP control plane
type Client struct {
	doer            Doer
	urls            URLBuilder
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	metrics         *metrics.Collector
	maxRetries      int
	baseRetryDelay  time.Duration
	rpm             int
	serverID        string
}

// NewClient creates a new control-plane client
func NewClient(doer Doer, urls URLBuilder, logger *slog.Logger, m *metrics.Collector, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiterPool(logger)
	}

	serverID := urls.HTTPURL("/", nil)
	if u, err := url.Parse(serverID); err == nil {
		serverID = u.Host
	}

	return &Client{
		doer:            doer,
		urls:            urls,
		rateLimiterPool: opts.Limiter,
		logger:          logger,
		metrics:         m,
		maxRetries:      opts.MaxRetries,
		baseRetryDelay:  opts.BaseRetryDelay,
		rpm:             opts.RequestsPerMinute,
		serverID:        serverID,
	}
}

// APIError represents a non-2xx control-plane response
type APIError struct {
	Op         string
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// request describes one control-plane call
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
}

// response is a fully read control-plane response
type response struct {
	status int
	body   []byte
}

// withRetry runs send with exponential backoff while the error is retryable
func (c *Client) withRetry(ctx context.Context, op string, send func() (*response, error)) (*response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleepDuration := backoff + jitter

			c.logger.Warn("Retrying control-plane request",
				"op", op,
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleepDuration,
				"error", lastErr)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		resp, err := send()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// send performs one request and maps non-2xx statuses to *APIError
func (c *Client) send(ctx context.Context, r request) (*response, error) {
	resp, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status > 299 {
		return nil, &APIError{
			Op:         r.op,
			Message:    string(bytes.TrimSpace(resp.body)),
			StatusCode: resp.status,
			Retryable:  isStatusCodeRetryable(resp.status),
		}
	}
	return resp, nil
}

// do performs one request and returns the raw status and body
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	if err := c.rateLimiterPool.Wait(ctx, c.serverID, c.rpm); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var body io.Reader
	if r.body != nil {
		payload, err := encodeJSON(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", r.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.method, c.urls.HTTPURL(r.path, r.query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		c.metrics.RecordRequest(r.op, time.Since(start), false)
		return nil, err
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	limit := int64(math.MaxInt32)
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		limit = maxErrorBody
	}
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, limit))
	ok := err == nil && httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299
	c.metrics.RecordRequest(r.op, time.Since(start), ok)
	if err != nil {
		return nil, &transport.TransportError{
			Method: r.method,
			URL:    transport.RedactURL(httpReq.URL.String()),
			Err:    fmt.Errorf("failed to read response: %w", err),
		}
	}

	c.logger.Debug("Control-plane request",
		"op", r.op,
		"status", httpResp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond))

	return &response{status: httpResp.StatusCode, body: respBody}, nil
}

func decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	var tErr *transport.TransportError
	return errors.As(err, &tErr)
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
