package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// RetryPolicy controls the shared HTTP retry behaviour of all vendor
// adapters: exponential backoff with jitter over a configurable number of
// attempts. Retryable outcomes are connection errors, timeouts, and
// {429, 502, 503, 504}. Other 4xx responses are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the fleet-wide adapter defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// breaker is a per-host circuit breaker. After `threshold` consecutive
// failures the host is open for resetTimeout, then half-open.
type breaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	return &breaker{threshold: threshold, resetTimeout: timeout, state: "CLOSED"}
}

func (cb *breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *breaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *breaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// Client is the shared resilient HTTP client used by every HTTP adapter.
// It layers retry, a per-host circuit breaker, and a per-host rate
// limiter over net/http, and classifies failures into the fault taxonomy.
type Client struct {
	http    *http.Client
	policy  RetryPolicy
	breaker *breaker
	limiter *rate.Limiter
	host    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the default 30 s per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithRateLimit caps requests per second against one host.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTransport swaps the underlying round tripper (tests).
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.http.Transport = rt }
}

// NewClient creates a client bound to one printer host.
func NewClient(host string, opts ...ClientOption) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		policy:  DefaultRetryPolicy(),
		breaker: newBreaker(5, 10*time.Second),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		host:    strings.TrimRight(host, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the base URL this client targets.
func (c *Client) Host() string { return c.host }

// Request describes one adapter HTTP call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
	// BodyFunc rebuilds the body per attempt (multipart uploads).
	BodyFunc    func() (io.Reader, string, error)
	ContentType string
}

// Do executes the request with retry and classification. The response body
// is fully read and returned; callers never manage the connection.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, int, error) {
	if !c.breaker.allow() {
		return nil, 0, fault.Newf(fault.KindPrinterUnreachable, "circuit open for %s", c.host)
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, 0, fault.Wrap(fault.KindTimeout, "request cancelled", ctx.Err())
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fault.Wrap(fault.KindTimeout, "rate limiter wait", err)
		}

		body, status, err := c.attempt(ctx, req)
		if err == nil && !retryableStatus(status) {
			if status >= 400 {
				c.breaker.failure()
				return body, status, c.classifyStatus(req, status, body)
			}
			c.breaker.success()
			return body, status, nil
		}
		if err != nil {
			lastErr, lastStatus = err, 0
			if !retryableNetErr(err) {
				break
			}
			continue
		}
		// Retryable status (429/502/503/504).
		lastErr = fault.Newf(fault.KindPrinterUnreachable, "%s %s: HTTP %d", req.Method, req.Path, status)
		lastStatus = status
	}

	c.breaker.failure()
	if lastStatus == 429 {
		return nil, lastStatus, fault.Wrap(fault.KindRateLimited, fmt.Sprintf("%s %s", req.Method, req.Path), lastErr)
	}
	if isTimeout(lastErr) {
		return nil, lastStatus, fault.Wrap(fault.KindTimeout, fmt.Sprintf("%s %s", req.Method, req.Path), lastErr)
	}
	return nil, lastStatus, fault.Wrap(fault.KindPrinterUnreachable, fmt.Sprintf("%s %s", req.Method, req.Path), lastErr)
}

// DoJSON executes the request and decodes a JSON response into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	body, _, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.Wrap(fault.KindInternal, fmt.Sprintf("decode %s response", req.Path), err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, req Request) ([]byte, int, error) {
	u := c.host + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := req.ContentType
	if req.BodyFunc != nil {
		r, ct, err := req.BodyFunc()
		if err != nil {
			return nil, 0, err
		}
		body, contentType = r, ct
	} else if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// classifyStatus maps a non-retryable error status into the taxonomy.
// 409 on Prusa Link file endpoints carries the 8.3 short-name hint.
func (c *Client) classifyStatus(req Request, status int, body []byte) error {
	msg := fmt.Sprintf("%s %s: HTTP %d", req.Method, req.Path, status)
	switch status {
	case 401:
		return fault.New(fault.KindAuthRequired, msg)
	case 403:
		return fault.New(fault.KindAuthInvalid, msg)
	case 404:
		return fault.New(fault.KindNotFound, msg)
	case 409:
		if strings.Contains(req.Path, "/api/v1/files/") {
			return fault.New(fault.KindValidation,
				msg+" (Prusa Link file endpoints require the 8.3 short name from the listing, not the display name)")
		}
		return fault.New(fault.KindPrinterBusy, msg)
	default:
		if len(body) > 0 && len(body) < 512 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(body)))
		}
		return fault.New(fault.KindPrinterUnreachable, msg)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.policy.BaseDelay
	if d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	// Jitter up to 25% keeps a stuck fleet from thundering.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func retryableStatus(status int) bool {
	switch status {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

func retryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps connection refused and friends.
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
