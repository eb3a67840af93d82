// Package fetch is the HTTP plumbing shared by every registry client: a
// per-request timeout, a cap on in-flight requests and typed errors for the
// outcomes callers care about.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxInFlight = 8
	// DefaultMaxBodyBytes bounds a response body. Large npm packuments
	// run to tens of megabytes.
	DefaultMaxBodyBytes = 64 << 20
)

var (
	// ErrNotFound is returned for HTTP 404 responses.
	ErrNotFound = errors.New("not found in registry")
	// ErrBodyTooLarge is returned when a response body exceeds the limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// StatusError is returned for unexpected non-2xx responses.
type StatusError struct {
	Code   int
	URL    string
	Header http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Client wraps an *http.Client with a timeout and a request bound.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
	Metrics *metrics.Metrics
	sem     *semaphore.Weighted
	maxBody int64

	rps      rate.Limit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Options configures New.
type Options struct {
	HTTP        *http.Client
	Timeout     time.Duration
	MaxInFlight int64
	// RequestsPerSecond limits requests per registry. Zero means no limit.
	RequestsPerSecond float64
	// MaxBodyBytes bounds a response body. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
}

// New creates a Client. Zero-valued options fall back to the package defaults.
func New(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Client{
		HTTP:    opts.HTTP,
		Timeout: opts.Timeout,
		Metrics: opts.Metrics,
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		maxBody: opts.MaxBodyBytes,
		rps:     rate.Limit(opts.RequestsPerSecond),
	}
}

// limiter returns the rate limiter for registry, or nil when unlimited.
func (c *Client) limiter(registry string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = map[string]*rate.Limiter{}
	}
	l, ok := c.limiters[registry]
	if !ok {
		l = rate.NewLimiter(c.rps, max(int(c.rps), 1))
		c.limiters[registry] = l
	}
	return l
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req and reads the whole body. Any status is returned as a Response;
// only transport failures, timeouts and cancellation produce an error.
// registry labels the request in metrics.
func (c *Client) Do(ctx context.Context, registry string, req *http.Request) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for request slot: %w", err)
	}
	defer c.sem.Release(1)

	if l := c.limiter(registry); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for %s rate limit: %w", registry, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	logger.Debugf("%s: %s %s", registry, req.Method, req.URL.Redacted())
	resp, err := c.HTTP.Do(req.WithContext(ctx))
	if err != nil {
		c.Metrics.ObserveRequest(registry, "error", time.Since(start))
		return nil, fmt.Errorf("request %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		c.Metrics.ObserveRequest(registry, "error", time.Since(start))
		return nil, fmt.Errorf("read %s: %w", req.URL.Redacted(), err)
	}
	if int64(len(body)) > c.maxBody {
		c.Metrics.ObserveRequest(registry, "too_large", time.Since(start))
		return nil, fmt.Errorf("read %s: %w (limit %d bytes)", req.URL.Redacted(), ErrBodyTooLarge, c.maxBody)
	}
	c.Metrics.ObserveRequest(registry, outcome(resp.StatusCode), time.Since(start))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// GetJSON fetches url and decodes a 200 response into v. 404 maps to ErrNotFound,
// any other non-2xx status to *StatusError.
func (c *Client) GetJSON(ctx context.Context, registry, url string, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(ctx, registry, req)
	if err != nil {
		return err
	}
	if err := CheckStatus(req, resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// CheckStatus converts non-2xx responses into ErrNotFound or *StatusError.
func CheckStatus(req *http.Request, resp *Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", req.URL.Redacted(), ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, URL: req.URL.Redacted(), Header: resp.Header}
	}
	return nil
}

func outcome(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "unauthorized"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 200 && code < 300:
		return "ok"
	default:
		return "error"
	}
}
