// Package httpclient is the outbound HTTP stack shared by the catalog and
// backend clients: JSON bodies, bounded reads, retry with exponential
// backoff for idempotent calls and an optional circuit breaker.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/platform/httpserver"
)

type Config struct {
	Timeout        time.Duration
	UserAgent      string
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxBodyBytes   int64
}

// ErrBodyTooLarge is returned when a response body exceeds
// Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

type Client struct {
	HTTP   *http.Client
	Config Config
	CB     *gobreaker.CircuitBreaker
	Log    *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

func WithJar(jar http.CookieJar) Option {
	return func(c *Client) { c.HTTP.Jar = jar }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.HTTP.Transport = rt }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "anime-watchlist/1.0"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	c := &Client{
		HTTP:   &http.Client{Timeout: cfg.Timeout},
		Config: cfg,
		Log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewBreaker trips after five consecutive failures and probes again after
// 30s. Caller cancellations do not count as failures.
func NewBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

type Request struct {
	Method string
	URL    string
	// Body is JSON-encoded when non-nil.
	Body   any
	Header http.Header
	// Idempotent allows retries for methods other than GET and HEAD,
	// e.g. GraphQL reads sent as POST.
	Idempotent bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals a non-empty body into dst.
func (r *Response) Decode(dst any) error {
	if dst == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("decode response: %w body=%q", err, truncate(r.Body, 200))
	}
	return nil
}

type serverError struct {
	resp *Response
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: status %d", e.resp.Status)
}

// Do sends req. Any HTTP status is returned as a Response; the error is
// non-nil only when no response could be obtained.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	if c.CB == nil {
		return c.doWithRetry(ctx, req, payload)
	}
	result, err := c.CB.Execute(func() (interface{}, error) {
		resp, err := c.doWithRetry(ctx, req, payload)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 500 {
			return resp, &serverError{resp: resp}
		}
		return resp, nil
	})
	if err != nil {
		var se *serverError
		if errors.As(err, &se) {
			return se.resp, nil
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) doWithRetry(ctx context.Context, req Request, payload []byte) (*Response, error) {
	attempts := 1
	if req.Idempotent || req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts += c.Config.MaxRetries
	}

	var (
		lastResp *Response
		lastErr  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.Config.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			c.Log.Debug("retrying request", zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.once(ctx, req, payload)
		if err == nil && !retryableStatus(resp.Status) {
			return resp, nil
		}
		if err != nil && (ctx.Err() != nil || errors.Is(err, ErrBodyTooLarge)) {
			return nil, err
		}
		lastResp, lastErr = resp, err
		if err != nil {
			c.Log.Warn("request failed", zap.String("method", req.Method), zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			c.Log.Warn("request failed", zap.String("method", req.Method), zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Int("status", resp.Status))
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (c *Client) once(ctx context.Context, req Request, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.Config.UserAgent)
	if rid := httpserver.RequestIDFromContext(ctx); rid != "" {
		httpReq.Header.Set("X-Request-Id", rid)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.Config.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > c.Config.MaxBodyBytes {
		return nil, fmt.Errorf("%s %s: %w (limit %d bytes)", req.Method, req.URL, ErrBodyTooLarge, c.Config.MaxBodyBytes)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
