// Package webhook delivers workflow events to external HTTP endpoints with
// per-host circuit breaking and bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Header names set on every delivery.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderSignature     = "X-Caseflow-Signature"
)

// StatusError reports a non-2xx response from a webhook endpoint.
type StatusError struct {
	Host       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: %s responded %d", e.Host, e.StatusCode)
}

// Client posts JSON payloads to webhook URLs.
type Client struct {
	http       *http.Client
	cfg        config.WebhookConfig
	signingKey []byte
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSigningKey signs each body with HMAC-SHA256 in the signature header.
func WithSigningKey(key []byte) Option {
	return func(c *Client) { c.signingKey = key }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records requests, retries and breaker states.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source handed to circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a webhook client.
func NewClient(cfg config.WebhookConfig, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	c := &Client{
		http:     &http.Client{},
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post delivers payload as JSON to rawURL. Server errors and connection
// failures are retried; 4xx responses, disallowed hosts and open breakers
// are not.
func (c *Client) Post(ctx context.Context, rawURL string, payload any) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: invalid url %q", rawURL)
	}
	host := u.Host
	if len(c.cfg.AllowedHosts) > 0 && !slices.Contains(c.cfg.AllowedHosts, u.Hostname()) {
		return fmt.Errorf("webhook: host %q is not allowed", u.Hostname())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encoding payload: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, "webhook.post", observability.AttrWebhookHost.String(host))
	logger := observability.RequestLogger(ctx, c.logger)
	breaker := c.breaker(host)

	attempt := 0
	op := func() error {
		attempt++
		if err := breaker.Allow(); err != nil {
			return backoff.Permanent(err)
		}
		err := c.send(ctx, rawURL, host, body)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		// A 4xx means the endpoint is up and rejected the payload.
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RecordWebhookRetry(host)
		logger.Warn("webhook delivery failed, retrying",
			zap.String("host", host),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(op, c.backoff(ctx), notify)
	observability.EndSpanWithError(span, err)
	if err != nil {
		logger.Error("webhook delivery failed",
			zap.String("host", host),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) send(ctx context.Context, rawURL, host string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, rctx.CorrelationID)
	}
	if len(c.signingKey) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(c.signingKey, body))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordWebhookRequest(host, 0, time.Since(start))
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	c.metrics.RecordWebhookRequest(host, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Host: host, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	r := c.cfg.Retry
	b := backoff.NewExponentialBackOff()
	if r.BackoffInitial > 0 {
		b.InitialInterval = r.BackoffInitial
	}
	if r.BackoffMultiplier > 0 {
		b.Multiplier = r.BackoffMultiplier
	}
	if r.BackoffMax > 0 {
		b.MaxInterval = r.BackoffMax
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.MaxAttempts-1)), ctx)
}

// breaker returns the circuit breaker for host, creating it on first use.
func (c *Client) breaker(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	cb := NewCircuitBreaker(c.cfg.CircuitBreaker,
		WithBreakerClock(c.now),
		OnStateChange(func(s BreakerState) {
			c.metrics.SetWebhookCircuitBreakerState(host, float64(s))
		}),
	)
	c.breakers[host] = cb
	c.metrics.SetWebhookCircuitBreakerState(host, float64(BreakerClosed))
	return cb
}

// BreakerState returns the state of host's breaker, or BreakerClosed if no
// delivery to host was attempted yet.
func (c *Client) BreakerState(host string) BreakerState {
	c.mu.Lock()
	cb, ok := c.breakers[host]
	c.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// retryable reports whether a delivery error is worth retrying: 5xx
// gateway-style responses, 429, and connection-level failures.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}
