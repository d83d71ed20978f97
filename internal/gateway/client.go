// Package gateway is the resilient call layer in front of the external
// workflow engine. Every call goes through a per-endpoint circuit breaker
// and a per-call-class timeout, and every failure is translated into a
// domain error of kind ExternalService or CircuitOpen.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/middleware"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// Config configures the client's endpoint location and resilience policy.
type Config struct {
	BaseURL            string
	APIKey             string
	DefaultTimeout     time.Duration
	ManualLoginTimeout time.Duration
	StatusPollTimeout  time.Duration
	FailureThreshold   int
	Cooldown           time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the time source used by the breakers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client calls the workflow engine.
type Client struct {
	cfg      Config
	http     *http.Client
	now      func() time.Time
	breakers [endpointCount]*Breaker
}

// NewClient builds a Client with one independent breaker per endpoint.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c.cfg = cfg

	now := func() time.Time { return c.now() }
	for _, ep := range Endpoints() {
		c.breakers[ep] = newBreaker(ep, cfg.FailureThreshold, cfg.Cooldown, now, onBreakerChange)
		breakerOpen.WithLabelValues(ep.String()).Set(0)
	}
	return c
}

func onBreakerChange(ep Endpoint, state BreakerState) {
	if state == BreakerOpen {
		breakerOpen.WithLabelValues(ep.String()).Set(1)
		log.Warn().Str("endpoint", ep.String()).Msg("Circuit breaker opened")
		return
	}
	breakerOpen.WithLabelValues(ep.String()).Set(0)
	log.Info().Str("endpoint", ep.String()).Msg("Circuit breaker closed")
}

// Breaker returns the breaker guarding ep.
func (c *Client) Breaker(ep Endpoint) *Breaker {
	return c.breakers[ep]
}

// Health returns a snapshot of every endpoint's breaker.
func (c *Client) Health() []BreakerSnapshot {
	out := make([]BreakerSnapshot, 0, endpointCount)
	for _, b := range c.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

func (c *Client) timeoutFor(req Request) time.Duration {
	switch {
	case req.ManualLogin:
		return c.cfg.ManualLoginTimeout
	case req.Endpoint == EndpointLoginStatus:
		return c.cfg.StatusPollTimeout
	default:
		return c.cfg.DefaultTimeout
	}
}

// Call invokes the engine. A manual-login call that times out returns a
// StatusManualLoginStarted response instead of an error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if !req.Endpoint.valid() {
		return nil, fmt.Errorf("workflow call: unknown %s", req.Endpoint)
	}
	ep := req.Endpoint.String()

	ctx, span := middleware.StartSpan(ctx, "workflow.call", trace.WithAttributes(
		attribute.String("layer", "gateway"),
		attribute.String("workflow.endpoint", ep),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	logger := pkgzerolog.FromContext(ctx)
	breaker := c.breakers[req.Endpoint]

	if err := breaker.Allow(); err != nil {
		callsTotal.WithLabelValues(ep, outcomeRejected).Inc()
		span.SetStatus(codes.Error, "circuit open")
		span.RecordError(err)
		return nil, err
	}

	timeout := c.timeoutFor(req)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, status, body, err := c.do(callCtx, req)
	callDuration.WithLabelValues(ep).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		breaker.RecordSuccess()
		callsTotal.WithLabelValues(ep, outcomeSuccess).Inc()
		span.SetAttributes(attribute.String("workflow.status", string(resp.Status)))
		logger.Debug().Str("endpoint", ep).Str("status", string(resp.Status)).Msg("Workflow call completed")
		return resp, nil

	case ctx.Err() != nil:
		// The caller went away; that says nothing about endpoint health.
		callsTotal.WithLabelValues(ep, outcomeCanceled).Inc()
		span.RecordError(ctx.Err())
		return nil, domain.ExternalService(ep, 0, "", ctx.Err())

	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		if req.ManualLogin {
			callsTotal.WithLabelValues(ep, outcomeManualStart).Inc()
			span.AddEvent("manual_login.started")
			logger.Info().Str("endpoint", ep).Dur("budget", timeout).Msg("Manual login accepted, waiting on user")
			return &Response{
				Status:  StatusManualLoginStarted,
				Message: "Manual login started. Complete the login in the browser, then check the login status.",
			}, nil
		}
		breaker.RecordFailure()
		callsTotal.WithLabelValues(ep, outcomeTimeout).Inc()
		span.SetStatus(codes.Error, "timeout")
		logger.Warn().Str("endpoint", ep).Dur("timeout", timeout).Msg("Workflow call timed out")
		return nil, domain.ExternalService(ep, 0, "", fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded))

	default:
		breaker.RecordFailure()
		callsTotal.WithLabelValues(ep, outcomeFailure).Inc()
		span.SetStatus(codes.Error, "workflow call failed")
		span.RecordError(err)
		logger.Warn().Err(err).Str("endpoint", ep).Int("status", status).Msg("Workflow call failed")
		return nil, domain.ExternalService(ep, status, body, err)
	}
}

// do performs the HTTP exchange. On failure it returns the upstream status
// and a truncated body when one was received.
func (c *Client) do(ctx context.Context, req Request) (*Response, int, string, error) {
	payload := make(map[string]any, len(req.Fields)+7)
	for k, v := range req.Fields {
		payload[k] = v
	}
	if req.Carried != nil {
		payload["cookies"] = req.Carried.Cookies
		payload["tokens"] = req.Carried.Tokens
		payload["sessionStorage"] = req.Carried.SessionStorage
		payload["localStorage"] = req.Carried.LocalStorage
		if len(req.Carried.StorageSnapshot) > 0 {
			payload["storageSnapshot"] = req.Carried.StorageSnapshot
		}
	}
	payload["sessionId"] = req.SessionID
	payload["timestamp"] = c.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, "", fmt.Errorf("encode request: %w", err)
	}

	url := c.cfg.BaseURL + "/" + req.Endpoint.String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, "", err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, httpResp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, httpResp.StatusCode, truncate(string(raw), maxErrorBody),
			fmt.Errorf("upstream returned %s", httpResp.Status)
	}

	var resp Response
	if len(bytes.TrimSpace(raw)) == 0 {
		resp.Status = StatusSuccess
		return &resp, httpResp.StatusCode, "", nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, httpResp.StatusCode, truncate(string(raw), maxErrorBody), fmt.Errorf("decode response: %w", err)
	}
	return &resp, httpResp.StatusCode, "", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
