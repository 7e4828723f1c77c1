// Package httpclient is the outbound side of every service: one Caller per
// downstream, composing bulkhead, circuit breaker and retry around plain
// net/http with deadline and correlation propagation.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// maxResponseBytes bounds the buffered downstream body.
const maxResponseBytes = 4 << 20

// Config wires one Caller. Bulkhead and Breaker are optional; a nil layer is
// skipped so lightweight callers (the event-bus poster) can run bare retry.
type Config struct {
	// From and To label downstream_requests_total{from,to,op}.
	From string
	To   string
	// BaseURL is the downstream root, e.g. http://localhost:8001.
	BaseURL string

	ConnectTimeout time.Duration
	// ReadTimeout is the local per-hop cap; each attempt additionally caps it
	// by the remaining request deadline.
	ReadTimeout time.Duration

	Bulkhead *resilience.Bulkhead
	Breaker  *resilience.Breaker
	Retry    resilience.RetryConfig

	// Transport overrides the default instrumented transport in tests.
	Transport http.RoundTripper
}

// Caller issues requests to one downstream service.
type Caller struct {
	cfg    Config
	client *http.Client
}

// New builds a Caller. The transport is otel-instrumented and uses the
// configured connect timeout; read timeouts are per-attempt contexts.
func New(cfg Config) *Caller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(&http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		})
	}
	return &Caller{cfg: cfg, client: &http.Client{Transport: transport}}
}

// Response is the buffered downstream reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type callOptions struct {
	idempotencyKey string
	budget         *resilience.Budget
}

// CallOption tunes a single Do invocation.
type CallOption func(*callOptions)

// WithIdempotencyKey forwards the client's Idempotency-Key to the downstream.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}

// WithBudget attaches the shared retry budget for the inbound request, so
// concurrent fan-out calls draw from one pool.
func WithBudget(b *resilience.Budget) CallOption {
	return func(o *callOptions) { o.budget = b }
}

// Do performs one logical call: bulkhead admission, breaker gate, then the
// retry loop around individual HTTP attempts. Statuses >= 400 come back as a
// *domain.HTTPError so callers and the classifier share one shape.
func (c *Caller) Do(ctx context.Context, op, method, path string, body any, opts ...CallOption) (*Response, error) {
	var o callOptions
	for _, apply := range opts {
		apply(&o)
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("op=httpclient.Do: marshal body: %w", err)
		}
	}

	rcfg := c.cfg.Retry
	rcfg.Service = c.cfg.From
	rcfg.Op = op
	if o.budget != nil {
		rcfg.Budget = o.budget
	}

	var resp *Response
	call := func() error {
		return resilience.Retry(ctx, rcfg, func() error {
			var err error
			resp, err = c.attempt(ctx, op, method, path, payload, o.idempotencyKey)
			return err
		})
	}
	if c.cfg.Breaker != nil {
		inner := call
		call = func() error { return c.cfg.Breaker.Execute(ctx, inner) }
	}
	if c.cfg.Bulkhead != nil {
		inner := call
		call = func() error { return c.cfg.Bulkhead.Execute(ctx, inner) }
	}

	err := call()
	if err != nil {
		// Barrier rejections never reach an attempt, so they are counted here;
		// attempt-level failures were already counted inside the loop.
		switch kind := resilience.ErrorKind(err); kind {
		case "breaker_open", "bulkhead_full":
			observability.DownstreamErrorsTotal.WithLabelValues(c.cfg.From, c.cfg.To, op, kind).Inc()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Caller) attempt(ctx context.Context, op, method, path string, payload []byte, idempotencyKey string) (*Response, error) {
	hop := resilience.HopTimeout(ctx, c.cfg.ReadTimeout)
	if hop <= 0 {
		return nil, fmt.Errorf("op=httpclient.attempt to=%s: %w", c.cfg.To, domain.ErrDeadlineExceeded)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, hop)
	defer cancel()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("op=httpclient.attempt: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := observability.CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(resilience.HeaderCorrelationID, cid)
	}
	if dl, ok := ctx.Deadline(); ok {
		req.Header.Set(resilience.HeaderDeadline, resilience.FormatDeadline(dl))
	}
	if idempotencyKey != "" {
		req.Header.Set(resilience.HeaderIdempotencyKey, idempotencyKey)
	}

	observability.DownstreamRequestsTotal.WithLabelValues(c.cfg.From, c.cfg.To, op).Inc()
	httpResp, err := c.client.Do(req)
	if err != nil {
		observability.DownstreamErrorsTotal.WithLabelValues(c.cfg.From, c.cfg.To, op, resilience.ErrorKind(err)).Inc()
		return nil, fmt.Errorf("op=httpclient.attempt to=%s: %w", c.cfg.To, err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	buf, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		observability.DownstreamErrorsTotal.WithLabelValues(c.cfg.From, c.cfg.To, op, resilience.ErrorKind(err)).Inc()
		return nil, fmt.Errorf("op=httpclient.attempt to=%s: read body: %w", c.cfg.To, err)
	}
	if httpResp.StatusCode >= 400 {
		herr := &domain.HTTPError{Status: httpResp.StatusCode, Body: string(buf)}
		observability.DownstreamErrorsTotal.WithLabelValues(c.cfg.From, c.cfg.To, op, resilience.ErrorKind(herr)).Inc()
		return nil, fmt.Errorf("op=httpclient.attempt to=%s: %w", c.cfg.To, herr)
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: buf}, nil
}

// DoJSON is Do plus decoding of a 2xx body into out (skipped when out is nil).
func (c *Caller) DoJSON(ctx context.Context, op, method, path string, body, out any, opts ...CallOption) (*Response, error) {
	resp, err := c.Do(ctx, op, method, path, body, opts...)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("op=httpclient.DoJSON to=%s: decode body: %w", c.cfg.To, err)
		}
	}
	return resp, nil
}
