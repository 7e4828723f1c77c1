package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// DefaultRetryableStatuses are the HTTP statuses the engine retries when no
// explicit set is configured.
var DefaultRetryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// RetryConfig drives one retry loop. Zero values fall back to the defaults
// from the spec: 3 attempts, 100ms base, multiplier 2, 30s cap, full jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// JitterOff disables the full-jitter draw; the zero-value config keeps
	// jitter on, which is the production default.
	JitterOff bool
	// RetryableStatuses overrides DefaultRetryableStatuses when non-nil.
	RetryableStatuses map[int]bool
	// Budget is the shared pool for the whole inbound request; nil means
	// bounded by MaxAttempts only.
	Budget *Budget

	// Service and Op label retry_attempts_total.
	Service string
	Op      string

	Clock Clock
	Rand  Rand
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Rand == nil {
		c.Rand = defaultRand
	}
	return c
}

// lockedRand guards the process-wide jitter source; rand.Rand is not safe
// for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

var defaultRand Rand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))} //nolint:gosec // Jitter does not need crypto randomness.

// Retryable reports whether the error is one of the strictly enumerated
// retryable conditions: a transport-level connect/read/timeout/abort, or a
// downstream HTTP status in the retryable set. Everything else, including
// 4xx validation and authorization failures, surfaces immediately.
func Retryable(err error, statuses map[int]bool) bool {
	if err == nil {
		return false
	}
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	var he *domain.HTTPError
	if errors.As(err, &he) {
		return statuses[he.Status]
	}
	// Barrier and deadline failures are the caller's decision, never the
	// engine's.
	for _, sentinel := range []error{
		domain.ErrBreakerOpen, domain.ErrBulkheadFull, domain.ErrShed,
		domain.ErrDeadlineExceeded, domain.ErrInvalidArgument,
		domain.ErrNotFound, domain.ErrConflict, domain.ErrInsufficientStock,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// fullJitterBackOff produces min(base*multiplier^attempt, max) delays with a
// uniform draw in [0, delay], consuming one budget token per scheduled retry.
type fullJitterBackOff struct {
	cfg     RetryConfig
	attempt int
}

func (b *fullJitterBackOff) Reset() { b.attempt = 0 }

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	// attempt n has already run; a return here schedules attempt n+1.
	if b.attempt >= b.cfg.MaxAttempts-1 {
		return backoff.Stop
	}
	if !b.cfg.Budget.Take() {
		return backoff.Stop
	}
	delay := float64(b.cfg.BaseDelay)
	for i := 0; i < b.attempt; i++ {
		delay *= b.cfg.Multiplier
	}
	d := time.Duration(delay)
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.attempt++
	if !b.cfg.JitterOff && d > 0 {
		d = time.Duration(b.cfg.Rand.Int63n(int64(d) + 1))
	}
	return d
}

// Retry executes op until it succeeds, fails permanently, exhausts the
// attempt cap or the shared budget, or the context ends. The first success
// or the last failure is returned.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg = cfg.withDefaults()
	bo := &fullJitterBackOff{cfg: cfg}
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err, cfg.RetryableStatuses) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		observability.RetryAttemptsTotal.WithLabelValues(cfg.Service, cfg.Op).Inc()
		observability.LoggerFromContext(ctx).Warn("retrying downstream call",
			slog.String("op", cfg.Op),
			slog.Int("attempt", bo.attempt),
			slog.Duration("delay", delay),
			slog.String("error_kind", errorKind(err)),
			slog.Any("error", err))
	}
	return backoff.RetryNotifyWithTimer(wrapped, backoff.WithContext(bo, ctx), notify, &clockTimer{clock: cfg.Clock})
}

// clockTimer adapts the Clock seam to backoff's timer so tests can drive the
// retry sleeps through a fake clock.
type clockTimer struct {
	clock  Clock
	c      chan time.Time
	cancel context.CancelFunc
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	ch := make(chan time.Time, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.c, t.cancel = ch, cancel
	go func() {
		if err := t.clock.Sleep(ctx, d); err == nil {
			ch <- time.Time{}
		}
	}()
}

func (t *clockTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.c }

// errorKind buckets an error for logs and downstream_errors_total.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, domain.ErrBulkheadFull):
		return "bulkhead_full"
	case errors.Is(err, domain.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var he *domain.HTTPError
	if errors.As(err, &he) {
		if he.Status >= 500 {
			return "http_5xx"
		}
		return "http_4xx"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "transport"
}

// ErrorKind is the exported classifier used by the HTTP client when labeling
// downstream_errors_total.
func ErrorKind(err error) string { return errorKind(err) }
