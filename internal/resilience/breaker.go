package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// BreakerState is the three-state machine of a circuit breaker. The numeric
// values are the breaker_state gauge contract: closed=0, open=1, half_open=2.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig carries the trip thresholds. Zero values fall back to the
// defaults: 5 failures in a 60s window trip; 30s open; 2 consecutive
// half-open successes close.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	OpenDuration     time.Duration
	SuccessThreshold int
	Clock            Clock
	// Store shares trip state across replicas. Best-effort only: any store
	// error falls back to replica-local state, so a lost KV degrades
	// isolation, never availability.
	Store BreakerStore
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	return c
}

// BreakerStore is the optional cross-replica state share. Load reports
// whether a remote replica has the breaker open and since when.
type BreakerStore interface {
	LoadOpen(ctx context.Context, name string) (openedAt time.Time, open bool, err error)
	SaveState(ctx context.Context, name string, state string, openedAt time.Time) error
}

// Breaker protects one downstream. All read-modify-write sequences of
// (state, failures, openedAt, halfOpenSuccesses) run under one mutex.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
}

// NewBreaker returns a closed breaker for the named downstream and publishes
// its initial gauge value.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults()}
	observability.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state, applying the Open→HalfOpen transition if
// the open duration has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Execute runs f under the breaker. When the breaker is open the call
// short-circuits with domain.ErrBreakerOpen without invoking f.
func (b *Breaker) Execute(ctx context.Context, f func() error) error {
	return b.ExecuteFallback(ctx, f, nil)
}

// ExecuteFallback is Execute with a caller-supplied fallback invoked instead
// of failing fast while the breaker is open.
func (b *Breaker) ExecuteFallback(ctx context.Context, f, fallback func() error) error {
	if err := b.allow(ctx); err != nil {
		if fallback != nil {
			return fallback()
		}
		return err
	}
	err := f()
	b.observe(ctx, err)
	return err
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == StateClosed && b.cfg.Store != nil {
		// A remote trip is adopted locally so every replica fast-fails while
		// the downstream is known-bad. Store errors are ignored.
		if openedAt, open, err := b.cfg.Store.LoadOpen(ctx, b.name); err == nil && open {
			if b.cfg.Clock.Since(openedAt) < b.cfg.OpenDuration {
				b.openedAt = openedAt
				b.transitionLocked(ctx, StateOpen)
			}
		}
	}
	if b.state == StateOpen {
		return fmt.Errorf("op=resilience.Breaker name=%s: %w", b.name, domain.ErrBreakerOpen)
	}
	return nil
}

func (b *Breaker) observe(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccessLocked(ctx)
		return
	}
	// Only downstream-health failures count toward the window; validation
	// and barrier errors say nothing about the downstream.
	if Retryable(err, nil) || errorKind(err) == "timeout" {
		b.onFailureLocked(ctx)
	}
}

func (b *Breaker) onSuccessLocked(ctx context.Context) {
	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
		b.failures = b.failures[:0]
		b.transitionLocked(ctx, StateClosed)
	}
}

func (b *Breaker) onFailureLocked(ctx context.Context) {
	now := b.cfg.Clock.Now()
	switch b.state {
	case StateHalfOpen:
		// One failure while probing re-opens immediately.
		b.openedAt = now
		b.transitionLocked(ctx, StateOpen)
		observability.BreakerOpenTotal.WithLabelValues(b.name).Inc()
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionLocked(ctx, StateOpen)
			observability.BreakerOpenTotal.WithLabelValues(b.name).Inc()
		}
	}
}

// pruneLocked drops failure timestamps older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := sort.Search(len(b.failures), func(i int) bool { return b.failures[i].After(cutoff) })
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.cfg.Clock.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.failures = b.failures[:0]
		b.halfOpenSuccesses = 0
		b.transitionLocked(context.Background(), StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateHalfOpen || to == StateClosed {
		b.halfOpenSuccesses = 0
	}
	if to != StateOpen {
		b.openedAt = time.Time{}
	}
	observability.BreakerState.WithLabelValues(b.name).Set(float64(to))
	observability.LoggerFromContext(ctx).Warn("breaker transition",
		slog.String("downstream", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if b.cfg.Store != nil {
		if err := b.cfg.Store.SaveState(ctx, b.name, to.String(), b.openedAt); err != nil {
			observability.LoggerFromContext(ctx).Debug("breaker store save failed",
				slog.String("downstream", b.name), slog.Any("error", err))
		}
	}
}

// Registry owns one breaker per downstream name.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns a registry that mints breakers with cfg on first use.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States reports the current state per downstream for /status/breakers.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()
	out := make(map[string]string, len(names))
	for _, b := range names {
		out[b.name] = b.State().String()
	}
	return out
}
