// Package chaos exposes runtime fault-injection knobs for the simulator
// services: injected latency and error rates, adjustable over Redis without
// a restart.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// Knob names used across the services.
const (
	KnobLatencyMS = "latency_ms"
	KnobLockMS    = "lock_contention_ms"
	KnobErrorRate = "error_rate"
)

// Knobs reads fault-injection settings from the KV with env-derived
// fallbacks. Key layout: chaos:{service}:{name} holding a float. A KV miss
// or error falls back, so chaos control never becomes an availability risk
// itself.
type Knobs struct {
	service   string
	kv        domain.KV
	fallbacks map[string]float64
	clock     resilience.Clock

	mu sync.Mutex
	r  *rand.Rand
}

// New builds the knob reader. fallbacks maps knob name to the env-configured
// default used when the KV has no override.
func New(service string, kv domain.KV, fallbacks map[string]float64) *Knobs {
	return &Knobs{
		service:   service,
		kv:        kv,
		fallbacks: fallbacks,
		clock:     resilience.RealClock(),
		r:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Fault injection does not need crypto randomness.
	}
}

// WithClock swaps the sleep clock; used by tests.
func (k *Knobs) WithClock(c resilience.Clock) *Knobs {
	k.clock = c
	return k
}

func (k *Knobs) key(name string) string {
	return "chaos:" + k.service + ":" + name
}

// Value returns the current setting for name: the KV override when present,
// the fallback otherwise.
func (k *Knobs) Value(ctx context.Context, name string) float64 {
	raw, found, err := k.kv.Get(ctx, k.key(name))
	if err != nil {
		observability.LoggerFromContext(ctx).Debug("chaos knob read failed, using fallback",
			slog.String("knob", name), slog.Any("error", err))
		return k.fallbacks[name]
	}
	if !found {
		return k.fallbacks[name]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return k.fallbacks[name]
	}
	return v
}

// ShouldFail draws against the error_rate knob (0..1).
func (k *Knobs) ShouldFail(ctx context.Context) bool {
	rate := k.Value(ctx, KnobErrorRate)
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	k.mu.Lock()
	draw := k.r.Float64()
	k.mu.Unlock()
	return draw < rate
}

// InjectLatency sleeps the configured milliseconds for name with a uniform
// ±20% jitter, honoring the request deadline.
func (k *Knobs) InjectLatency(ctx context.Context, name string) {
	ms := k.Value(ctx, name)
	if ms <= 0 {
		return
	}
	k.mu.Lock()
	factor := 0.8 + 0.4*k.r.Float64()
	k.mu.Unlock()
	d := time.Duration(ms * factor * float64(time.Millisecond))
	_ = k.clock.Sleep(ctx, d)
}

// Set stores an override; it stays until cleared.
func (k *Knobs) Set(ctx context.Context, name string, value float64) error {
	if err := k.kv.SetTTL(ctx, k.key(name), strconv.FormatFloat(value, 'f', -1, 64), 0); err != nil {
		return fmt.Errorf("op=chaos.Set knob=%s: %w", name, err)
	}
	return nil
}

// Clear removes the overrides for the given knob names.
func (k *Knobs) Clear(ctx context.Context, names ...string) error {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, k.key(n))
	}
	if err := k.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("op=chaos.Clear: %w", err)
	}
	return nil
}

// Handler serves POST/DELETE /chaos/config for the given knob names. POST
// reads each knob from its query parameter; DELETE clears all of them.
type Handler struct {
	knobs *Knobs
	names []string
}

// NewHandler builds the /chaos/config handler; names are the knobs this
// service accepts (also its query parameter names).
func NewHandler(knobs *Knobs, names ...string) *Handler {
	return &Handler{knobs: knobs, names: names}
}

// Configure handles POST /chaos/config.
func (h *Handler) Configure(w http.ResponseWriter, r *http.Request) {
	applied := map[string]float64{}
	for _, name := range h.names {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			httpserver.WriteError(w, r, fmt.Errorf("knob %s must be a non-negative number: %w", name, domain.ErrInvalidArgument), nil)
			return
		}
		if err := h.knobs.Set(r.Context(), name, v); err != nil {
			httpserver.WriteError(w, r, fmt.Errorf("%w: chaos store unavailable", domain.ErrUnavailable), nil)
			return
		}
		applied[name] = v
	}
	observability.LoggerFromContext(r.Context()).Info("chaos config updated",
		slog.String("service", h.knobs.service), slog.Any("knobs", applied))
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "configured", "knobs": applied})
}

// Reset handles DELETE /chaos/config.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.knobs.Clear(r.Context(), h.names...); err != nil {
		httpserver.WriteError(w, r, fmt.Errorf("%w: chaos store unavailable", domain.ErrUnavailable), nil)
		return
	}
	observability.LoggerFromContext(r.Context()).Info("chaos config cleared",
		slog.String("service", h.knobs.service))
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}
