package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
)

// readyCheckTimeout bounds each dependency probe so a hung dependency cannot
// hang the readiness endpoint itself.
const readyCheckTimeout = 2 * time.Second

// Check verifies one dependency for the readiness endpoint.
type Check func(ctx context.Context) error

// Pinger is the minimal interface shared by the pgx pool and the Redis
// client wrapper; readiness only needs Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// PingCheck adapts any Pinger into a readiness check.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("not configured")
		}
		return p.Ping(ctx)
	}
}

// HealthHandler answers liveness probes. It reports only that the process is
// up; dependency state belongs to /ready.
func HealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": service,
		})
	}
}

// ReadyHandler probes every registered dependency and reports 503 with the
// per-dependency outcome when any of them fails.
func ReadyHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				healthy = false
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		status := http.StatusOK
		state := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		httpserver.WriteJSON(w, status, map[string]any{
			"status": state,
			"checks": results,
		})
	}
}
