// Package httpserver contains the HTTP middleware chain shared by every
// service: panic recovery, request and correlation ids, deadline
// propagation, edge admission control, and the idempotency filter.
package httpserver

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// skipPaths bypass admission control and the idempotency filter.
var skipPaths = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// Recoverer ensures panics don't crash the server and responds 500 safely.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered", slog.Any("recover", rec))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newReqID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// RequestID stamps a per-hop request id and binds a request-scoped logger
// carrying it plus the trace ids.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = newReqID()
				r.Header.Set("X-Request-Id", reqID)
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			logger := slog.Default().With(
				slog.String("request_id", reqID),
				slog.String("trace_id", spanCtx.TraceID().String()),
			)
			ctx := observability.ContextWithLogger(r.Context(), logger)
			ctx = observability.ContextWithRequestID(ctx, reqID)
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Correlation propagates X-Correlation-ID end to end, generating one at the
// edge when absent, and rebinds the request logger to carry it.
func Correlation() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := r.Header.Get(resilience.HeaderCorrelationID)
			if cid == "" {
				cid = uuid.New().String()
				r.Header.Set(resilience.HeaderCorrelationID, cid)
			}
			logger := observability.LoggerFromContext(r.Context()).With(slog.String("correlation_id", cid))
			ctx := observability.ContextWithLogger(r.Context(), logger)
			ctx = observability.ContextWithCorrelationID(ctx, cid)
			w.Header().Set(resilience.HeaderCorrelationID, cid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Deadline installs the absolute request deadline on the context. The edge
// stamps now+edgeDeadline when the header is absent; inner services adopt
// the header. A request that arrives already expired is answered with 504
// without touching any downstream.
func Deadline(edgeDeadline time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			var dl time.Time
			if h := r.Header.Get(resilience.HeaderDeadline); h != "" {
				parsed, err := resilience.ParseDeadline(h)
				if err != nil {
					writeError(w, r, err, nil)
					return
				}
				dl = parsed
			} else {
				dl = time.Now().Add(edgeDeadline)
				r.Header.Set(resilience.HeaderDeadline, resilience.FormatDeadline(dl))
			}
			if time.Until(dl) <= 0 {
				writeError(w, r, domain.ErrDeadlineExceeded, nil)
				return
			}
			ctx, cancel := context.WithDeadline(r.Context(), dl)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog logs request/response information, tied to the correlation id.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			status := ww.Status()
			lg := observability.LoggerFromContext(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int64("duration_ms", dur.Milliseconds()),
				slog.String("correlation_id", r.Header.Get(resilience.HeaderCorrelationID)),
				slog.String("request_id", r.Header.Get("X-Request-Id")),
			}
			switch {
			case status >= 500:
				lg.LogAttrs(r.Context(), slog.LevelError, "http_access", attrs...)
			case status >= 400:
				lg.LogAttrs(r.Context(), slog.LevelWarn, "http_access", attrs...)
			default:
				lg.LogAttrs(r.Context(), slog.LevelInfo, "http_access", attrs...)
			}
		})
	}
}

// SecurityHeaders adds strict security headers suitable for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
