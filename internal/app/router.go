// Package app assembles one chi router per service: the shared middleware
// chain, the service's routes, and the health/ready/metrics endpoints every
// binary exposes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/config"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/service/chaos"
	"github.com/faultline-labs/faultline/internal/service/gateway"
	"github.com/faultline-labs/faultline/internal/service/inventory"
	"github.com/faultline-labs/faultline/internal/service/notifications"
	"github.com/faultline-labs/faultline/internal/service/orders"
	"github.com/faultline-labs/faultline/internal/service/payments"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// newBase builds the middleware chain every service shares. The deadline
// middleware stamps now+EdgeDeadline when no deadline header arrived, so the
// same chain serves both the edge and the inner services.
func newBase(cfg config.Config, service string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.Correlation())
	r.Use(httpserver.Deadline(cfg.EdgeDeadline))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware(service))
	return r
}

// mountOps adds the health, readiness and scrape endpoints.
func mountOps(r chi.Router, service string, checks map[string]Check) {
	r.Get("/health", HealthHandler(service))
	r.Get("/ready", ReadyHandler(checks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// GatewayRouter is the public edge: CORS, per-IP rate limiting and load
// shedding sit in front of the proxy routes.
func GatewayRouter(cfg config.Config, h *gateway.Handler, shed *httpserver.LoadShedder, checks map[string]Check) http.Handler {
	r := newBase(cfg, "gateway")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Correlation-ID", "X-Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(shed.Middleware)

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/orders", h.CreateOrder)
	})
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/status/breakers", h.BreakerStatus)

	mountOps(r, "gateway", checks)
	return httpserver.SecurityHeaders(r)
}

// OrdersRouter wires the orchestration routes behind the idempotency filter.
func OrdersRouter(cfg config.Config, h *orders.Handler, idem *httpserver.Idempotency, checks map[string]Check) http.Handler {
	r := newBase(cfg, "orders")
	r.Use(idem.Middleware)

	r.Post("/orders", h.Create)
	r.Get("/orders", h.List)
	r.Get("/orders/{id}", h.Get)

	mountOps(r, "orders", checks)
	return httpserver.SecurityHeaders(r)
}

// PaymentsRouter wires the charge routes plus the chaos knob endpoints.
func PaymentsRouter(cfg config.Config, h *payments.Handler, chaosH *chaos.Handler, checks map[string]Check) http.Handler {
	r := newBase(cfg, "payments")

	r.Post("/payments/charge", h.Charge)
	r.Get("/payments/{transaction_id}", h.GetTransaction)
	r.Post("/chaos/config", chaosH.Configure)
	r.Delete("/chaos/config", chaosH.Reset)

	mountOps(r, "payments", checks)
	return httpserver.SecurityHeaders(r)
}

// InventoryRouter wires the reservation routes plus the chaos knob endpoints.
func InventoryRouter(cfg config.Config, h *inventory.Handler, chaosH *chaos.Handler, checks map[string]Check) http.Handler {
	r := newBase(cfg, "inventory")

	r.Post("/inventory/reserve", h.Reserve)
	r.Get("/inventory/{product_id}", h.GetProduct)
	r.Post("/chaos/config", chaosH.Configure)
	r.Delete("/chaos/config", chaosH.Reset)

	mountOps(r, "inventory", checks)
	return httpserver.SecurityHeaders(r)
}

// NotificationsRouter wires the event ingest and inspection routes.
func NotificationsRouter(cfg config.Config, h *notifications.Handler, checks map[string]Check) http.Handler {
	r := newBase(cfg, "notifications")

	r.Post("/events", h.Ingest)
	r.Get("/events", h.ListEvents)

	mountOps(r, "notifications", checks)
	return httpserver.SecurityHeaders(r)
}
