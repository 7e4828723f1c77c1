package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names and labels are part of the interface contract consumed by the
// load and chaos analysis dashboards; do not rename them.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "route", "method", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service", "route", "method"},
	)

	DownstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downstream_requests_total",
			Help: "Total number of downstream calls attempted",
		},
		[]string{"from", "to", "op"},
	)
	DownstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downstream_errors_total",
			Help: "Total number of downstream call failures by error type",
		},
		[]string{"from", "to", "op", "error_type"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retries scheduled by the retry engine",
		},
		[]string{"service", "op"},
	)

	// BreakerState reports {closed=0, open=1, half_open=2} and always equals
	// the in-memory state.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per downstream (0 closed, 1 open, 2 half-open)",
		},
		[]string{"downstream"},
	)
	BreakerOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_open_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"downstream"},
	)

	BulkheadRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkhead_rejections_total",
			Help: "Total number of calls rejected because the bulkhead was full",
		},
		[]string{"downstream"},
	)

	IdempotencyHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_hits_total",
			Help: "Total number of idempotent replays served from cache",
		},
		[]string{"service"},
	)
	IdempotencyConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Total number of in-flight idempotency conflicts",
		},
		[]string{"service"},
	)

	LoadShedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "load_shed_total",
			Help: "Total number of requests rejected by admission control",
		},
		[]string{"service"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events published",
		},
		[]string{"service", "event_type"},
	)
	OutboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Outbox events not yet published",
		},
		[]string{"service"},
	)

	DuplicateWriteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicate_write_total",
			Help: "Total number of duplicate writes collapsed by consumers",
		},
		[]string{"service", "op"},
	)

	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DownstreamRequestsTotal)
	prometheus.MustRegister(DownstreamErrorsTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerOpenTotal)
	prometheus.MustRegister(BulkheadRejectionsTotal)
	prometheus.MustRegister(IdempotencyHitsTotal)
	prometheus.MustRegister(IdempotencyConflictsTotal)
	prometheus.MustRegister(LoadShedTotal)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxPending)
	prometheus.MustRegister(DuplicateWriteTotal)
	prometheus.MustRegister(OrdersCreatedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start).Seconds()
			// Route pattern may be unavailable outside chi router; guard nil
			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			HTTPRequestsTotal.WithLabelValues(service, route, r.Method, strconv.Itoa(ww.Status())).Inc()
			RequestDuration.WithLabelValues(service, route, r.Method).Observe(dur)
		})
	}
}
