// Package gateway is the public edge: admission control, per-downstream
// breakers, and a thin resilient proxy onto the orders service.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/resilience"
)

const maxProxyBody = 1 << 20

// Handler proxies the order routes and reports breaker state.
type Handler struct {
	orders   *httpclient.Caller
	registry *resilience.Registry
}

// NewHandler builds the gateway handler. registry holds the breakers for
// every known downstream so /status/breakers can report them even before
// first use.
func NewHandler(orders *httpclient.Caller, registry *resilience.Registry) *Handler {
	return &Handler{orders: orders, registry: registry}
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		httpserver.WriteError(w, r, domain.ErrInvalidArgument, nil)
		return
	}
	h.relay(w, r, "create_order", http.MethodPost, "/orders", json.RawMessage(body))
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "get_order", http.MethodGet, "/orders/"+chi.URLParam(r, "id"), nil)
}

// ListOrders handles GET /orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	path := "/orders"
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	h.relay(w, r, "list_orders", http.MethodGet, path, nil)
}

// relay forwards one call and writes the downstream's reply verbatim. The
// caller's idempotency key travels with the request so the orders service
// collapses gateway-level retries.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, op, method, path string, body any) {
	var opts []httpclient.CallOption
	if key := r.Header.Get(resilience.HeaderIdempotencyKey); key != "" {
		opts = append(opts, httpclient.WithIdempotencyKey(key))
	}
	resp, err := h.orders.Do(r.Context(), op, method, path, body, opts...)
	if err != nil {
		var he *domain.HTTPError
		switch {
		case errors.As(err, &he):
			// The downstream produced a real reply; pass it through.
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(he.Status)
			_, _ = w.Write([]byte(he.Body))
		case errors.Is(err, domain.ErrBreakerOpen),
			errors.Is(err, domain.ErrBulkheadFull),
			errors.Is(err, domain.ErrDeadlineExceeded):
			httpserver.WriteError(w, r, err, nil)
		default:
			httpserver.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"error": map[string]string{
					"code":    "BAD_GATEWAY",
					"message": "orders service unreachable",
				},
			})
		}
		return
	}
	if replayed := resp.Header.Get(resilience.HeaderReplayed); replayed != "" {
		w.Header().Set(resilience.HeaderReplayed, replayed)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// BreakerStatus handles GET /status/breakers.
func (h *Handler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.registry.States())
}
