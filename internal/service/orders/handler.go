package orders

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/resilience"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// CreateOrderRequest is the POST /orders body. The idempotency_key field is
// a fallback for clients that cannot set the header; the header wins.
type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id" validate:"required"`
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// OrderItemRequest is one order line; unit_price is a decimal amount.
type OrderItemRequest struct {
	ProductID string       `json:"product_id" validate:"required"`
	Quantity  int          `json:"quantity" validate:"gt=0"`
	UnitPrice domain.Cents `json:"unit_price"`
}

// OrderResponse is the order resource.
type OrderResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	Items       []OrderItemResponse `json:"items"`
	TotalAmount domain.Cents        `json:"total_amount"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// OrderItemResponse is one order line on the wire.
type OrderItemResponse struct {
	ProductID string       `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UnitPrice domain.Cents `json:"unit_price"`
}

func toResponse(o domain.Order) OrderResponse {
	items := make([]OrderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResponse{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return OrderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		Items:       items,
		TotalAmount: o.TotalAmount,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

// Handler serves the orders routes.
type Handler struct {
	orc *Orchestrator
}

// NewHandler builds the orders handler.
func NewHandler(orc *Orchestrator) *Handler { return &Handler{orc: orc} }

// Create handles POST /orders: 201 when the order confirms, 202 for any
// other terminal outcome, the full resource either way.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		httpserver.WriteError(w, r, err, httpserver.ErrorDetails(err))
		return
	}
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.UnitPrice <= 0 {
			httpserver.WriteError(w, r,
				fmt.Errorf("unit_price must be positive for %s: %w", it.ProductID, domain.ErrInvalidArgument), nil)
			return
		}
		items = append(items, domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	idemKey := r.Header.Get(resilience.HeaderIdempotencyKey)
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}
	order, replayed, err := h.orc.CreateOrder(r.Context(), req.CustomerID, items, idemKey)
	if err != nil {
		httpserver.WriteError(w, r, err, nil)
		return
	}
	if replayed {
		w.Header().Set(resilience.HeaderReplayed, "true")
	}
	status := http.StatusAccepted
	if order.Status == domain.OrderConfirmed {
		status = http.StatusCreated
	}
	httpserver.WriteJSON(w, status, toResponse(order))
}

// Get handles GET /orders/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	order, err := h.orc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.WriteError(w, r, err, nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toResponse(order))
}

// List handles GET /orders?limit=N.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpserver.WriteError(w, r, fmt.Errorf("limit must be a positive integer: %w", domain.ErrInvalidArgument), nil)
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.orc.List(r.Context(), limit)
	if err != nil {
		httpserver.WriteError(w, r, err, nil)
		return
	}
	out := make([]OrderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toResponse(o))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"orders": out, "count": len(out)})
}
