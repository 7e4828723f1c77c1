// Package inventory implements stock reservation over Postgres with
// row-level locking and per-item idempotent reservations.
package inventory

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/service/chaos"
)

// ReserveRequest is the POST /inventory/reserve body.
type ReserveRequest struct {
	OrderID string        `json:"order_id" validate:"required"`
	Items   []ReserveItem `json:"items" validate:"required,min=1,dive"`
}

// ReserveItem is one line of a reservation request.
type ReserveItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// ReserveResponse confirms the reservation.
type ReserveResponse struct {
	OrderID        string        `json:"order_id"`
	ReservationIDs []string      `json:"reservation_ids"`
	Status         string        `json:"status"`
	Items          []ReserveItem `json:"items"`
}

// ProductResponse is the GET /inventory/{product_id} body.
type ProductResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

// Handler serves the inventory routes.
type Handler struct {
	repo  domain.InventoryRepository
	knobs *chaos.Knobs
}

// NewHandler builds the inventory handler.
func NewHandler(repo domain.InventoryRepository, knobs *chaos.Knobs) *Handler {
	return &Handler{repo: repo, knobs: knobs}
}

// Reserve handles POST /inventory/reserve. The repository takes row locks
// per product; the chaos lock-contention knob stretches the critical path to
// provoke timeouts upstream.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := observability.LoggerFromContext(ctx)

	var req ReserveRequest
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		httpserver.WriteError(w, r, err, httpserver.ErrorDetails(err))
		return
	}

	h.knobs.InjectLatency(ctx, chaos.KnobLockMS)
	if err := ctx.Err(); err != nil {
		httpserver.WriteError(w, r, fmt.Errorf("%w: reservation aborted", domain.ErrDeadlineExceeded), nil)
		return
	}
	if h.knobs.ShouldFail(ctx) {
		httpserver.WriteError(w, r, fmt.Errorf("%w: inventory temporarily unavailable", domain.ErrUnavailable), nil)
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	idemKey := r.Header.Get("Idempotency-Key")
	ids, err := h.repo.Reserve(ctx, req.OrderID, items, idemKey)
	if err != nil {
		lg.Warn("reservation failed",
			slog.String("order_id", req.OrderID),
			slog.Any("error", err))
		httpserver.WriteError(w, r, err, nil)
		return
	}
	lg.Info("reservation accepted",
		slog.String("order_id", req.OrderID),
		slog.Int("items", len(items)))
	httpserver.WriteJSON(w, http.StatusOK, ReserveResponse{
		OrderID:        req.OrderID,
		ReservationIDs: ids,
		Status:         "reserved",
		Items:          req.Items,
	})
}

// GetProduct handles GET /inventory/{product_id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "product_id")
	p, err := h.repo.GetProduct(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, r, err, nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, ProductResponse{
		ProductID: p.ID,
		Name:      p.Name,
		Stock:     p.Stock,
		Reserved:  p.Reserved,
		Available: p.Stock - p.Reserved,
	})
}
