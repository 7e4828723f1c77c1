// Package payments implements the charge simulator: a fast in-memory
// payment processor with idempotent replay and runtime chaos knobs.
package payments

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/service/chaos"
)

const idemTTL = 24 * time.Hour

// ChargeRequest is the POST /payments/charge body.
type ChargeRequest struct {
	OrderID string       `json:"order_id" validate:"required"`
	Amount  domain.Cents `json:"amount"`
}

// ChargeResponse is the charge result; replays return the stored copy
// byte-for-byte.
type ChargeResponse struct {
	TransactionID string       `json:"transaction_id"`
	OrderID       string       `json:"order_id"`
	Amount        domain.Cents `json:"amount"`
	Status        string       `json:"status"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Handler serves the payments routes.
type Handler struct {
	kv    domain.KV
	knobs *chaos.Knobs
}

// NewHandler builds the payments handler on the shared KV and chaos knobs.
func NewHandler(kv domain.KV, knobs *chaos.Knobs) *Handler {
	return &Handler{kv: kv, knobs: knobs}
}

func idemCacheKey(key string) string { return "idem:payments:" + key }

// Charge handles POST /payments/charge. Duplicate keys replay the original
// transaction instead of charging twice.
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := observability.LoggerFromContext(ctx)

	var req ChargeRequest
	if err := httpserver.DecodeAndValidate(r, &req); err != nil {
		httpserver.WriteError(w, r, err, httpserver.ErrorDetails(err))
		return
	}
	if req.Amount <= 0 {
		httpserver.WriteError(w, r, fmt.Errorf("amount must be positive: %w", domain.ErrInvalidArgument), nil)
		return
	}

	// Explicit replay check on the service's own cache, independent of the
	// edge middleware: the orders fan-out retries must never double-charge.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if cached, found, err := h.kv.Get(ctx, idemCacheKey(idemKey)); err == nil && found {
			var prev ChargeResponse
			if json.Unmarshal([]byte(cached), &prev) == nil {
				observability.DuplicateWriteTotal.WithLabelValues("payments", "charge").Inc()
				lg.Info("charge replayed",
					slog.String("order_id", prev.OrderID),
					slog.String("transaction_id", prev.TransactionID))
				w.Header().Set("X-Idempotency-Replayed", "true")
				httpserver.WriteJSON(w, http.StatusOK, prev)
				return
			}
		}
	}

	h.knobs.InjectLatency(ctx, chaos.KnobLatencyMS)
	if err := ctx.Err(); err != nil {
		httpserver.WriteError(w, r, fmt.Errorf("%w: charge aborted", domain.ErrDeadlineExceeded), nil)
		return
	}
	if h.knobs.ShouldFail(ctx) {
		httpserver.WriteError(w, r, fmt.Errorf("%w: payment processor temporarily unavailable", domain.ErrUnavailable), nil)
		return
	}

	resp := ChargeResponse{
		TransactionID: uuid.NewString(),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Status:        "charged",
		Timestamp:     time.Now().UTC(),
	}
	if idemKey != "" {
		if raw, err := json.Marshal(resp); err == nil {
			if err := h.kv.SetTTL(ctx, idemCacheKey(idemKey), string(raw), idemTTL); err != nil {
				lg.Warn("charge idempotency store failed", slog.Any("error", err))
			}
		}
	}
	lg.Info("charge accepted",
		slog.String("order_id", req.OrderID),
		slog.String("transaction_id", resp.TransactionID),
		slog.String("amount", req.Amount.String()))
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// GetTransaction handles GET /payments/{transaction_id}. The simulator keeps
// no transaction store beyond the idempotency cache, so a well-formed id
// simply echoes as charged.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transaction_id")
	if _, err := uuid.Parse(txID); err != nil {
		httpserver.WriteError(w, r, fmt.Errorf("malformed transaction id: %w", domain.ErrInvalidArgument), nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{
		"transaction_id": txID,
		"status":         "charged",
	})
}
