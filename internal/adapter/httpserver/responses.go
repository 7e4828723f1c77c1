package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/faultline-labs/faultline/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSON is the envelope writer used by the service handlers.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) { writeJSON(w, status, v) }

// retryAfterSeconds are the hints attached to barrier rejections.
const (
	retryAfterShed     = 5
	retryAfterConflict = 2
	retryAfterBulkhead = 2
	retryAfterBreaker  = 30
)

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	retryAfter := 0
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrIdempotencyInFlight):
		code = http.StatusConflict
		codeStr = "IDEMPOTENCY_IN_FLIGHT"
		retryAfter = retryAfterConflict
	case errors.Is(err, domain.ErrInsufficientStock):
		code = http.StatusConflict
		codeStr = "INSUFFICIENT_STOCK"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrShed):
		code = http.StatusTooManyRequests
		codeStr = "LOAD_SHED"
		retryAfter = retryAfterShed
	case errors.Is(err, domain.ErrBreakerOpen):
		code = http.StatusServiceUnavailable
		codeStr = "BREAKER_OPEN"
		retryAfter = retryAfterBreaker
	case errors.Is(err, domain.ErrBulkheadFull):
		code = http.StatusServiceUnavailable
		codeStr = "BULKHEAD_FULL"
		retryAfter = retryAfterBulkhead
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UNAVAILABLE"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		code = http.StatusGatewayTimeout
		codeStr = "DEADLINE_EXCEEDED"
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// WriteError maps domain errors onto the HTTP error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	writeError(w, r, err, details)
}
