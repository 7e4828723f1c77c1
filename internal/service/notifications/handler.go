package notifications

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/faultline-labs/faultline/internal/adapter/bus"
	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// Stream topology.
const (
	StreamName   = "notifications:events"
	defaultLimit = 50
)

// LogEntry is one record of the bounded in-memory event log.
type LogEntry struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// eventLog keeps the most recent entries, oldest dropped first.
type eventLog struct {
	capacity int

	mu      sync.Mutex
	entries []LogEntry
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &eventLog{capacity: capacity}
}

func (l *eventLog) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// list returns up to limit entries, newest last.
func (l *eventLog) list(limit int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]LogEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

// Handler serves the notifications routes and owns the ingest dedup state.
type Handler struct {
	kv       domain.KV
	log      *eventLog
	ingested *DedupSet
}

// NewHandler builds the handler. logCapacity bounds the in-memory event log;
// dedupCapacity/dedupTTL bound the ingest dedup set.
func NewHandler(kv domain.KV, logCapacity, dedupCapacity int, dedupTTL time.Duration) *Handler {
	return &Handler{
		kv:       kv,
		log:      newEventLog(logCapacity),
		ingested: NewDedupSet(dedupCapacity, dedupTTL),
	}
}

// Ingest handles POST /events. Duplicates (outbox redelivery) acknowledge
// without re-recording; new events enter the log and the stream.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := observability.LoggerFromContext(ctx)

	var env bus.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpserver.WriteError(w, r, fmt.Errorf("invalid event body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if env.EventType == "" || env.AggregateID == "" {
		httpserver.WriteError(w, r, fmt.Errorf("event_type and aggregate_id are required: %w", domain.ErrInvalidArgument), nil)
		return
	}
	eventID := env.EventID
	if eventID == "" {
		eventID = env.EventType + ":" + env.AggregateID
	}

	if h.ingested.Seen(eventID) {
		observability.DuplicateWriteTotal.WithLabelValues("notifications", "ingest").Inc()
		w.Header().Set(resilience.HeaderReplayed, "true")
		httpserver.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "already_processed", "event_id": eventID})
		return
	}

	if _, err := h.kv.StreamAppend(ctx, StreamName, map[string]string{
		"event_id":     eventID,
		"event_type":   env.EventType,
		"aggregate_id": env.AggregateID,
		"payload":      string(env.Payload),
	}); err != nil {
		// Un-mark so the outbox redelivery is treated as new next time.
		h.ingested.Forget(eventID)
		lg.Error("stream append failed", slog.String("event_id", eventID), slog.Any("error", err))
		httpserver.WriteError(w, r, fmt.Errorf("%w: event stream unavailable", domain.ErrUnavailable), nil)
		return
	}
	h.log.append(LogEntry{
		EventID:     eventID,
		EventType:   env.EventType,
		AggregateID: env.AggregateID,
		Payload:     env.Payload,
		ReceivedAt:  time.Now().UTC(),
	})
	lg.Info("event ingested",
		slog.String("event_id", eventID),
		slog.String("event_type", env.EventType),
		slog.String("aggregate_id", env.AggregateID))
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": eventID})
}

// ListEvents handles GET /events?limit=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpserver.WriteError(w, r, fmt.Errorf("limit must be a positive integer: %w", domain.ErrInvalidArgument), nil)
			return
		}
		limit = n
	}
	entries := h.log.list(limit)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}
