package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

const maxIdempotencyKeyLen = 256

// Idempotency collapses duplicate mutating requests carrying the same
// Idempotency-Key: a pre-request response cache replays completed requests
// and a single-flight lock serializes concurrent ones. The filter fails
// open when the KV is unavailable; the durable unique index in the
// aggregate store remains the last line of defense.
type Idempotency struct {
	service string
	kv      domain.KV
	ttl     time.Duration
	lockTTL time.Duration
}

// NewIdempotency builds the filter. ttl bounds the response cache (default
// 24h); lockTTL bounds the single-flight lock so a crashed replica cannot
// poison a key (default 30s).
func NewIdempotency(service string, kv domain.KV, ttl, lockTTL time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Idempotency{service: service, kv: kv, ttl: ttl, lockTTL: lockTTL}
}

func cacheKey(key string) string { return "idempotency:" + key }
func lockKey(key string) string  { return "idempotency_lock:" + key }

// snapshot is the cached response: status and body replayed verbatim.
type snapshot struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// recordingWriter buffers the response while writing it through.
type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Middleware is the chi middleware form of the filter.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(resilience.HeaderIdempotencyKey)
		if key == "" || !mutating(r.Method) || skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, r, fmt.Errorf("idempotency key exceeds %d bytes: %w", maxIdempotencyKeyLen, domain.ErrInvalidArgument), nil)
			return
		}
		ctx := r.Context()
		lg := observability.LoggerFromContext(ctx)

		cached, found, err := i.kv.Get(ctx, cacheKey(key))
		if err != nil {
			// Fail open: availability over duplicate suppression. The durable
			// unique index downstream still collapses true duplicates.
			lg.Warn("idempotency cache unavailable, passing through", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if found {
			var snap snapshot
			if err := json.Unmarshal([]byte(cached), &snap); err == nil {
				observability.IdempotencyHitsTotal.WithLabelValues(i.service).Inc()
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(resilience.HeaderReplayed, "true")
				w.WriteHeader(snap.Status)
				_, _ = w.Write([]byte(snap.Body))
				return
			}
			lg.Warn("idempotency cache entry corrupt, reprocessing", slog.String("key", key))
		}

		acquired, err := i.kv.SetNX(ctx, lockKey(key), "1", i.lockTTL)
		if err != nil {
			lg.Warn("idempotency lock unavailable, passing through", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if !acquired {
			observability.IdempotencyConflictsTotal.WithLabelValues(i.service).Inc()
			writeError(w, r, fmt.Errorf("request with this key is being processed: %w", domain.ErrIdempotencyInFlight), nil)
			return
		}
		defer i.releaseLock(key)

		rec := &recordingWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		// Only successful completions are cached; a failed request must stay
		// retryable by the client.
		if rec.status >= 200 && rec.status < 300 {
			body, err := json.Marshal(snapshot{Status: rec.status, Body: rec.buf.String()})
			if err == nil {
				if err := i.kv.SetTTL(ctx, cacheKey(key), string(body), i.ttl); err != nil {
					lg.Warn("idempotency cache store failed", slog.Any("error", err))
				}
			}
		}
	})
}

// releaseLock runs off the request context: the lock must be released even
// when the request deadline has already expired.
func (i *Idempotency) releaseLock(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := i.kv.Del(ctx, lockKey(key)); err != nil {
		slog.Warn("idempotency lock release failed; ttl will expire it", slog.Any("error", err))
	}
}
