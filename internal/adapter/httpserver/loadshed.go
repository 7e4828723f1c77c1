package httpserver

import (
	"sync"

	"net/http"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// LoadShedder rejects requests at the edge once the number of requests
// inside the handler chain reaches maxInflight. Rejection is immediate, with
// a retry hint; health, readiness and metrics scrapes are exempt.
type LoadShedder struct {
	service     string
	maxInflight int

	mu       sync.Mutex
	inflight int
}

// NewLoadShedder returns an admission filter for the service.
func NewLoadShedder(service string, maxInflight int) *LoadShedder {
	return &LoadShedder{service: service, maxInflight: maxInflight}
}

// Inflight reports the current admitted count.
func (s *LoadShedder) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *LoadShedder) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight >= s.maxInflight {
		return false
	}
	s.inflight++
	return true
}

func (s *LoadShedder) release() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// Middleware is the chi middleware form of the shedder.
func (s *LoadShedder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !s.admit() {
			observability.LoadShedTotal.WithLabelValues(s.service).Inc()
			writeError(w, r, domain.ErrShed, nil)
			return
		}
		defer s.release()
		next.ServeHTTP(w, r)
	})
}
