// Package notifications ingests order events and consumes them from the
// stream with at-least-once semantics and bounded dedup state.
package notifications

import (
	"container/list"
	"sync"
	"time"

	"github.com/faultline-labs/faultline/internal/resilience"
)

// DedupSet remembers recently seen event ids. It is bounded two ways, LRU
// capacity and TTL, so an at-least-once publisher can replay for up to the
// TTL horizon without the set growing past capacity. Entries older than the
// TTL count as unseen again; the durability trade-off is documented where
// the horizon is chosen.
type DedupSet struct {
	capacity int
	ttl      time.Duration
	clock    resilience.Clock

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
}

type dedupEntry struct {
	id   string
	seen time.Time
}

// NewDedupSet builds a set with the given LRU capacity and TTL. Zero values
// fall back to 10_000 entries and 1h.
func NewDedupSet(capacity int, ttl time.Duration) *DedupSet {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupSet{
		capacity: capacity,
		ttl:      ttl,
		clock:    resilience.RealClock(),
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// WithClock swaps the clock; used by tests.
func (s *DedupSet) WithClock(c resilience.Clock) *DedupSet {
	s.clock = c
	return s
}

// Seen atomically checks and marks id. The first call for a live id returns
// false; subsequent calls within the TTL return true.
func (s *DedupSet) Seen(id string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < s.ttl {
			s.ll.MoveToFront(el)
			return true
		}
		// Expired: treat as new and refresh.
		entry.seen = now
		s.ll.MoveToFront(el)
		return false
	}
	s.entries[id] = s.ll.PushFront(&dedupEntry{id: id, seen: now})
	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		s.ll.Remove(oldest)
		delete(s.entries, oldest.Value.(*dedupEntry).id)
	}
	return false
}

// Forget removes id so a failed hand-off can be retried as new.
func (s *DedupSet) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		s.ll.Remove(el)
		delete(s.entries, id)
	}
}

// Len reports the live entry count.
func (s *DedupSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
