package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// Bulkhead bounds concurrency toward one downstream. Admission waits at most
// maxWait for a slot; when none frees up the call is rejected, not queued.
type Bulkhead struct {
	name    string
	slots   chan struct{}
	maxWait time.Duration
}

// NewBulkhead returns a bulkhead of the given capacity for the named
// downstream. maxWait <= 0 means reject immediately when full.
func NewBulkhead(name string, capacity int, maxWait time.Duration) *Bulkhead {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bulkhead{name: name, slots: make(chan struct{}, capacity), maxWait: maxWait}
}

// Execute acquires a slot, runs f, and releases the slot on every exit path
// including a panic inside f.
func (b *Bulkhead) Execute(ctx context.Context, f func() error) error {
	select {
	case b.slots <- struct{}{}:
	default:
		timer := time.NewTimer(b.maxWait)
		defer timer.Stop()
		select {
		case b.slots <- struct{}{}:
		case <-ctx.Done():
			observability.BulkheadRejectionsTotal.WithLabelValues(b.name).Inc()
			return fmt.Errorf("op=resilience.Bulkhead name=%s: %w", b.name, ctx.Err())
		case <-timer.C:
			observability.BulkheadRejectionsTotal.WithLabelValues(b.name).Inc()
			return fmt.Errorf("op=resilience.Bulkhead name=%s: %w", b.name, domain.ErrBulkheadFull)
		}
	}
	defer func() { <-b.slots }()
	return f()
}

// InUse reports the currently occupied slots; used by tests and debugging.
func (b *Bulkhead) InUse() int { return len(b.slots) }
