// Package resilience implements the fault-tolerance fabric shared by every
// service: retries with full jitter and a shared budget, circuit breakers
// with a rolling failure window, bulkheads, and deadline propagation.
package resilience

import (
	"context"
	"time"
)

// Clock abstracts time so schedules can be driven deterministically in tests.
// Now returns a wall-clock reading that also carries Go's monotonic clock, so
// durations derived from it are safe against wall-clock jumps.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until the context is done, whichever is first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the process clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rand is the randomness seam used for jitter. *rand.Rand satisfies it.
type Rand interface {
	Int63n(n int64) int64
}
