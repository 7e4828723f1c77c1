package resilience

import "sync/atomic"

// Budget is a pool of retry tokens shared across every downstream call made
// on behalf of one inbound request. Each scheduled retry takes one token;
// once the pool is empty no component of the fan-out may sleep-and-retry
// again, so a request can never multiply its own load unboundedly.
//
// A nil *Budget is valid and means unlimited (the per-call max attempts
// still applies).
type Budget struct {
	remaining atomic.Int64
}

// NewBudget returns a budget holding n retry tokens.
func NewBudget(n int64) *Budget {
	b := &Budget{}
	b.remaining.Store(n)
	return b
}

// Take consumes one token and reports whether one was available.
func (b *Budget) Take() bool {
	if b == nil {
		return true
	}
	return b.remaining.Add(-1) >= 0
}

// Remaining returns the tokens left; negative values clamp to zero.
func (b *Budget) Remaining() int64 {
	if b == nil {
		return -1
	}
	if n := b.remaining.Load(); n > 0 {
		return n
	}
	return 0
}
