package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
)

// Headers carried on every inter-service call.
const (
	HeaderDeadline       = "X-Request-Deadline"
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "X-Idempotency-Replayed"
)

// ParseDeadline decodes the X-Request-Deadline wire form: an absolute Unix
// timestamp in seconds, fractional allowed.
func ParseDeadline(value string) (time.Time, error) {
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=resilience.ParseDeadline: %w: bad deadline header", domain.ErrInvalidArgument)
	}
	sec := int64(secs)
	nsec := int64((secs - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), nil
}

// FormatDeadline encodes an absolute deadline for the header.
func FormatDeadline(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}

// Remaining returns the time left before the context deadline, or def when
// the context carries none.
func Remaining(ctx context.Context, def time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return def
	}
	return time.Until(dl)
}

// HopTimeout caps a per-hop timeout by the remaining request deadline:
// min(local, deadline-now), never negative. A zero result means the deadline
// has already passed and the hop must not be attempted.
func HopTimeout(ctx context.Context, local time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return local
	}
	rem := time.Until(dl)
	if rem <= 0 {
		return 0
	}
	if rem < local {
		return rem
	}
	return local
}
