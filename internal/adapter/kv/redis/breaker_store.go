package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/faultline-labs/faultline/internal/resilience"
)

// BreakerStore shares circuit breaker trip state across replicas through a
// Redis hash per downstream. It is strictly best-effort: breakers swallow
// every error here and fall back to replica-local state.
type BreakerStore struct {
	client *Client
	ttl    time.Duration
}

var _ resilience.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore returns a store whose entries expire after ttl so a
// crashed replica cannot pin a breaker open forever.
func NewBreakerStore(client *Client, ttl time.Duration) *BreakerStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BreakerStore{client: client, ttl: ttl}
}

func breakerKey(name string) string { return "breaker:" + name }

// LoadOpen reports whether any replica has the named breaker open.
func (s *BreakerStore) LoadOpen(ctx context.Context, name string) (time.Time, bool, error) {
	vals, err := s.client.rdb.HGetAll(ctx, breakerKey(name)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=redis.BreakerStore.LoadOpen: %w", err)
	}
	if vals["state"] != "open" {
		return time.Time{}, false, nil
	}
	secs, err := strconv.ParseFloat(vals["opened_at"], 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=redis.BreakerStore.LoadOpen: %w", err)
	}
	sec := int64(secs)
	nsec := int64((secs - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), true, nil
}

// SaveState records the replica's view of the breaker.
func (s *BreakerStore) SaveState(ctx context.Context, name, state string, openedAt time.Time) error {
	key := breakerKey(name)
	openedAtSecs := "0"
	if !openedAt.IsZero() {
		openedAtSecs = strconv.FormatFloat(float64(openedAt.UnixNano())/float64(time.Second), 'f', 6, 64)
	}
	pipe := s.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", state, "opened_at", openedAtSecs)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redis.BreakerStore.SaveState: %w", err)
	}
	return nil
}
