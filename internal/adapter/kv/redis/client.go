// Package redis implements the KV port on go-redis: the idempotency cache
// and single-flight locks, the notification stream with consumer groups,
// chaos knobs, and the optional cross-replica breaker state.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/faultline-labs/faultline/internal/domain"
)

// Client wraps a go-redis client behind the domain.KV port.
type Client struct {
	rdb goredis.UniversalClient
}

var _ domain.KV = (*Client)(nil)

// New connects using a redis:// URL.
func New(url string) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.New: %w", err)
	}
	return &Client{rdb: goredis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client; tests pass a miniredis-backed one.
func NewFromClient(rdb goredis.UniversalClient) *Client { return &Client{rdb: rdb} }

// Ping verifies connectivity; readiness checks call it.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redis.Ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Get returns the value and whether the key exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=redis.Get key=%s: %w", key, err)
	}
	return v, true, nil
}

// SetTTL stores a value with expiry; ttl <= 0 persists.
func (c *Client) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=redis.SetTTL key=%s: %w", key, err)
	}
	return nil
}

// SetNX sets the key only if absent and reports whether it was acquired.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.SetNX key=%s: %w", key, err)
	}
	return ok, nil
}

// Del removes the given keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=redis.Del: %w", err)
	}
	return nil
}

// StreamAppend appends fields to the stream and returns the broker id.
func (c *Client) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("op=redis.StreamAppend stream=%s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group, creating the stream when missing.
// An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=redis.EnsureGroup stream=%s group=%s: %w", stream, group, err)
	}
	return nil
}

// StreamReadGroup reads up to count undelivered messages for the consumer,
// blocking up to block. An empty read returns no messages and no error.
func (c *Client) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		// block <= 0 reads without blocking; a zero Block would block forever.
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}
	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redis.StreamReadGroup stream=%s: %w", stream, err)
	}
	var out []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, domain.StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

// StreamAck acknowledges delivered messages for the group.
func (c *Client) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("op=redis.StreamAck stream=%s: %w", stream, err)
	}
	return nil
}
