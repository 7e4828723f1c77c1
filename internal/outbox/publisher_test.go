package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// cycleResult scripts one ProcessBatch call of the fake repository.
type cycleResult struct {
	events  []domain.OutboxEvent
	err     error
	pending int64
}

type fakeOutboxRepo struct {
	mu      sync.Mutex
	cycles  []cycleResult
	i       int
	deleted []time.Time
}

func (f *fakeOutboxRepo) ProcessBatch(ctx domain.Context, _ int, deliver func(domain.Context, domain.OutboxEvent) error) (int, int, error) {
	f.mu.Lock()
	if f.i >= len(f.cycles) {
		f.mu.Unlock()
		return 0, 0, nil
	}
	c := f.cycles[f.i]
	f.i++
	f.mu.Unlock()
	if c.err != nil {
		return 0, 0, c.err
	}
	published := 0
	for _, e := range c.events {
		if deliver(ctx, e) == nil {
			published++
		}
	}
	return len(c.events), published, nil
}

func (f *fakeOutboxRepo) PendingCount(domain.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i == 0 || f.i > len(f.cycles) {
		return 0, nil
	}
	return f.cycles[f.i-1].pending, nil
}

func (f *fakeOutboxRepo) DeletePublishedBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, cutoff)
	return 3, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []domain.OutboxEvent
	failTypes map[string]bool
}

func (f *fakeBus) Publish(_ domain.Context, e domain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTypes[e.EventType] {
		return errors.New("downstream down")
	}
	f.published = append(f.published, e)
	return nil
}

// stepClock records requested sleeps and cancels the context once the script
// is exhausted so Run returns.
type stepClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (c *stepClock) Now() time.Time                { return time.Unix(1700000000, 0) }
func (c *stepClock) Since(time.Time) time.Duration { return 0 }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	done := len(c.sleeps) >= c.limit
	c.mu.Unlock()
	if done {
		c.cancel()
	}
	return ctx.Err()
}

func runPublisher(t *testing.T, repo *fakeOutboxRepo, bus *fakeBus, steps int) *stepClock {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clock := &stepClock{limit: steps, cancel: cancel}
	p := New("orders", repo, bus, Config{
		BatchSize:  50,
		IdleSleep:  time.Second,
		ErrorSleep: 5 * time.Second,
		Clock:      clock,
	})
	p.Run(ctx)
	return clock
}

func Test_Publisher_DeliversAndMarks(t *testing.T) {
	repo := &fakeOutboxRepo{cycles: []cycleResult{
		{events: []domain.OutboxEvent{
			{ID: "e1", EventType: "order_created", AggregateID: "o1", Payload: []byte(`{}`)},
			{ID: "e2", EventType: "order_status_updated", AggregateID: "o1", Payload: []byte(`{}`)},
		}},
	}}
	bus := &fakeBus{}
	runPublisher(t, repo, bus, 2)
	require.Len(t, bus.published, 2)
	require.Equal(t, "e1", bus.published[0].ID)
}

func Test_Publisher_IdleSleepOnEmptyPoll(t *testing.T) {
	repo := &fakeOutboxRepo{}
	clock := runPublisher(t, repo, &fakeBus{}, 1)
	require.Equal(t, []time.Duration{time.Second}, clock.sleeps)
}

func Test_Publisher_ErrorSleepOnCycleError(t *testing.T) {
	repo := &fakeOutboxRepo{cycles: []cycleResult{{err: errors.New("db down")}}}
	clock := runPublisher(t, repo, &fakeBus{}, 1)
	require.Equal(t, []time.Duration{5 * time.Second}, clock.sleeps)
}

func Test_Publisher_ErrorSleepOnPartialDelivery(t *testing.T) {
	repo := &fakeOutboxRepo{cycles: []cycleResult{
		{events: []domain.OutboxEvent{
			{ID: "e1", EventType: "order_created", AggregateID: "o1", Payload: []byte(`{}`)},
			{ID: "e2", EventType: "stuck_type", AggregateID: "o2", Payload: []byte(`{}`)},
		}},
	}}
	bus := &fakeBus{failTypes: map[string]bool{"stuck_type": true}}
	clock := runPublisher(t, repo, bus, 1)
	require.Equal(t, []time.Duration{5 * time.Second}, clock.sleeps)
	require.Len(t, bus.published, 1, "delivered rows are still marked, the stuck one stays")
}

func Test_Publisher_NoSleepAfterFullBatch(t *testing.T) {
	repo := &fakeOutboxRepo{cycles: []cycleResult{
		{events: []domain.OutboxEvent{{ID: "e1", EventType: "order_created", Payload: []byte(`{}`)}}},
	}}
	clock := runPublisher(t, repo, &fakeBus{}, 2)
	require.Equal(t, time.Duration(0), clock.sleeps[0], "a full cycle polls again immediately")
}

func Test_Publisher_RefreshesPendingGauge(t *testing.T) {
	repo := &fakeOutboxRepo{cycles: []cycleResult{{pending: 7}}}
	runPublisher(t, repo, &fakeBus{}, 1)
	gauge := observability.OutboxPending.WithLabelValues("orders")
	require.Equal(t, float64(7), testutil.ToFloat64(gauge))
}

func Test_Publisher_CleanupUsesRetentionCutoff(t *testing.T) {
	repo := &fakeOutboxRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	clock := &stepClock{limit: 2, cancel: cancel}
	p := New("orders", repo, &fakeBus{}, Config{
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		Clock:           clock,
	})
	p.RunCleanup(ctx)
	// Sleep 1 returns nil so one cleanup runs; sleep 2 cancels and exits.
	require.Equal(t, []time.Duration{24 * time.Hour, 24 * time.Hour}, clock.sleeps)
	require.Len(t, repo.deleted, 1)
	require.Equal(t, clock.Now().Add(-7*24*time.Hour), repo.deleted[0])
}
