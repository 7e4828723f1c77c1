package notifications

import (
	"context"
	"log/slog"
	"time"

	"github.com/faultline-labs/faultline/internal/adapter/bus"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// GroupName is the stream consumer group every replica joins.
const GroupName = "notifications-group"

// Processor is the delivery endpoint shared by the Redis stream consumer and
// the Kafka poller: dedup on event id, then the notification side effect
// (a structured log record in this testbed).
type Processor struct {
	processed *DedupSet
}

// NewProcessor builds a processor with a bounded processed set.
func NewProcessor(capacity int, ttl time.Duration) *Processor {
	return &Processor{processed: NewDedupSet(capacity, ttl)}
}

// Process handles one delivered event. Duplicates are counted and skipped;
// the return is always nil because a duplicate is a success, not a failure.
func (p *Processor) Process(ctx context.Context, env bus.Envelope) error {
	lg := observability.LoggerFromContext(ctx)
	if env.EventID == "" {
		env.EventID = env.EventType + ":" + env.AggregateID
	}
	if p.processed.Seen(env.EventID) {
		observability.DuplicateWriteTotal.WithLabelValues("notifications", "consume").Inc()
		lg.Debug("duplicate event acknowledged", slog.String("event_id", env.EventID))
		return nil
	}
	lg.Info("notification sent",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("aggregate_id", env.AggregateID),
		slog.String("payload", string(env.Payload)))
	return nil
}

// Consumer reads the notifications stream through the consumer group and
// feeds each message to the processor, acking after processing.
type Consumer struct {
	kv        domain.KV
	processor *Processor
	consumer  string
	count     int
	block     time.Duration
	clock     resilience.Clock
}

// NewConsumer builds the stream consumer; consumer names this replica within
// the group.
func NewConsumer(kv domain.KV, processor *Processor, consumer string) *Consumer {
	return &Consumer{
		kv:        kv,
		processor: processor,
		consumer:  consumer,
		count:     10,
		block:     time.Second,
		clock:     resilience.RealClock(),
	}
}

// Run polls until the context ends. Read errors back off briefly so a Redis
// outage does not spin the loop.
func (c *Consumer) Run(ctx context.Context) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("worker", "stream-consumer"))
	if err := c.kv.EnsureGroup(ctx, StreamName, GroupName); err != nil {
		lg.Error("consumer group setup failed", slog.Any("error", err))
	}
	lg.Info("stream consumer started", slog.String("consumer", c.consumer))
	for {
		if ctx.Err() != nil {
			lg.Info("stream consumer stopped")
			return
		}
		msgs, err := c.kv.StreamReadGroup(ctx, StreamName, GroupName, c.consumer, c.count, c.block)
		if err != nil {
			lg.Warn("stream read failed", slog.Any("error", err))
			if c.clock.Sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			if c.clock.Sleep(ctx, c.block) != nil {
				return
			}
			continue
		}
		c.drain(ctx, lg, msgs)
	}
}

// drain processes one batch and acks each handled message individually, so
// a crash mid-batch only re-delivers the unacked tail.
func (c *Consumer) drain(ctx context.Context, lg *slog.Logger, msgs []domain.StreamMessage) {
	for _, m := range msgs {
		env := bus.Envelope{
			EventID:     m.Fields["event_id"],
			EventType:   m.Fields["event_type"],
			AggregateID: m.Fields["aggregate_id"],
			Payload:     []byte(m.Fields["payload"]),
		}
		if err := c.processor.Process(ctx, env); err != nil {
			lg.Warn("event processing failed, leaving pending",
				slog.String("stream_id", m.ID), slog.Any("error", err))
			continue
		}
		if err := c.kv.StreamAck(ctx, StreamName, GroupName, m.ID); err != nil {
			lg.Warn("stream ack failed", slog.String("stream_id", m.ID), slog.Any("error", err))
		}
	}
}
