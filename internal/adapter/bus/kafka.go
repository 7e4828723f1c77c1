package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// KafkaBus produces outbox events to a topic. Keyed by aggregate id so every
// event of one order lands on one partition in order.
type KafkaBus struct {
	client *kgo.Client
	topic  string
}

// NewKafkaBus connects a producer to the brokers.
func NewKafkaBus(brokers []string, topic string) (*KafkaBus, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=bus.NewKafkaBus: %w", err)
	}
	return &KafkaBus{client: client, topic: topic}, nil
}

// Publish implements domain.EventBus; the produce is synchronous so the
// outbox row is only marked published after the broker ack.
func (b *KafkaBus) Publish(ctx domain.Context, e domain.OutboxEvent) error {
	value, err := json.Marshal(Envelope{
		EventID:     e.EventType + ":" + e.AggregateID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		Payload:     json.RawMessage(e.Payload),
	})
	if err != nil {
		return fmt.Errorf("op=bus.KafkaBus.Publish: %w", err)
	}
	rec := &kgo.Record{Topic: b.topic, Key: []byte(e.AggregateID), Value: value}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=bus.KafkaBus.Publish event=%s: %w", e.EventType, err)
	}
	return nil
}

// Close flushes and releases the producer.
func (b *KafkaBus) Close() {
	b.client.Close()
}

// KafkaConsumer polls a consumer group and feeds each decoded envelope into
// the caller's handler. Offsets commit only after the handler returns, so a
// crash re-delivers and the handler's dedup absorbs the replay.
type KafkaConsumer struct {
	client  *kgo.Client
	service string
}

// NewKafkaConsumer joins the group on the topic.
func NewKafkaConsumer(brokers []string, topic, group, service string) (*KafkaConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=bus.NewKafkaConsumer: %w", err)
	}
	return &KafkaConsumer{client: client, service: service}, nil
}

// Run polls until the context ends. Handler errors skip the commit for that
// poll so the records come back around.
func (c *KafkaConsumer) Run(ctx context.Context, handle func(context.Context, Envelope) error) {
	defer c.client.Close()
	lg := observability.LoggerFromContext(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || errors.Is(fetches.Err0(), context.Canceled) {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			lg.Warn("kafka fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		allOK := true
		fetches.EachRecord(func(rec *kgo.Record) {
			var env Envelope
			if err := json.Unmarshal(rec.Value, &env); err != nil {
				// Malformed records are logged and committed; they can never
				// become processable.
				lg.Error("kafka record undecodable, dropping", slog.Any("error", err))
				return
			}
			if err := handle(ctx, env); err != nil {
				allOK = false
				lg.Warn("event handler failed, leaving offset uncommitted",
					slog.String("event_id", env.EventID),
					slog.Any("error", err))
			}
		})
		if allOK && fetches.NumRecords() > 0 {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
				lg.Warn("kafka offset commit failed", slog.Any("error", err))
			}
		}
	}
}
