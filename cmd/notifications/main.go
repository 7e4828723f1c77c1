// Command notifications starts the event sink: HTTP and Kafka intake, a
// Redis stream consumer group, and idempotent delivery of notifications.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/faultline-labs/faultline/internal/adapter/bus"
	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/app"
	"github.com/faultline-labs/faultline/internal/service/notifications"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("notifications", 8004)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := kvredis.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()

	h := notifications.NewHandler(kv, cfg.EventLogCapacity, cfg.DedupCapacity, cfg.DedupTTL)
	processor := notifications.NewProcessor(cfg.DedupCapacity, cfg.DedupTTL)

	// The stream consumer drains what the HTTP intake appended; each replica
	// joins the group under its own name.
	consumer := notifications.NewConsumer(kv, processor, consumerName())
	go consumer.Run(ctx)

	if cfg.EventBus == "kafka" {
		kc, err := bus.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaGroup, "notifications")
		if err != nil {
			slog.Error("kafka consumer setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		go kc.Run(ctx, processor.Process)
	}

	checks := map[string]app.Check{"redis": app.PingCheck(kv)}
	handler := app.NotificationsRouter(cfg, h, checks)

	if err := app.Serve(ctx, cfg, handler); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

// consumerName identifies this replica within the consumer group.
func consumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "notifications-" + uuid.NewString()
}
