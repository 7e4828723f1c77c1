// Command orders starts the orchestration service: durable order rows, the
// payment/inventory fan-out, the transactional outbox publisher and the
// pending-order reconciler.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faultline-labs/faultline/internal/adapter/bus"
	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/adapter/repo/postgres"
	"github.com/faultline-labs/faultline/internal/app"
	"github.com/faultline-labs/faultline/internal/config"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/outbox"
	"github.com/faultline-labs/faultline/internal/resilience"
	"github.com/faultline-labs/faultline/internal/service/orders"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("orders", 8001)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureOrdersSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	kv, err := kvredis.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		OpenDuration:     cfg.BreakerOpenDuration,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	}
	if cfg.BreakerSharedState {
		breakerCfg.Store = kvredis.NewBreakerStore(kv, cfg.BreakerOpenDuration)
	}
	registry := resilience.NewRegistry(breakerCfg)

	payCaller := fanoutCaller(cfg, registry, "payments", cfg.PaymentsURL)
	invCaller := fanoutCaller(cfg, registry, "inventory", cfg.InventoryURL)

	repo := postgres.NewOrderRepo(pool)
	orc := orders.NewOrchestrator(repo,
		&orders.HTTPPayments{Caller: payCaller},
		&orders.HTTPInventory{Caller: invCaller},
		cfg.FanoutRetryBudget)

	// Outbox publisher: events leave the database through the configured bus.
	eventBus, closeBus, err := buildEventBus(cfg)
	if err != nil {
		slog.Error("event bus setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBus()
	publisher := outbox.New("orders", postgres.NewOutboxRepo(pool), eventBus, outbox.Config{
		BatchSize:       cfg.OutboxBatchSize,
		IdleSleep:       cfg.OutboxIdleSleep,
		ErrorSleep:      cfg.OutboxErrorSleep,
		Retention:       time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour,
		CleanupInterval: cfg.OutboxCleanupInterval,
	})
	go publisher.Run(ctx)
	go publisher.RunCleanup(ctx)

	reconciler := orders.NewReconciler(orc, cfg.ReconcileStaleAfter, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	idem := httpserver.NewIdempotency("orders", kv, cfg.IdempotencyTTL, cfg.IdempotencyLockTTL)
	checks := map[string]app.Check{
		"db":    app.PingCheck(pool),
		"redis": app.PingCheck(kv),
	}
	handler := app.OrdersRouter(cfg, orders.NewHandler(orc), idem, checks)

	if err := app.Serve(ctx, cfg, handler); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

// fanoutCaller builds the resilient client for one fan-out downstream. The
// fan-out retry schedule is tighter than the edge's so the whole order flow
// fits inside the propagated deadline.
func fanoutCaller(cfg config.Config, registry *resilience.Registry, name, baseURL string) *httpclient.Caller {
	return httpclient.New(httpclient.Config{
		From:           "orders",
		To:             name,
		BaseURL:        baseURL,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.DownstreamReadTimeout,
		Bulkhead:       resilience.NewBulkhead("orders-"+name, cfg.FanoutBulkheadCapacity, cfg.BulkheadMaxWait),
		Breaker:        registry.Get(name),
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.FanoutRetryBaseDelay,
			MaxDelay:    cfg.FanoutRetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
			JitterOff:   !cfg.RetryJitter,
			Service:     "orders",
			Op:          name,
		},
	})
}

// buildEventBus picks the outbox delivery transport: a Kafka producer or a
// plain HTTP post onto the notifications service.
func buildEventBus(cfg config.Config) (domain.EventBus, func(), error) {
	if cfg.EventBus == "kafka" {
		kb, err := bus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			return nil, nil, err
		}
		return kb, kb.Close, nil
	}
	caller := httpclient.New(httpclient.Config{
		From:    "orders",
		To:      "notifications",
		BaseURL: cfg.NotificationsURL,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
			JitterOff:   !cfg.RetryJitter,
			Service:     "orders",
			Op:          "publish",
		},
	})
	return bus.NewHTTPBus(caller), func() {}, nil
}
