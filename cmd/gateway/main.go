// Command gateway starts the public edge: admission control, per-downstream
// circuit breakers and a resilient proxy onto the orders service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/app"
	"github.com/faultline-labs/faultline/internal/config"
	"github.com/faultline-labs/faultline/internal/resilience"
	"github.com/faultline-labs/faultline/internal/service/gateway"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("gateway", 8000)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		OpenDuration:     cfg.BreakerOpenDuration,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	}
	checks := map[string]app.Check{}
	if cfg.BreakerSharedState {
		kv, err := kvredis.New(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = kv.Close() }()
		breakerCfg.Store = kvredis.NewBreakerStore(kv, cfg.BreakerOpenDuration)
		checks["redis"] = app.PingCheck(kv)
	}

	registry := resilience.NewRegistry(breakerCfg)
	// Pre-create the downstream breakers so /status/breakers reports all of
	// them before first use.
	for _, name := range []string{"orders", "payments", "inventory"} {
		registry.Get(name)
	}

	ordersCaller := httpclient.New(httpclient.Config{
		From:           "gateway",
		To:             "orders",
		BaseURL:        cfg.OrdersURL,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.DownstreamReadTimeout,
		Bulkhead:       resilience.NewBulkhead("gateway-orders", cfg.GatewayBulkheadOrders, cfg.BulkheadMaxWait),
		Breaker:        registry.Get("orders"),
		Retry:          retryConfig(cfg, "orders"),
	})

	h := gateway.NewHandler(ordersCaller, registry)
	shed := httpserver.NewLoadShedder("gateway", cfg.MaxInflight)
	handler := app.GatewayRouter(cfg, h, shed, checks)

	if err := app.Serve(ctx, cfg, handler); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func retryConfig(cfg config.Config, op string) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
		JitterOff:   !cfg.RetryJitter,
		Service:     "gateway",
		Op:          op,
	}
}
