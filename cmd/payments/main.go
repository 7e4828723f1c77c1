// Command payments starts the payment simulator: idempotent charges with
// runtime-tunable latency and error injection.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/app"
	"github.com/faultline-labs/faultline/internal/service/chaos"
	"github.com/faultline-labs/faultline/internal/service/payments"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("payments", 8002)
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

	knobs := chaos.New("payments", kv, map[string]float64{
		chaos.KnobLatencyMS: cfg.PaymentLatencyMS,
		chaos.KnobErrorRate: cfg.PaymentErrorRate,
	})
	h := payments.NewHandler(kv, knobs)
	chaosH := chaos.NewHandler(knobs, chaos.KnobLatencyMS, chaos.KnobErrorRate)
	checks := map[string]app.Check{"redis": app.PingCheck(kv)}
	handler := app.PaymentsRouter(cfg, h, chaosH, checks)

	if err := app.Serve(ctx, cfg, handler); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}
