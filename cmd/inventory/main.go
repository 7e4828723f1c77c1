// Command inventory starts the stock service: atomic reservations over
// Postgres with runtime-tunable lock contention and error injection.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/adapter/repo/postgres"
	"github.com/faultline-labs/faultline/internal/app"
	"github.com/faultline-labs/faultline/internal/service/chaos"
	"github.com/faultline-labs/faultline/internal/service/inventory"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("inventory", 8003)
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
	if err := postgres.EnsureInventorySchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	repo := postgres.NewInventoryRepo(pool)
	catalog, err := inventory.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := repo.SeedProducts(ctx, catalog); err != nil {
		slog.Error("catalog seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("catalog seeded", slog.Int("products", len(catalog)))

	kv, err := kvredis.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()

	knobs := chaos.New("inventory", kv, map[string]float64{
		chaos.KnobLockMS:    cfg.InventoryLockMS,
		chaos.KnobErrorRate: cfg.InventoryErrorRate,
	})
	h := inventory.NewHandler(repo, knobs)
	chaosH := chaos.NewHandler(knobs, chaos.KnobLockMS, chaos.KnobErrorRate)
	checks := map[string]app.Check{
		"db":    app.PingCheck(pool),
		"redis": app.PingCheck(kv),
	}
	handler := app.InventoryRouter(cfg, h, chaosH, checks)

	if err := app.Serve(ctx, cfg, handler); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}
