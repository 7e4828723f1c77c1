// Package outbox runs the publisher worker that drains pending outbox rows
// to the event bus.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// Config tunes one publisher. Zero values fall back to the production
// defaults: batch 50, idle 1s, error 5s, retention 7 days swept daily.
type Config struct {
	BatchSize       int
	IdleSleep       time.Duration
	ErrorSleep      time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration

	Clock resilience.Clock
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
	if c.ErrorSleep <= 0 {
		c.ErrorSleep = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = resilience.RealClock()
	}
	return c
}

// Publisher claims pending rows in batches and delivers them at-least-once.
// One goroutine per replica; SKIP LOCKED in the repository keeps replicas
// from fighting over rows.
type Publisher struct {
	service string
	repo    domain.OutboxRepository
	bus     domain.EventBus
	cfg     Config
}

// New builds a publisher for the named service.
func New(service string, repo domain.OutboxRepository, bus domain.EventBus, cfg Config) *Publisher {
	return &Publisher{service: service, repo: repo, bus: bus, cfg: cfg.withDefaults()}
}

// Run loops until the context ends. An empty poll sleeps the idle interval; a
// cycle error or any undelivered row backs off the error interval so a dead
// downstream is not hammered.
func (p *Publisher) Run(ctx context.Context) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("worker", "outbox-publisher"))
	lg.Info("outbox publisher started", slog.Int("batch", p.cfg.BatchSize))
	for {
		sleep := p.cycle(ctx, lg)
		if err := p.cfg.Clock.Sleep(ctx, sleep); err != nil {
			lg.Info("outbox publisher stopped")
			return
		}
	}
}

func (p *Publisher) cycle(ctx context.Context, lg *slog.Logger) time.Duration {
	claimed, published, err := p.repo.ProcessBatch(ctx, p.cfg.BatchSize, p.deliver)
	p.refreshPendingGauge(ctx)
	switch {
	case err != nil:
		lg.Error("outbox cycle failed", slog.Any("error", err))
		return p.cfg.ErrorSleep
	case claimed == 0:
		return p.cfg.IdleSleep
	case published < claimed:
		lg.Warn("outbox cycle left rows pending",
			slog.Int("claimed", claimed),
			slog.Int("published", published))
		return p.cfg.ErrorSleep
	default:
		return 0
	}
}

func (p *Publisher) deliver(ctx domain.Context, e domain.OutboxEvent) error {
	if err := p.bus.Publish(ctx, e); err != nil {
		return err
	}
	observability.OutboxPublishedTotal.WithLabelValues(p.service, e.EventType).Inc()
	return nil
}

func (p *Publisher) refreshPendingGauge(ctx context.Context) {
	n, err := p.repo.PendingCount(ctx)
	if err != nil {
		return
	}
	observability.OutboxPending.WithLabelValues(p.service).Set(float64(n))
}

// RunCleanup periodically deletes published rows past the retention horizon.
func (p *Publisher) RunCleanup(ctx context.Context) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("worker", "outbox-cleanup"))
	for {
		if err := p.cfg.Clock.Sleep(ctx, p.cfg.CleanupInterval); err != nil {
			return
		}
		cutoff := p.cfg.Clock.Now().Add(-p.cfg.Retention)
		deleted, err := p.repo.DeletePublishedBefore(ctx, cutoff)
		if err != nil {
			lg.Error("outbox cleanup failed", slog.Any("error", err))
			continue
		}
		if deleted > 0 {
			lg.Info("outbox cleanup", slog.Int64("deleted", deleted))
		}
	}
}
