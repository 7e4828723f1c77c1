package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

const reconcileBatch = 100

// Reconciler settles orders stuck in pending: a crash between the fan-out
// and the status write leaves a pending row whose charge may or may not have
// happened; after the stale horizon it is failed explicitly so the customer
// sees a terminal answer.
type Reconciler struct {
	orc        *Orchestrator
	staleAfter time.Duration
	interval   time.Duration
	clock      resilience.Clock
}

// NewReconciler builds the worker; zero durations fall back to 5m/1m.
func NewReconciler(orc *Orchestrator, staleAfter, interval time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{orc: orc, staleAfter: staleAfter, interval: interval, clock: resilience.RealClock()}
}

// WithClock swaps the loop clock; used by tests.
func (r *Reconciler) WithClock(c resilience.Clock) *Reconciler {
	r.clock = c
	return r
}

// Run loops until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("worker", "order-reconciler"))
	lg.Info("order reconciler started", slog.Duration("stale_after", r.staleAfter))
	for {
		if err := r.clock.Sleep(ctx, r.interval); err != nil {
			lg.Info("order reconciler stopped")
			return
		}
		r.Sweep(ctx, lg)
	}
}

// Sweep fails every stale pending order found in one pass.
func (r *Reconciler) Sweep(ctx context.Context, lg *slog.Logger) {
	stale, err := r.orc.repo.FindStalePending(ctx, r.staleAfter, reconcileBatch)
	if err != nil {
		lg.Error("stale order scan failed", slog.Any("error", err))
		return
	}
	for _, o := range stale {
		err := r.orc.settle(ctx, o.ID, domain.OrderFailed)
		switch {
		case err == nil:
			lg.Warn("stale pending order failed by reconciler",
				slog.String("order_id", o.ID),
				slog.Time("created_at", o.CreatedAt))
		case errors.Is(err, domain.ErrConflict):
			// Settled by its own request between scan and update.
		default:
			lg.Error("stale order settlement failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}
}
