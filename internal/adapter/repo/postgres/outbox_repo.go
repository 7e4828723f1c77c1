package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
)

// insertOutboxEvent appends an event inside the caller's transaction. This is
// the producer side of the outbox: the event commits if and only if the
// business write commits.
func insertOutboxEvent(ctx domain.Context, tx pgx.Tx, e domain.OutboxEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, published, created_at)
		VALUES ($1,$2,$3,$4,$5,FALSE,$6)`
	if _, err := tx.Exec(ctx, q, e.ID, e.AggregateType, e.AggregateID, e.EventType, e.Payload, e.CreatedAt); err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	return nil
}

// OutboxRepo claims and publishes pending outbox rows.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// AppendTx exposes the producer contract for callers running their own
// transaction on the same store.
func (r *OutboxRepo) AppendTx(ctx domain.Context, tx pgx.Tx, e domain.OutboxEvent) error {
	return insertOutboxEvent(ctx, tx, e)
}

// ProcessBatch claims up to batch unpublished rows under FOR UPDATE SKIP
// LOCKED, invokes deliver for each, and flips published only on success.
// SKIP LOCKED means concurrent publisher replicas never contend on a row, so
// each row is claimed by at most one worker at a time. A failed delivery
// leaves its row untouched for the next cycle: at-least-once.
func (r *OutboxRepo) ProcessBatch(ctx domain.Context, batch int, deliver func(domain.Context, domain.OutboxEvent) error) (claimed, published int, err error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ProcessBatch")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox_events WHERE NOT published
		ORDER BY created_at LIMIT $1
		FOR UPDATE SKIP LOCKED`, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
	}
	var events []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
	}

	for _, e := range events {
		if err := deliver(ctx, e); err != nil {
			observability.LoggerFromContext(ctx).Warn("outbox delivery failed",
				slog.String("event_id", e.ID),
				slog.String("event_type", e.EventType),
				slog.Any("error", err))
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_events SET published=TRUE, published_at=$2 WHERE id=$1`,
			e.ID, time.Now().UTC()); err != nil {
			return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
		}
		published++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=outbox.process: %w", err)
	}
	return len(events), published, nil
}

// PendingCount reports the unpublished backlog for the outbox_pending gauge.
func (r *OutboxRepo) PendingCount(ctx domain.Context) (int64, error) {
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE NOT published`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.pending: %w", err)
	}
	return n, nil
}

// DeletePublishedBefore prunes delivered events older than cutoff and
// returns how many were removed.
func (r *OutboxRepo) DeletePublishedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM outbox_events WHERE published AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
