package postgres

import (
	"context"
	"fmt"
)

// The partial indexes are part of the correctness story: the unique index on
// idempotency_key is the durable duplicate collapse, and the NOT published
// index keeps the publisher's claim query cheap.

var ordersSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		customer_id TEXT NOT NULL,
		items JSONB NOT NULL,
		total_amount_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_idempotency_key_uq
		ON orders (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
		ON outbox_events (created_at) WHERE NOT published`,
}

var inventorySchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stock INT NOT NULL,
		reserved INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id UUID PRIMARY KEY,
		order_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity INT NOT NULL,
		idempotency_key TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reservations_idempotency_uq
		ON reservations (idempotency_key, product_id) WHERE idempotency_key IS NOT NULL`,
}

// EnsureOrdersSchema creates the orders and outbox tables when absent.
func EnsureOrdersSchema(ctx context.Context, pool PgxPool) error {
	return ensure(ctx, pool, ordersSchema)
}

// EnsureInventorySchema creates the products and reservations tables when absent.
func EnsureInventorySchema(ctx context.Context, pool PgxPool) error {
	return ensure(ctx, pool, inventorySchema)
}

func ensure(ctx context.Context, pool PgxPool, stmts []string) error {
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=postgres.ensure: %w", err)
		}
	}
	return nil
}
