package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/faultline-labs/faultline/internal/domain"
)

// OrderRepo persists orders together with their outbox events. Every write
// that changes an order also appends its event inside the same transaction.
type OrderRepo struct{ Pool PgxPool }

// NewOrderRepo constructs an OrderRepo with the given pool.
func NewOrderRepo(p PgxPool) *OrderRepo { return &OrderRepo{Pool: p} }

// itemRow is the JSONB shape of one order line.
type itemRow struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func marshalItems(items []domain.OrderItem) ([]byte, error) {
	rows := make([]itemRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, itemRow{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: int64(it.UnitPrice)})
	}
	return json.Marshal(rows)
}

func unmarshalItems(b []byte) ([]domain.OrderItem, error) {
	var rows []itemRow
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, domain.OrderItem{ProductID: r.ProductID, Quantity: r.Quantity, UnitPrice: domain.Cents(r.UnitPriceCents)})
	}
	return items, nil
}

// CreateWithEvent inserts the order as pending and appends its order_created
// event in one transaction. Concurrent creators of the same idempotency key
// collapse on the unique index: the loser reads and returns the winner's row
// with created=false, and no event is appended for it.
func (r *OrderRepo) CreateWithEvent(ctx domain.Context, o domain.Order, e domain.OutboxEvent) (domain.Order, bool, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.CreateWithEvent")
	defer span.End()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.Status = domain.OrderPending
	o.CreatedAt, o.UpdatedAt = now, now

	items, err := marshalItems(o.Items)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=orders.create: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=orders.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO orders (id, customer_id, items, total_amount_cents, status, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`
	tag, err := tx.Exec(ctx, q, o.ID, o.CustomerID, items, int64(o.TotalAmount), o.Status, o.IdemKey, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=orders.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: the winner's row is the durable answer.
		winner, err := r.findByIdemKeyTx(ctx, tx, *o.IdemKey)
		if err != nil {
			return domain.Order{}, false, err
		}
		return winner, false, nil
	}
	e.AggregateID = o.ID
	if err := insertOutboxEvent(ctx, tx, e); err != nil {
		return domain.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, false, fmt.Errorf("op=orders.create: %w", err)
	}
	return o, true, nil
}

// UpdateStatusWithEvent moves a pending order to a terminal status and
// appends the order_status_updated event in the same transaction. Terminal
// statuses are never re-entered: updating a non-pending order is a conflict.
func (r *OrderRepo) UpdateStatusWithEvent(ctx domain.Context, id string, status domain.OrderStatus, e domain.OutboxEvent) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.UpdateStatusWithEvent")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=orders.update_status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1 AND status='pending'`
	tag, err := tx.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=orders.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("op=orders.update_status: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=orders.update_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=orders.update_status: order already terminal: %w", domain.ErrConflict)
	}
	e.AggregateID = id
	if err := insertOutboxEvent(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=orders.update_status: %w", err)
	}
	return nil
}

const orderColumns = `id, customer_id, items, total_amount_cents, status, idempotency_key, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var items []byte
	var total int64
	if err := row.Scan(&o.ID, &o.CustomerID, &items, &total, &o.Status, &o.IdemKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	o.TotalAmount = domain.Cents(total)
	parsed, err := unmarshalItems(items)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = parsed
	return o, nil
}

func (r *OrderRepo) findByIdemKeyTx(ctx domain.Context, tx pgx.Tx, key string) (domain.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, fmt.Errorf("op=orders.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("op=orders.find_idem: %w", err)
	}
	return o, nil
}

// Get loads an order by id.
func (r *OrderRepo) Get(ctx domain.Context, id string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Get")
	defer span.End()
	o, err := scanOrder(r.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, fmt.Errorf("op=orders.get: %w", domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("op=orders.get: %w", err)
	}
	return o, nil
}

// List returns the newest orders first.
func (r *OrderRepo) List(ctx domain.Context, limit int) ([]domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.List")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=orders.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=orders.list: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=orders.list: %w", err)
	}
	return out, nil
}

// FindStalePending returns pending orders untouched for longer than
// olderThan; the reconciler uses it to finish interrupted fan-outs.
func (r *OrderRepo) FindStalePending(ctx domain.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.FindStalePending")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status='pending' AND updated_at < $1 ORDER BY updated_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=orders.find_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=orders.find_stale: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=orders.find_stale: %w", err)
	}
	return out, nil
}
