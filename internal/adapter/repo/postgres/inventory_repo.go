package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/faultline-labs/faultline/internal/domain"
)

// InventoryRepo reserves stock under row locks so concurrent reservations of
// the same product serialize on the product row.
type InventoryRepo struct{ Pool PgxPool }

// NewInventoryRepo constructs an InventoryRepo with the given pool.
func NewInventoryRepo(p PgxPool) *InventoryRepo { return &InventoryRepo{Pool: p} }

// Reserve books every item of the order in one transaction. Insufficient
// stock on any item rolls back the whole reservation. An unknown product is
// treated as unconstrained stock. When an idempotency key is present the
// (key, product) unique index collapses duplicate reservations without
// bumping reserved twice.
func (r *InventoryRepo) Reserve(ctx domain.Context, orderID string, items []domain.OrderItem, idemKey string) ([]string, error) {
	tracer := otel.Tracer("repo.inventory")
	ctx, span := tracer.Start(ctx, "inventory.Reserve")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=inventory.reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var key *string
	if idemKey != "" {
		key = &idemKey
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		var stock, reserved int
		known := true
		err := tx.QueryRow(ctx, `SELECT stock, reserved FROM products WHERE id=$1 FOR UPDATE`, it.ProductID).Scan(&stock, &reserved)
		if err == pgx.ErrNoRows {
			known = false
		} else if err != nil {
			return nil, fmt.Errorf("op=inventory.reserve: %w", err)
		}
		if known && stock-reserved < it.Quantity {
			return nil, fmt.Errorf("op=inventory.reserve product=%s available=%d requested=%d: %w",
				it.ProductID, stock-reserved, it.Quantity, domain.ErrInsufficientStock)
		}

		resID := uuid.New().String()
		tag, err := tx.Exec(ctx,
			`INSERT INTO reservations (id, order_id, product_id, quantity, idempotency_key, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (idempotency_key, product_id) WHERE idempotency_key IS NOT NULL DO NOTHING`,
			resID, orderID, it.ProductID, it.Quantity, key, domain.ReservationReserved, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("op=inventory.reserve: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Duplicate of an earlier reservation for this key: return the
			// existing id and leave the counters alone.
			if err := tx.QueryRow(ctx,
				`SELECT id FROM reservations WHERE idempotency_key=$1 AND product_id=$2`,
				idemKey, it.ProductID).Scan(&resID); err != nil {
				return nil, fmt.Errorf("op=inventory.reserve: %w", err)
			}
			ids = append(ids, resID)
			continue
		}
		if known {
			if _, err := tx.Exec(ctx, `UPDATE products SET reserved = reserved + $2 WHERE id=$1`, it.ProductID, it.Quantity); err != nil {
				return nil, fmt.Errorf("op=inventory.reserve: %w", err)
			}
		}
		ids = append(ids, resID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=inventory.reserve: %w", err)
	}
	return ids, nil
}

// GetProduct loads one product.
func (r *InventoryRepo) GetProduct(ctx domain.Context, id string) (domain.Product, error) {
	tracer := otel.Tracer("repo.inventory")
	ctx, span := tracer.Start(ctx, "inventory.GetProduct")
	defer span.End()
	var p domain.Product
	err := r.Pool.QueryRow(ctx, `SELECT id, name, stock, reserved FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Stock, &p.Reserved)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Product{}, fmt.Errorf("op=inventory.get_product: %w", domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("op=inventory.get_product: %w", err)
	}
	return p, nil
}

// SeedProducts inserts the catalog, leaving existing rows untouched so a
// restart never resets live stock counters.
func (r *InventoryRepo) SeedProducts(ctx domain.Context, products []domain.Product) error {
	for _, p := range products {
		if _, err := r.Pool.Exec(ctx,
			`INSERT INTO products (id, name, stock, reserved) VALUES ($1,$2,$3,0) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Stock); err != nil {
			return fmt.Errorf("op=inventory.seed: %w", err)
		}
	}
	return nil
}
