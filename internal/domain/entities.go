package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnavailable         = errors.New("unavailable")
	ErrBreakerOpen         = errors.New("circuit breaker open")
	ErrBulkheadFull        = errors.New("bulkhead full")
	ErrShed                = errors.New("load shed")
	ErrDeadlineExceeded    = errors.New("deadline exceeded")
	ErrIdempotencyInFlight = errors.New("idempotent request in flight")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInternal            = errors.New("internal error")
)

// OrderStatus enumerates the order lifecycle. Pending is the only
// non-terminal state; terminals are never re-entered.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderPaymentFailed   OrderStatus = "payment_failed"
	OrderInventoryFailed OrderStatus = "inventory_failed"
	OrderFailed          OrderStatus = "failed"
)

// Terminal reports whether the status is a terminal one.
func (s OrderStatus) Terminal() bool { return s != OrderPending }

// Outbox event types and aggregate names.
const (
	AggregateOrder          = "order"
	EventOrderCreated       = "order_created"
	EventOrderStatusUpdated = "order_status_updated"
)

// Order is the aggregate written by the orders service.
// Invariants: TotalAmount == sum(qty*unit_price) and is immutable once
// written; IdemKey unique across orders when present.
type Order struct {
	ID          string
	CustomerID  string
	Items       []OrderItem
	TotalAmount Cents
	Status      OrderStatus
	IdemKey     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderItem is one line of an order. Quantity and UnitPrice must be > 0.
type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice Cents
}

// TotalFor derives the order total from its items.
func TotalFor(items []OrderItem) Cents {
	var total Cents
	for _, it := range items {
		total += it.UnitPrice.Mul(it.Quantity)
	}
	return total
}

// OutboxEvent is inserted in the same transaction as the aggregate change
// and published asynchronously. Published implies PublishedAt != nil.
type OutboxEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Published     bool
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Product tracks stock levels for the inventory service.
type Product struct {
	ID       string
	Name     string
	Stock    int
	Reserved int
}

// Available is the quantity still reservable.
func (p Product) Available() int { return p.Stock - p.Reserved }

// ReservationReserved is the only reservation status the core writes.
const ReservationReserved = "reserved"

// Reservation records a reserved quantity for one product within an order.
type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	IdemKey   *string
	Status    string
	CreatedAt time.Time
}

// StreamMessage is one entry delivered from an append-only stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Repositories (ports)

// OrderRepository persists orders together with their outbox events.
// CreateWithEvent collapses concurrent duplicates on the idempotency key:
// when the key already exists it returns the winner's row and created=false,
// and the event is NOT appended.
type OrderRepository interface {
	CreateWithEvent(ctx Context, o Order, e OutboxEvent) (Order, bool, error)
	UpdateStatusWithEvent(ctx Context, id string, status OrderStatus, e OutboxEvent) error
	Get(ctx Context, id string) (Order, error)
	List(ctx Context, limit int) ([]Order, error)
	FindStalePending(ctx Context, olderThan time.Duration, limit int) ([]Order, error)
}

// OutboxRepository claims and publishes pending outbox rows.
// ProcessBatch claims up to batch rows under row-level skip-locking, invokes
// deliver for each, and marks the row published only when deliver returns
// nil. It reports how many rows were claimed and how many were published so
// the worker can distinguish an empty poll from a failing downstream.
type OutboxRepository interface {
	ProcessBatch(ctx Context, batch int, deliver func(Context, OutboxEvent) error) (claimed, published int, err error)
	PendingCount(ctx Context) (int64, error)
	DeletePublishedBefore(ctx Context, cutoff time.Time) (int64, error)
}

// InventoryRepository reserves stock atomically per order.
type InventoryRepository interface {
	Reserve(ctx Context, orderID string, items []OrderItem, idemKey string) ([]string, error)
	GetProduct(ctx Context, id string) (Product, error)
	SeedProducts(ctx Context, products []Product) error
}

// KV (port): the cache / lock / stream contract the resilience layer consumes.

type KV interface {
	Get(ctx Context, key string) (string, bool, error)
	SetTTL(ctx Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; reports whether it was acquired.
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx Context, keys ...string) error
	StreamAppend(ctx Context, stream string, fields map[string]string) (string, error)
	EnsureGroup(ctx Context, stream, group string) error
	StreamReadGroup(ctx Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error)
	StreamAck(ctx Context, stream, group string, ids ...string) error
}

// EventBus (port): how the outbox publisher hands events downstream.

type EventBus interface {
	Publish(ctx Context, e OutboxEvent) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and services pass context.Context through.

type Context = context.Context
