// Package orders implements order orchestration: a durable pending order,
// a concurrent payment/inventory fan-out under one retry budget, and a
// terminal status derived from both outcomes.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/observability"
	"github.com/faultline-labs/faultline/internal/resilience"
)

// PaymentsClient charges one order.
type PaymentsClient interface {
	Charge(ctx context.Context, orderID string, amount domain.Cents, idemKey string, budget *resilience.Budget) error
}

// InventoryClient reserves the order's items.
type InventoryClient interface {
	Reserve(ctx context.Context, orderID string, items []domain.OrderItem, idemKey string, budget *resilience.Budget) error
}

// HTTPPayments is the production PaymentsClient over the payments service.
type HTTPPayments struct {
	Caller *httpclient.Caller
}

func (p *HTTPPayments) Charge(ctx context.Context, orderID string, amount domain.Cents, idemKey string, budget *resilience.Budget) error {
	body := struct {
		OrderID string       `json:"order_id"`
		Amount  domain.Cents `json:"amount"`
	}{OrderID: orderID, Amount: amount}
	_, err := p.Caller.Do(ctx, "charge", http.MethodPost, "/payments/charge", body,
		httpclient.WithIdempotencyKey(idemKey), httpclient.WithBudget(budget))
	return err
}

// HTTPInventory is the production InventoryClient over the inventory service.
type HTTPInventory struct {
	Caller *httpclient.Caller
}

func (i *HTTPInventory) Reserve(ctx context.Context, orderID string, items []domain.OrderItem, idemKey string, budget *resilience.Budget) error {
	type item struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	body := struct {
		OrderID string `json:"order_id"`
		Items   []item `json:"items"`
	}{OrderID: orderID}
	for _, it := range items {
		body.Items = append(body.Items, item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	_, err := i.Caller.Do(ctx, "reserve", http.MethodPost, "/inventory/reserve", body,
		httpclient.WithIdempotencyKey(idemKey), httpclient.WithBudget(budget))
	return err
}

// Orchestrator drives the order lifecycle.
type Orchestrator struct {
	repo         domain.OrderRepository
	payments     PaymentsClient
	inventory    InventoryClient
	budgetTokens int64
}

// NewOrchestrator wires the orchestrator; budgetTokens is the shared retry
// pool granted to each inbound request's whole fan-out.
func NewOrchestrator(repo domain.OrderRepository, payments PaymentsClient, inventory InventoryClient, budgetTokens int64) *Orchestrator {
	if budgetTokens <= 0 {
		budgetTokens = 3
	}
	return &Orchestrator{repo: repo, payments: payments, inventory: inventory, budgetTokens: budgetTokens}
}

// CreateOrder runs the full flow. replayed=true means the idempotency key
// already had a winner and its row is returned untouched.
func (o *Orchestrator) CreateOrder(ctx context.Context, customerID string, items []domain.OrderItem, idemKey string) (domain.Order, bool, error) {
	lg := observability.LoggerFromContext(ctx)

	order := domain.Order{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		Items:       items,
		TotalAmount: domain.TotalFor(items),
		Status:      domain.OrderPending,
	}
	if idemKey != "" {
		order.IdemKey = &idemKey
	}

	createdPayload, err := json.Marshal(struct {
		OrderID     string       `json:"order_id"`
		CustomerID  string       `json:"customer_id"`
		TotalAmount domain.Cents `json:"total_amount"`
	}{order.ID, order.CustomerID, order.TotalAmount})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=orders.CreateOrder: %w", err)
	}

	stored, created, err := o.repo.CreateWithEvent(ctx, order, domain.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventOrderCreated,
		Payload:       createdPayload,
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	if !created {
		lg.Info("order replayed from idempotency key",
			slog.String("order_id", stored.ID),
			slog.String("status", string(stored.Status)))
		return stored, true, nil
	}
	observability.OrdersCreatedTotal.Inc()

	status := o.fanOut(ctx, stored)
	if err := o.settle(ctx, stored.ID, status); err != nil {
		// The charge and reservation already happened; the order stays
		// pending and the reconciler will settle it.
		lg.Error("order settlement failed",
			slog.String("order_id", stored.ID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return stored, false, err
	}
	stored.Status = status
	stored.UpdatedAt = time.Now().UTC()
	lg.Info("order settled",
		slog.String("order_id", stored.ID),
		slog.String("status", string(status)),
		slog.String("total", stored.TotalAmount.String()))
	return stored, false, nil
}

// fanOut charges and reserves concurrently under one shared budget and maps
// the pair of outcomes onto a terminal status.
func (o *Orchestrator) fanOut(ctx context.Context, order domain.Order) domain.OrderStatus {
	budget := resilience.NewBudget(o.budgetTokens)

	var wg sync.WaitGroup
	var payErr, invErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		payErr = o.payments.Charge(ctx, order.ID, order.TotalAmount, order.ID, budget)
	}()
	go func() {
		defer wg.Done()
		invErr = o.inventory.Reserve(ctx, order.ID, order.Items, order.ID, budget)
	}()
	wg.Wait()

	lg := observability.LoggerFromContext(ctx)
	if payErr != nil {
		lg.Warn("charge failed", slog.String("order_id", order.ID), slog.Any("error", payErr))
	}
	if invErr != nil {
		lg.Warn("reservation failed", slog.String("order_id", order.ID), slog.Any("error", invErr))
	}
	return AggregateStatus(payErr, invErr)
}

// AggregateStatus maps the fan-out outcome pair onto the order status.
func AggregateStatus(payErr, invErr error) domain.OrderStatus {
	switch {
	case payErr == nil && invErr == nil:
		return domain.OrderConfirmed
	case payErr != nil && invErr != nil:
		return domain.OrderFailed
	case payErr != nil:
		return domain.OrderPaymentFailed
	default:
		return domain.OrderInventoryFailed
	}
}

func (o *Orchestrator) settle(ctx context.Context, orderID string, status domain.OrderStatus) error {
	payload, err := json.Marshal(struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}{orderID, string(status)})
	if err != nil {
		return fmt.Errorf("op=orders.settle: %w", err)
	}
	return o.repo.UpdateStatusWithEvent(ctx, orderID, status, domain.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     domain.EventOrderStatusUpdated,
		Payload:       payload,
	})
}

// Get returns one order.
func (o *Orchestrator) Get(ctx context.Context, id string) (domain.Order, error) {
	return o.repo.Get(ctx, id)
}

// List returns the most recent orders.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]domain.Order, error) {
	return o.repo.List(ctx, limit)
}
