package domain

import (
	"testing"
)

func TestOrderStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant OrderStatus
		expected string
	}{
		{"OrderPending", OrderPending, "pending"},
		{"OrderConfirmed", OrderConfirmed, "confirmed"},
		{"OrderPaymentFailed", OrderPaymentFailed, "payment_failed"},
		{"OrderInventoryFailed", OrderInventoryFailed, "inventory_failed"},
		{"OrderFailed", OrderFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	if OrderPending.Terminal() {
		t.Errorf("pending must not be terminal")
	}
	for _, s := range []OrderStatus{OrderConfirmed, OrderPaymentFailed, OrderInventoryFailed, OrderFailed} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
}

func TestTotalFor(t *testing.T) {
	items := []OrderItem{
		{ProductID: "prod-001", Quantity: 2, UnitPrice: 1000},
		{ProductID: "prod-002", Quantity: 3, UnitPrice: 250},
	}
	got := TotalFor(items)
	if got != 2750 {
		t.Errorf("Expected total 2750 cents, got %d", got)
	}
	if TotalFor(nil) != 0 {
		t.Errorf("Expected empty total to be 0")
	}
}

func TestProductAvailable(t *testing.T) {
	p := Product{ID: "prod-001", Stock: 1000, Reserved: 40}
	if p.Available() != 960 {
		t.Errorf("Expected available 960, got %d", p.Available())
	}
}
