// Package lookup answers the model's data questions about customers, orders
// and products during a call.
package lookup

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no record matched the query.
var ErrNotFound = errors.New("lookup: not found")

// Customer is what we know about a caller before the first turn.
type Customer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	Tier        string    `json:"tier"`
	LastOrderAt time.Time `json:"last_order_at,omitzero"`
	Notes       string    `json:"notes,omitempty"`
}

// Order is the current state of one customer order.
type Order struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	Status      string    `json:"status"`
	Items       []string  `json:"items"`
	TotalCents  int64     `json:"total_cents"`
	UpdatedAt   time.Time `json:"updated_at"`
	TrackingRef string    `json:"tracking_ref,omitempty"`
}

// Product is one catalog entry returned by a search.
type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	InStock    bool   `json:"in_stock"`
}

// Service resolves caller context and answers tool queries issued by the
// model mid-conversation.
type Service interface {
	// CustomerContext resolves the caller by phone number. Returns
	// ErrNotFound for unknown callers; conversations proceed without
	// personalization in that case.
	CustomerContext(ctx context.Context, phoneNumber string) (Customer, error)
	OrderStatus(ctx context.Context, orderID string) (Order, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]Product, error)
}
