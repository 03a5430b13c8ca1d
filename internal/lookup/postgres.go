package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresService answers lookups from PostgreSQL.
type PostgresService struct {
	pool *pgxpool.Pool
}

func NewPostgresService(ctx context.Context, pool *pgxpool.Pool) (*PostgresService, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresService{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone_number TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL DEFAULT 'standard',
			last_order_at TIMESTAMPTZ,
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			status TEXT NOT NULL,
			items TEXT[] NOT NULL DEFAULT '{}',
			total_cents BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			tracking_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS products (
			sku TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price_cents BIGINT NOT NULL,
			in_stock BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id, updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresService) CustomerContext(ctx context.Context, phoneNumber string) (Customer, error) {
	var c Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, phone_number, tier, COALESCE(last_order_at, 'epoch'::timestamptz), notes
		 FROM customers WHERE phone_number=$1`,
		phoneNumber,
	).Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.Tier, &c.LastOrderAt, &c.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

func (s *PostgresService) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, status, items, total_cents, updated_at, tracking_ref
		 FROM orders WHERE id=$1`,
		orderID,
	).Scan(&o.ID, &o.CustomerID, &o.Status, &o.Items, &o.TotalCents, &o.UpdatedAt, &o.TrackingRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

func (s *PostgresService) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT sku, name, price_cents, in_stock
		 FROM products WHERE name ILIKE '%' || $1 || '%' ORDER BY name LIMIT $2`,
		query,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0, limit)
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.PriceCents, &p.InStock); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return products, nil
}
