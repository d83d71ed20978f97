package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

// PgxOrderRepository implements domain.OrderRepository using pgxpool.
type PgxOrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new PgxOrderRepository.
func NewOrderRepository(pool *pgxpool.Pool) *PgxOrderRepository {
	return &PgxOrderRepository{pool: pool}
}

// Record inserts the order, or refreshes status and total when it already exists.
func (r *PgxOrderRepository) Record(ctx context.Context, o domain.Order) error {
	query := `
		INSERT INTO orders (order_id, session_id, owner, status, total, placed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id) DO UPDATE
		SET status = EXCLUDED.status, total = EXCLUDED.total, updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query, o.OrderID, o.SessionID, o.Owner, o.Status, o.Total, o.PlacedAt)
	return err
}

// UpdateStatus sets the status of an existing order belonging to owner.
func (r *PgxOrderRepository) UpdateStatus(ctx context.Context, owner, orderID, status string) error {
	query := `UPDATE orders SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE order_id = $1 AND owner = $3`
	tag, err := r.pool.Exec(ctx, query, orderID, status, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %q: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// Get returns the owner's order with the given id.
// Returns (nil, nil) when the owner has no such order.
func (r *PgxOrderRepository) Get(ctx context.Context, owner, orderID string) (*domain.Order, error) {
	query := `
		SELECT order_id, session_id, owner, status, total, placed_at, updated_at
		FROM orders
		WHERE order_id = $1 AND owner = $2
	`

	var o domain.Order
	err := r.pool.QueryRow(ctx, query, orderID, owner).Scan(
		&o.OrderID, &o.SessionID, &o.Owner, &o.Status, &o.Total, &o.PlacedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &o, nil
}

// ListByOwner returns the owner's orders, newest first.
func (r *PgxOrderRepository) ListByOwner(ctx context.Context, owner string) ([]domain.Order, error) {
	query := `
		SELECT order_id, session_id, owner, status, total, placed_at, updated_at
		FROM orders
		WHERE owner = $1
		ORDER BY placed_at DESC
	`

	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		var o domain.Order
		err := row.Scan(&o.OrderID, &o.SessionID, &o.Owner, &o.Status, &o.Total, &o.PlacedAt, &o.UpdatedAt)
		return o, err
	})
}
