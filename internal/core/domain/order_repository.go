package domain

import (
	"context"
	"time"
)

// Order status values recorded in the ledger. The workflow engine may report
// other statuses; they are stored as given.
const (
	OrderStatusPlaced    = "placed"
	OrderStatusCancelled = "cancelled"
)

// Order is a ledger row written after a successful checkout.
type Order struct {
	OrderID   string    `json:"orderId"`
	SessionID string    `json:"sessionId"`
	Owner     string    `json:"owner"`
	Status    string    `json:"status"`
	Total     string    `json:"total,omitempty"`
	PlacedAt  time.Time `json:"placedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderRepository defines the data-access contract for the order ledger.
// Implementations live in internal/core/repository (Core layer).
type OrderRepository interface {
	// Record inserts the order, or refreshes status and total when it already exists.
	Record(ctx context.Context, o Order) error

	// UpdateStatus sets the status of an existing order belonging to owner.
	// Another owner's order is reported as ErrNotFound and left untouched.
	UpdateStatus(ctx context.Context, owner, orderID, status string) error

	// Get returns the owner's order with the given id.
	// Returns (nil, nil) when the owner has no such order.
	Get(ctx context.Context, owner, orderID string) (*Order, error)

	// ListByOwner returns the owner's orders, newest first.
	ListByOwner(ctx context.Context, owner string) ([]Order, error)
}
