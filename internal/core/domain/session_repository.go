package domain

import (
	"context"
	"time"
)

// SessionStore defines the durable, TTL-keyed storage contract for sessions.
// Implementations live in internal/core/repository (Core layer).
// Only atomic single-key operations and atomic set add/remove are required;
// no operation spans more than one session record.
type SessionStore interface {
	// Put writes the full record under its id with the given time-to-live,
	// replacing any existing record.
	Put(ctx context.Context, s *Session, ttl time.Duration) error

	// Get returns the record for id.
	// Returns (nil, nil) when no record exists.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the record for id. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error

	// AddToOwner adds id to the owner's index set.
	AddToOwner(ctx context.Context, owner, id string) error

	// RemoveFromOwner removes id from the owner's index set.
	RemoveFromOwner(ctx context.Context, owner string, ids ...string) error

	// OwnerSessionIDs returns every id currently in the owner's index set.
	OwnerSessionIDs(ctx context.Context, owner string) ([]string, error)

	// Count returns the number of stored session records.
	Count(ctx context.Context) (int, error)

	// Scan calls fn once for every stored session record. Records that no
	// longer decode are deleted instead of visited. Returning an error from
	// fn stops the scan and is returned from Scan.
	Scan(ctx context.Context, fn func(*Session) error) error

	// PruneOwnerIndexes removes index entries whose record no longer exists
	// and returns how many entries were removed.
	PruneOwnerIndexes(ctx context.Context) (int, error)

	// Close releases the store's connections.
	Close() error
}
