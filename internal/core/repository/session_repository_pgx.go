package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

// PgxSessionStore implements domain.SessionStore on Postgres. Time-to-live is
// emulated with an expires_at column: rows past it are invisible to every
// read and are physically removed by PruneOwnerIndexes.
//
// The pool is owned by the caller and is not closed by Close.
type PgxSessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionStore creates a new PgxSessionStore.
func NewSessionStore(pool *pgxpool.Pool) *PgxSessionStore {
	return &PgxSessionStore{pool: pool, now: time.Now}
}

// Put upserts the full record with the given TTL.
func (r *PgxSessionStore) Put(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	if s.ID == "" || s.Owner == "" {
		return errors.New("session store: missing session id or owner")
	}
	if ttl <= 0 {
		return fmt.Errorf("session store: non-positive ttl %s", ttl)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session store: marshal %s: %w", s.ID, err)
	}

	query := `
		INSERT INTO sessions (id, owner_key, record, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
	`
	_, err = r.pool.Exec(ctx, query, s.ID, ownerDigest(s.Owner), data, r.now().Add(ttl))
	return err
}

// Get returns the record for id.
// Returns (nil, nil) when no live row matches.
func (r *PgxSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT record FROM sessions WHERE id = $1 AND expires_at > $2`

	var data []byte
	err := r.pool.QueryRow(ctx, query, id, r.now()).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptRecord, id, err)
	}
	return &s, nil
}

func (r *PgxSessionStore) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (r *PgxSessionStore) AddToOwner(ctx context.Context, owner, id string) error {
	query := `INSERT INTO session_owners (owner_key, session_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, query, ownerDigest(owner), id)
	return err
}

func (r *PgxSessionStore) RemoveFromOwner(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM session_owners WHERE owner_key = $1 AND session_id = ANY($2)`
	_, err := r.pool.Exec(ctx, query, ownerDigest(owner), ids)
	return err
}

func (r *PgxSessionStore) OwnerSessionIDs(ctx context.Context, owner string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_id FROM session_owners WHERE owner_key = $1`, ownerDigest(owner))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Count returns the number of live rows.
func (r *PgxSessionStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE expires_at > $1`, r.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("session store: count: %w", err)
	}
	return n, nil
}

type sessionRow struct {
	ID     string `db:"id"`
	Record []byte `db:"record"`
}

// Scan visits every live row. Rows whose record no longer decodes are
// logged and deleted.
func (r *PgxSessionStore) Scan(ctx context.Context, fn func(*domain.Session) error) error {
	rows, err := r.pool.Query(ctx, `SELECT id, record FROM sessions WHERE expires_at > $1`, r.now())
	if err != nil {
		return fmt.Errorf("session store: scan: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[sessionRow])
	if err != nil {
		return fmt.Errorf("session store: scan: %w", err)
	}

	for _, row := range records {
		var s domain.Session
		if err := json.Unmarshal(row.Record, &s); err != nil {
			r.dropCorrupt(ctx, row.ID, err)
			continue
		}
		if err := fn(&s); err != nil {
			return err
		}
	}
	return nil
}

func (r *PgxSessionStore) dropCorrupt(ctx context.Context, id string, cause error) {
	logger := pkgzerolog.FromContext(ctx)
	if err := r.Delete(ctx, id); err != nil {
		logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete corrupt session record")
		return
	}
	logger.Warn().Err(cause).Str("session_id", id).Msg("Deleted corrupt session record")
}

// PruneOwnerIndexes deletes rows past their TTL, then drops index entries
// without a live row. Only the index entries are counted.
func (r *PgxSessionStore) PruneOwnerIndexes(ctx context.Context) (int, error) {
	now := r.now()
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now); err != nil {
		return 0, fmt.Errorf("session store: delete lapsed rows: %w", err)
	}

	query := `
		DELETE FROM session_owners o
		WHERE NOT EXISTS (
			SELECT 1 FROM sessions s WHERE s.id = o.session_id AND s.expires_at > $1
		)
	`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("session store: prune owner indexes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool is shared with the order ledger.
func (r *PgxSessionStore) Close() error {
	return nil
}
