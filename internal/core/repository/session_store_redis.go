package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

const scanBatch = 100

// errCorruptRecord marks a stored record that no longer decodes.
var errCorruptRecord = errors.New("session store: corrupt record")

// RedisSessionStore implements domain.SessionStore on Redis.
//
// Layout, all under one namespace prefix:
//
//	<prefix>session:<id>     JSON session record, TTL = remaining lifetime
//	<prefix>owner:<digest>   set of session ids, digest = BLAKE2b-256(owner)
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore creates a RedisSessionStore using prefix as key namespace.
func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (r *RedisSessionStore) sessionKey(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisSessionStore) ownerKey(owner string) string {
	return r.prefix + "owner:" + ownerDigest(owner)
}

// ownerDigest is the hex BLAKE2b-256 of the owner, so owner identifiers
// such as email addresses never appear in key names.
func ownerDigest(owner string) string {
	sum := blake2b.Sum256([]byte(owner))
	return hex.EncodeToString(sum[:])
}

// Put writes the full record with the given TTL.
func (r *RedisSessionStore) Put(ctx context.Context, s *domain.Session, ttl time.Duration) error {
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

	return r.client.Set(ctx, r.sessionKey(s.ID), data, ttl).Err()
}

// Get returns the record for id, or (nil, nil) when absent.
func (r *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptRecord, id, err)
	}
	return &s, nil
}

// Delete removes the record. DEL on a missing key is a no-op.
func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.sessionKey(id)).Err()
}

func (r *RedisSessionStore) AddToOwner(ctx context.Context, owner, id string) error {
	return r.client.SAdd(ctx, r.ownerKey(owner), id).Err()
}

func (r *RedisSessionStore) RemoveFromOwner(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return r.client.SRem(ctx, r.ownerKey(owner), members...).Err()
}

func (r *RedisSessionStore) OwnerSessionIDs(ctx context.Context, owner string) ([]string, error) {
	return r.client.SMembers(ctx, r.ownerKey(owner)).Result()
}

// Count returns the number of session records currently stored. SCAN may
// return a key more than once, so keys are counted once each.
func (r *RedisSessionStore) Count(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("session store: count: %w", err)
	}
	return len(seen), nil
}

// Scan visits every stored record once. Keys that vanish mid-scan are
// skipped. Records that no longer decode are logged and deleted.
func (r *RedisSessionStore) Scan(ctx context.Context, fn func(*domain.Session) error) error {
	prefixLen := len(r.sessionKey(""))
	seen := make(map[string]struct{})
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		s, err := r.Get(ctx, key[prefixLen:])
		switch {
		case errors.Is(err, errCorruptRecord):
			r.dropCorrupt(ctx, key, err)
			continue
		case err != nil:
			return err
		case s == nil:
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("session store: scan: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) dropCorrupt(ctx context.Context, key string, cause error) {
	logger := pkgzerolog.FromContext(ctx)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Failed to delete corrupt session record")
		return
	}
	logger.Warn().Err(cause).Str("key", key).Msg("Deleted corrupt session record")
}

// PruneOwnerIndexes drops owner-index members whose record is gone.
func (r *RedisSessionStore) PruneOwnerIndexes(ctx context.Context) (int, error) {
	pruned := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"owner:*", scanBatch).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := r.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return pruned, err
		}

		var stale []interface{}
		for _, id := range ids {
			exists, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
			if err != nil {
				return pruned, err
			}
			if exists == 0 {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := r.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			return pruned, err
		}
		pruned += len(stale)
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("session store: prune owner indexes: %w", err)
	}
	return pruned, nil
}

// Close closes the underlying Redis client.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
