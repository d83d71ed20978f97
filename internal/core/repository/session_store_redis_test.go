package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

var (
	_ domain.SessionStore    = (*RedisSessionStore)(nil)
	_ domain.SessionStore    = (*PgxSessionStore)(nil)
	_ domain.OrderRepository = (*PgxOrderRepository)(nil)
)

func newTestStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStore(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func testSession(id, owner string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:        id,
		Owner:     owner,
		State:     domain.StateActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Carried:   domain.NewCarriedState(),
	}
}

func TestRedisSessionStore_PutGetDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	s := testSession("s1", "user@example.com")
	s.Carried.Cookies["sid"] = "abc"
	require.NoError(t, store.Put(ctx, s, time.Hour))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user@example.com", got.Owner)
	assert.Equal(t, "abc", got.Carried.Cookies["sid"])
	assert.True(t, s.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, time.Hour, mr.TTL("test:session:s1"))

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"), "delete is idempotent")

	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisSessionStore_PutRejectsBadInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, testSession("", "u"), time.Hour))
	assert.Error(t, store.Put(ctx, testSession("s1", "u"), 0))
}

func TestRedisSessionStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("s1", "u"), time.Minute))
	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisSessionStore_OwnerIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddToOwner(ctx, "user@example.com", "s1"))
	require.NoError(t, store.AddToOwner(ctx, "user@example.com", "s2"))
	require.NoError(t, store.AddToOwner(ctx, "other@example.com", "s3"))

	ids, err := store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	require.NoError(t, store.RemoveFromOwner(ctx, "user@example.com", "s1"))
	require.NoError(t, store.RemoveFromOwner(ctx, "user@example.com"))
	ids, err = store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "example.com", "owner must not appear in key names")
	}
}

func TestRedisSessionStore_CountAndScan(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, testSession(id, "u"), time.Hour))
	}
	require.NoError(t, store.AddToOwner(ctx, "u", "a"))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "owner index keys are not counted")

	var seen []string
	require.NoError(t, store.Scan(ctx, func(s *domain.Session) error {
		seen = append(seen, s.ID)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestRedisSessionStore_ScanDropsCorruptRecords(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Put(ctx, testSession(id, "u"), time.Hour))
	}
	require.NoError(t, mr.Set("test:session:bad", "not-json"))

	_, err := store.Get(ctx, "bad")
	assert.ErrorIs(t, err, errCorruptRecord)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var seen []string
	require.NoError(t, store.Scan(ctx, func(s *domain.Session) error {
		seen = append(seen, s.ID)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
	assert.False(t, mr.Exists("test:session:bad"))

	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a corrupt record no longer holds capacity")
}

func TestRedisSessionStore_CountAcrossScanBatches(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const total = scanBatch*2 + 17
	for i := 0; i < total; i++ {
		require.NoError(t, store.Put(ctx, testSession(fmt.Sprintf("s%03d", i), "u"), time.Hour))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	visited := make(map[string]int)
	require.NoError(t, store.Scan(ctx, func(s *domain.Session) error {
		visited[s.ID]++
		return nil
	}))
	assert.Len(t, visited, total)
	for id, times := range visited {
		assert.Equal(t, 1, times, id)
	}
}

func TestRedisSessionStore_PruneOwnerIndexes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("live", "u"), time.Hour))
	require.NoError(t, store.AddToOwner(ctx, "u", "live"))
	require.NoError(t, store.AddToOwner(ctx, "u", "gone"))
	require.NoError(t, store.AddToOwner(ctx, "v", "gone-too"))

	pruned, err := store.PruneOwnerIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	ids, err := store.OwnerSessionIDs(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids)
}

func TestOwnerDigest(t *testing.T) {
	a := ownerDigest("user@example.com")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ownerDigest("user@example.com"))
	assert.NotEqual(t, a, ownerDigest("other@example.com"))
}
