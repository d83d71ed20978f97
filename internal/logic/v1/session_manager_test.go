package v1

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/internal/core/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type managerFixture struct {
	manager *SessionManager
	store   *repository.RedisSessionStore
	redis   *miniredis.Miniredis
	clock   *testClock
}

func newManagerFixture(t *testing.T, maxSessions int) *managerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	store := repository.NewRedisSessionStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	clock := newTestClock()

	signer := NewTokenSigner("test-secret", time.Hour)
	signer.now = clock.Now

	m := NewSessionManager(store, signer, SessionConfig{
		Lifetime:      60 * time.Minute,
		MaxSessions:   maxSessions,
		SweepInterval: time.Minute,
	}, WithManagerClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	return &managerFixture{manager: m, store: store, redis: mr, clock: clock}
}

func TestSessionManager_CreateThenGet(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	meta := &domain.SessionMetadata{UserAgent: "agent/1.0", IPAddress: "10.0.0.1"}
	created, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 0, meta)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotContains(t, created.ID, "user")

	got, err := f.manager.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "user@example.com", got.Owner)
	assert.True(t, got.ExpiresAt.After(got.CreatedAt))
	assert.Equal(t, 60*time.Minute, got.ExpiresAt.Sub(got.CreatedAt))
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, meta, got.Metadata)
	assert.NotNil(t, got.Carried.Cookies)
	assert.Nil(t, got.LoginCompletedAt)

	ids, err := f.store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, ids)
}

func TestSessionManager_CreateRejectsBadInput(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, "", domain.StateActive, 0, nil)
	assert.Error(t, err)

	_, err = f.manager.Create(ctx, "u@example.com", domain.StateExpired, 0, nil)
	assert.Error(t, err)
}

func TestSessionManager_GetMissing(t *testing.T) {
	f := newManagerFixture(t, 10)

	_, err := f.manager.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionManager_ExpiredReadDeletes(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 10*time.Minute, nil)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)

	_, err = f.manager.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.False(t, f.redis.Exists("test:session:"+sess.ID), "expired record deleted on read")

	_, err = f.manager.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := f.store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionManager_UpdateMergesCookies(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 0, nil)
	require.NoError(t, err)

	_, err = f.manager.Update(ctx, sess.ID, domain.SessionUpdate{
		Carried: domain.CarriedState{Cookies: domain.StringMap{"b": "2"}},
	})
	require.NoError(t, err)

	updated, err := f.manager.Update(ctx, sess.ID, domain.SessionUpdate{
		Carried: domain.CarriedState{Cookies: domain.StringMap{"a": "1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StringMap{"a": "1", "b": "2"}, updated.Carried.Cookies)

	stored, err := f.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StringMap{"a": "1", "b": "2"}, stored.Carried.Cookies)
}

func TestSessionManager_UpdateKeepsDeadline(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateManualLoginPending, 0, nil)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	updated, err := f.manager.Update(ctx, sess.ID, domain.SessionUpdate{State: domain.StatePtr(domain.StateActive)})
	require.NoError(t, err)

	assert.Equal(t, domain.StateActive, updated.State)
	assert.True(t, sess.ExpiresAt.Equal(updated.ExpiresAt), "deadline is not reset")
	assert.Equal(t, 40*time.Minute, f.redis.TTL("test:session:"+sess.ID), "rewritten with remaining ttl")
}

func TestSessionManager_UpdatedAtStrictlyIncreases(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 0, nil)
	require.NoError(t, err)

	prev := sess.UpdatedAt
	for i := 0; i < 3; i++ {
		// Clock frozen: updatedAt must still advance.
		updated, err := f.manager.Update(ctx, sess.ID, domain.SessionUpdate{
			Carried: domain.CarriedState{LocalStorage: domain.StringMap{"k": fmt.Sprint(i)}},
		})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(prev))
		prev = updated.UpdatedAt
	}
}

func TestSessionManager_UpdateStampsLoginCompletion(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 0, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	first, err := f.manager.Update(ctx, sess.ID, domain.SessionUpdate{
		Carried: domain.CarriedState{Tokens: domain.AuthTokens{AccessToken: "at"}},
	})
	require.NoError(t, err)
	require.NotNil(t, first.LoginCompletedAt)
	assert.True(t, first.LoginCompletedAt.Equal(f.clock.Now()))

	f.clock.Advance(time.Minute)
	second, err := f.manager.Update(ctx, sess.ID, domain.SessionUpdate{
		Carried: domain.CarriedState{Cookies: domain.StringMap{"c": "1"}},
	})
	require.NoError(t, err)
	assert.True(t, first.LoginCompletedAt.Equal(*second.LoginCompletedAt), "stamped only once")
}

func TestSessionManager_UpdateExpiredIsNoop(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, time.Minute, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.manager.Update(ctx, sess.ID, domain.SessionUpdate{State: domain.StatePtr(domain.StateActive)})
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.False(t, f.redis.Exists("test:session:"+sess.ID))
}

func TestSessionManager_CapacityCeiling(t *testing.T) {
	f := newManagerFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.manager.Create(ctx, fmt.Sprintf("user%d@example.com", i), domain.StateActive, 0, nil)
		require.NoError(t, err)
	}

	_, err := f.manager.Create(ctx, "late@example.com", domain.StateActive, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	n, err := f.manager.CountLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSessionManager_DeleteIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 0, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, sess.ID))
	require.NoError(t, f.manager.Delete(ctx, sess.ID))

	_, err = f.manager.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := f.store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionManager_Extend(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 60*time.Minute, nil)
	require.NoError(t, err)

	extended, err := f.manager.Extend(ctx, sess.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, extended.ExpiresAt.Sub(sess.ExpiresAt))
	assert.True(t, sess.CreatedAt.Equal(extended.CreatedAt))

	stored, err := f.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(stored.ExpiresAt))
	assert.Equal(t, 90*time.Minute, f.redis.TTL("test:session:"+sess.ID))

	_, err = f.manager.Extend(ctx, sess.ID, 0)
	assert.Error(t, err)
}

func TestSessionManager_ListByOwnerPrunesStaleEntries(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	short, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 5*time.Minute, nil)
	require.NoError(t, err)
	long, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 60*time.Minute, nil)
	require.NoError(t, err)
	_, err = f.manager.Create(ctx, "other@example.com", domain.StateActive, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddToOwner(ctx, "user@example.com", "dangling"))

	f.clock.Advance(10 * time.Minute)

	sessions, err := f.manager.ListByOwner(ctx, "user@example.com")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, long.ID, sessions[0].ID)

	ids, err := f.store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID}, ids)
	assert.NotContains(t, ids, short.ID)
}

func TestSessionManager_Sweep(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	expiring, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 5*time.Minute, nil)
	require.NoError(t, err)
	live, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 60*time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddToOwner(ctx, "ghost@example.com", "orphan"))

	f.clock.Advance(6 * time.Minute)

	res, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Pruned)

	assert.False(t, f.redis.Exists("test:session:"+expiring.ID))
	ids, err := f.store.OwnerSessionIDs(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{live.ID}, ids)
}

func TestSessionManager_SweepSurvivesCorruptRecord(t *testing.T) {
	f := newManagerFixture(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, time.Minute, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.redis.Set("test:session:corrupt", "not-json"))

	f.clock.Advance(2 * time.Minute)

	res, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 5, res.Expired)

	n, err := f.manager.CountLive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.redis.Exists("test:session:corrupt"))
}

func TestSessionManager_SweeperLifecycle(t *testing.T) {
	f := newManagerFixture(t, 10)

	f.manager.StartSweeper()
	f.manager.StartSweeper()

	done := make(chan error, 1)
	go func() { done <- f.manager.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the sweeper")
	}
}

func TestSessionManager_Tokens(t *testing.T) {
	f := newManagerFixture(t, 10)

	ctx := context.Background()

	sess, err := f.manager.Create(ctx, "user@example.com", domain.StateActive, 3*time.Hour, nil)
	require.NoError(t, err)
	token, err := f.manager.IssueToken(sess)
	require.NoError(t, err)

	claims, err := f.manager.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, claims.SessionID)
	assert.Equal(t, "user@example.com", claims.Owner())
	assert.Equal(t, sess.ExpiresAt.Unix(), claims.ExpiresAt.Unix())

	// Past the default lifetime the session and its token are both still valid.
	f.clock.Advance(61 * time.Minute)
	_, err = f.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.manager.VerifyToken(token)
	require.NoError(t, err)

	extended, err := f.manager.Extend(ctx, sess.ID, 60)
	require.NoError(t, err)
	renewed, err := f.manager.IssueToken(extended)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.VerifyToken(token)
	assert.ErrorIs(t, err, domain.ErrInvalidToken, "old token ends at the old deadline")
	claims, err = f.manager.VerifyToken(renewed)
	require.NoError(t, err)
	assert.Equal(t, extended.ExpiresAt.Unix(), claims.ExpiresAt.Unix())
}
