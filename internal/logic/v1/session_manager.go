package v1

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/middleware"
)

// SessionConfig configures the SessionManager.
type SessionConfig struct {
	// Lifetime is the default session lifetime used when Create gets none.
	Lifetime time.Duration
	// MaxSessions is the live-session ceiling.
	MaxSessions int
	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration
}

// ManagerOption customizes a SessionManager.
type ManagerOption func(*SessionManager)

// WithManagerClock replaces the manager's time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *SessionManager) { m.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(newID func() string) ManagerOption {
	return func(m *SessionManager) { m.newID = newID }
}

// SessionManager is the sole owner of session records. It depends on the
// SessionStore interface (injected via constructor) and never holds a
// session between calls: every mutation is a read-modify-write against the
// store. Concurrent writers to the same session are last-write-wins.
type SessionManager struct {
	store  domain.SessionStore
	tokens *TokenSigner
	cfg    SessionConfig
	now    func() time.Time
	newID  func() string

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(store domain.SessionStore, tokens *TokenSigner, cfg SessionConfig, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SessionManager) clock() time.Time {
	return m.now().UTC()
}

// Create registers a new session in the given initial state. A zero or
// negative lifetime selects the configured default.
func (m *SessionManager) Create(ctx context.Context, owner string, state domain.SessionState, lifetime time.Duration, meta *domain.SessionMetadata) (*domain.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "session.create", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.state", string(state)),
	))
	defer span.End()

	if owner == "" {
		return nil, errors.New("create session: owner is required")
	}
	if !state.Valid() {
		return nil, fmt.Errorf("create session: invalid initial state %q", state)
	}
	if lifetime <= 0 {
		lifetime = m.cfg.Lifetime
	}

	live, err := m.store.Count(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create session: count live sessions: %w", err)
	}
	if live >= m.cfg.MaxSessions {
		span.SetAttributes(attribute.Bool("session.capacity_exceeded", true))
		return nil, domain.CapacityExceeded("create session", m.cfg.MaxSessions)
	}

	now := m.clock()
	sess := &domain.Session{
		ID:        m.newID(),
		Owner:     owner,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(lifetime),
		Carried:   domain.NewCarriedState(),
	}
	if meta != nil {
		md := *meta
		sess.Metadata = &md
	}

	if err := m.store.Put(ctx, sess, lifetime); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create session: store record: %w", err)
	}
	if err := m.store.AddToOwner(ctx, owner, sess.ID); err != nil {
		span.RecordError(err)
		_ = m.store.Delete(ctx, sess.ID)
		return nil, fmt.Errorf("create session: index owner: %w", err)
	}

	sessionsCreated.WithLabelValues(string(state)).Inc()
	span.SetAttributes(attribute.String("session.id", sess.ID))
	pkgzerolog.FromContext(ctx).Debug().
		Str("session_id", sess.ID).
		Str("state", string(state)).
		Time("expires_at", sess.ExpiresAt).
		Msg("Session created")

	return sess, nil
}

// Get returns the live session. An expired record is deleted and reported
// as domain.ErrExpired.
func (m *SessionManager) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if sess == nil {
		return nil, domain.NotFound("get session", id)
	}
	if sess.IsExpired(m.clock()) {
		m.expire(ctx, sess, "read")
		return nil, domain.Expired("get session", id)
	}
	return sess, nil
}

// expire removes an expired record and its index entry. Failures are
// logged only; the record will also lapse through the store's own TTL.
func (m *SessionManager) expire(ctx context.Context, sess *domain.Session, source string) {
	logger := pkgzerolog.FromContext(ctx)
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to delete expired session")
		return
	}
	if err := m.store.RemoveFromOwner(ctx, sess.Owner, sess.ID); err != nil {
		logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to prune owner index")
	}
	sessionsExpired.WithLabelValues(source).Inc()
}

// Update merges upd into the session and rewrites it with its remaining
// time-to-live; the deadline is never reset. When no time remains at write
// time nothing is written and domain.ErrExpired is returned.
func (m *SessionManager) Update(ctx context.Context, id string, upd domain.SessionUpdate) (*domain.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "session.update", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", id),
	))
	defer span.End()

	sess, err := m.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update session: %w", err)
	}

	now := m.clock()
	if upd.State != nil {
		sess.State = *upd.State
	}
	sess.Carried = sess.Carried.Merge(upd.Carried)
	switch {
	case upd.LoginCompletedAt != nil:
		t := upd.LoginCompletedAt.UTC()
		sess.LoginCompletedAt = &t
	case sess.LoginCompletedAt == nil && upd.Carried.HasAuthData():
		t := now
		sess.LoginCompletedAt = &t
	}
	touch(sess, now)

	ttl := sess.Remaining(now)
	if ttl <= 0 {
		span.AddEvent("session.update_skipped_expired")
		return nil, domain.Expired("update session", id)
	}
	if err := m.store.Put(ctx, sess, ttl); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return sess, nil
}

// touch advances UpdatedAt, keeping it strictly increasing even when the
// clock has not moved since the previous write.
func touch(sess *domain.Session, now time.Time) {
	if !now.After(sess.UpdatedAt) {
		now = sess.UpdatedAt.Add(time.Nanosecond)
	}
	sess.UpdatedAt = now
}

// Delete removes the session and its owner-index entry. Deleting an absent
// session is not an error.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if sess != nil {
		if err := m.store.RemoveFromOwner(ctx, sess.Owner, id); err != nil {
			return fmt.Errorf("delete session %s: prune owner index: %w", id, err)
		}
		pkgzerolog.FromContext(ctx).Debug().Str("session_id", id).Msg("Session deleted")
	}
	return nil
}

// Extend pushes the deadline forward by extraMinutes. CreatedAt is unchanged.
func (m *SessionManager) Extend(ctx context.Context, id string, extraMinutes int) (*domain.Session, error) {
	if extraMinutes <= 0 {
		return nil, fmt.Errorf("extend session %s: extra minutes must be positive, got %d", id, extraMinutes)
	}

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}

	now := m.clock()
	sess.ExpiresAt = sess.ExpiresAt.Add(time.Duration(extraMinutes) * time.Minute)
	touch(sess, now)

	if err := m.store.Put(ctx, sess, sess.Remaining(now)); err != nil {
		return nil, fmt.Errorf("extend session %s: %w", id, err)
	}
	return sess, nil
}

// ListByOwner returns the owner's live sessions, oldest first. Index entries
// whose record is missing or expired are pruned as a side effect.
func (m *SessionManager) ListByOwner(ctx context.Context, owner string) ([]*domain.Session, error) {
	ids, err := m.store.OwnerSessionIDs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	var stale []string
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		switch {
		case err == nil && sess.Owner == owner:
			sessions = append(sessions, sess)
		case err == nil, errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrExpired):
			stale = append(stale, id)
		default:
			return nil, fmt.Errorf("list sessions: %w", err)
		}
	}

	if len(stale) > 0 {
		if err := m.store.RemoveFromOwner(ctx, owner, stale...); err != nil {
			pkgzerolog.FromContext(ctx).Warn().Err(err).Int("stale", len(stale)).Msg("Failed to prune owner index")
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// CountLive returns the current live-session count.
func (m *SessionManager) CountLive(ctx context.Context) (int, error) {
	n, err := m.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// IssueToken signs a token binding the caller to the session. The token
// expires together with the session, so it must be re-issued after Extend.
func (m *SessionManager) IssueToken(sess *domain.Session) (string, error) {
	token, err := m.tokens.Issue(sess.ID, sess.Owner, sess.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("issue token for session %s: %w", sess.ID, err)
	}
	return token, nil
}

// VerifyToken validates a token and returns its claims.
func (m *SessionManager) VerifyToken(token string) (*TokenClaims, error) {
	return m.tokens.Verify(token)
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned int
	Expired int
	Pruned  int
}

// Sweep deletes every record whose deadline has passed and prunes owner
// index entries that point at missing records. Reads already refuse stale
// records; the sweep only bounds storage growth.
func (m *SessionManager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.clock()

	var expired []*domain.Session
	err := m.store.Scan(ctx, func(s *domain.Session) error {
		res.Scanned++
		if s.IsExpired(now) {
			expired = append(expired, s)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("sweep sessions: %w", err)
	}

	for _, s := range expired {
		m.expire(ctx, s, "sweep")
		res.Expired++
	}

	pruned, err := m.store.PruneOwnerIndexes(ctx)
	res.Pruned = pruned
	if err != nil {
		return res, fmt.Errorf("sweep sessions: %w", err)
	}

	sessionsLive.Set(float64(res.Scanned - res.Expired))
	return res, nil
}

// StartSweeper runs Sweep every SweepInterval until Close is called.
// Calling it more than once has no effect.
func (m *SessionManager) StartSweeper() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.sweepCancel != nil || m.cfg.SweepInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(pkgzerolog.WithContext(context.Background()))
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := m.Sweep(ctx)
				if err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Session sweep failed")
					continue
				}
				log.Debug().
					Int("scanned", res.Scanned).
					Int("expired", res.Expired).
					Int("pruned", res.Pruned).
					Msg("Session sweep completed")
			}
		}
	}(m.sweepDone)

	log.Info().Dur("interval", m.cfg.SweepInterval).Msg("Session sweeper started")
}

// Close stops the sweeper and closes the store.
func (m *SessionManager) Close() error {
	m.sweepMu.Lock()
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
		m.sweepCancel = nil
	}
	m.sweepMu.Unlock()

	return m.store.Close()
}
