package gateway

import (
	"sync"
	"time"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

// BreakerState is closed (calls flow) or open (calls fail fast).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	Endpoint    string       `json:"endpoint"`
	State       BreakerState `json:"-"`
	StateName   string       `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"lastFailure,omitempty"`
	NextAttempt time.Time    `json:"nextAttempt,omitempty"`
}

// Breaker isolates faults on a single endpoint. After threshold consecutive
// failures it opens for the cooldown; the first call after the cooldown
// closes it again and goes through as a trial. There is no separate
// half-open state and no probe quota, so an endpoint under sustained partial
// failure can flap between open and closed.
type Breaker struct {
	mu sync.Mutex

	endpoint  Endpoint
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(Endpoint, BreakerState)

	state       BreakerState
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
}

func newBreaker(ep Endpoint, threshold int, cooldown time.Duration, now func() time.Time, onChange func(Endpoint, BreakerState)) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		endpoint:  ep,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		onChange:  onChange,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed is reset to closed and the call is allowed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerClosed {
		return nil
	}
	if b.now().Before(b.nextAttempt) {
		return domain.CircuitOpen(b.endpoint.String())
	}

	b.state = BreakerClosed
	b.failures = 0
	b.notify()
	return nil
}

// RecordSuccess resets the consecutive-failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.notify()
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.lastFailure = now
	if b.failures >= b.threshold {
		b.nextAttempt = now.Add(b.cooldown)
		if b.state != BreakerOpen {
			b.state = BreakerOpen
			b.notify()
		}
	}
}

// Snapshot returns a copy of the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		Endpoint:    b.endpoint.String(),
		State:       b.state,
		StateName:   b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextAttempt: b.nextAttempt,
	}
}

// notify must be called with mu held.
func (b *Breaker) notify() {
	if b.onChange != nil {
		b.onChange(b.endpoint, b.state)
	}
}
