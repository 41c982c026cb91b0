package chain

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state shared by all on-chain calls.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes the shared breaker. Zero fields take the documented
// defaults; all are runtime knobs.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping
	ResetTimeout     time.Duration // open → half-open
	HalfOpenMaxCalls int           // probe successes needed to close, and probe concurrency cap
	Window           time.Duration // rolling window clearing counts while closed
	OnStateChange    func(from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 5 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// breakerCounts tracks request outcomes within one generation.
type breakerCounts struct {
	requests             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
}

func (c *breakerCounts) clear() { *c = breakerCounts{} }

// Breaker implements CLOSED / OPEN / HALF_OPEN with generation counters so
// results from a previous state never leak into the current one.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     breakerCounts
	expiry     time.Time
	openedAt   time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), state: BreakerClosed}
	b.toNewGeneration(time.Now())
	return b
}

// State returns the current state, applying any due open→half-open
// transition first.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Allow reserves a call slot. It returns ErrCircuitOpen while open, and
// while half-open once the probe quota is in flight. On success the caller
// must report the outcome via the returned done function.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == BreakerOpen {
		return nil, ErrCircuitOpen
	}
	if state == BreakerHalfOpen && b.counts.requests >= uint32(b.cfg.HalfOpenMaxCalls) {
		return nil, ErrCircuitOpen
	}
	b.counts.requests++

	return func(success bool) {
		b.afterRequest(generation, success)
	}, nil
}

// Trip forces the breaker open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerOpen, time.Now())
}

// Reset clears all counts and closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed, time.Now())
	b.counts.clear()
}

// ForceClose closes the breaker without clearing failure history; the next
// failure may trip it again immediately.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = BreakerClosed
	b.expiry = time.Now().Add(b.cfg.Window)
	if prev != BreakerClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(prev, BreakerClosed)
	}
}

// ConsecutiveFailures reports the failure streak in the current generation.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.counts.consecutiveFailures)
}

// OpenedAt returns when the breaker last opened.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		// Result from a previous generation; state already moved on.
		return
	}

	if success {
		b.counts.consecutiveSuccesses++
		b.counts.consecutiveFailures = 0
		if state == BreakerHalfOpen && b.counts.consecutiveSuccesses >= uint32(b.cfg.HalfOpenMaxCalls) {
			b.setState(BreakerClosed, now)
		}
		return
	}

	b.counts.consecutiveFailures++
	b.counts.consecutiveSuccesses = 0
	switch state {
	case BreakerClosed:
		if b.counts.consecutiveFailures >= uint32(b.cfg.FailureThreshold) {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

// currentState applies time-based transitions. Caller holds the lock.
func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == BreakerOpen {
		b.openedAt = now
	}
	b.toNewGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case BreakerClosed:
		b.expiry = now.Add(b.cfg.Window)
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.ResetTimeout)
	default:
		b.expiry = time.Time{}
	}
}
