package enrich

import (
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probes allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker stops calling a collaborator after repeated failures so a dead
// breach database or embedding server costs one rejected check per record
// instead of one timeout per record.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	probes    int
	threshold int
	cooldown  time.Duration
	probeMax  int
	openedAt  time.Time
	now       func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets consecutive failures before opening.
func WithBreakerThreshold(n int) BreakerOption { return func(b *Breaker) { b.threshold = n } }

// WithBreakerCooldown sets how long the breaker stays open.
func WithBreakerCooldown(d time.Duration) BreakerOption { return func(b *Breaker) { b.cooldown = d } }

// WithBreakerProbes sets successes needed in half-open before closing.
func WithBreakerProbes(n int) BreakerOption { return func(b *Breaker) { b.probeMax = n } }

// WithBreakerClock injects the clock.
func WithBreakerClock(fn func() time.Time) BreakerOption { return func(b *Breaker) { b.now = fn } }

// NewBreaker defaults to 5 failures, 30s cooldown, 2 probes.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{threshold: 5, cooldown: 30 * time.Second, probeMax: 2, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Allow reports whether a call may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state != BreakerOpen
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.probeMax {
			b.state, b.failures, b.probes = BreakerClosed, 0, 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probes = 0
}

// advance moves an open breaker to half-open once the cooldown elapsed.
// mu must be held.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
}
