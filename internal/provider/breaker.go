package provider

import (
	"sync"
	"time"
)

// Breaker gates the relay rail. Failures are counted in a sliding window;
// reaching the threshold opens the breaker for openFor, after which it
// closes again on its own.
type Breaker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	openFor   time.Duration
	failures  []time.Time
	openedAt  time.Time
	now       func() time.Time
}

// BreakerState is a point-in-time view for health endpoints.
type BreakerState struct {
	State    string     `json:"state"`
	OpenedAt *time.Time `json:"openedAt,omitempty"`
	Failures int        `json:"recentFailures"`
}

func NewBreaker(window time.Duration, threshold int, openFor time.Duration) *Breaker {
	if window <= 0 {
		window = time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 2 * time.Minute
	}
	return &Breaker{window: window, threshold: threshold, openFor: openFor, now: time.Now}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(b.now())
}

func (b *Breaker) openLocked(now time.Time) bool {
	if b.openedAt.IsZero() {
		return false
	}
	if now.Sub(b.openedAt) < b.openFor {
		return true
	}
	b.openedAt = time.Time{}
	b.failures = nil
	breakerTransitions.WithLabelValues("open", "closed").Inc()
	return false
}

// RecordFailure adds a failure and opens the breaker once the window holds
// threshold failures.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	kept := b.failures[:0]
	for _, t := range b.failures {
		if now.Sub(t) < b.window {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	relayFailures.Inc()
	if len(b.failures) >= b.threshold && !b.openLocked(now) {
		b.openedAt = now
		breakerTransitions.WithLabelValues("closed", "open").Inc()
	}
}

// ForceOpen trips the breaker immediately, e.g. from an operator endpoint.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openLocked(b.now()) {
		breakerTransitions.WithLabelValues("closed", "open").Inc()
	}
	b.openedAt = b.now()
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = time.Time{}
	b.failures = nil
}

func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerState{State: "closed", Failures: len(b.failures)}
	if b.openLocked(b.now()) {
		at := b.openedAt
		s.State = "open"
		s.OpenedAt = &at
	}
	return s
}
