package provider

import (
	"sync"
	"time"
)

// Strategy is what relay discovery learned about the relay's interface.
type Strategy struct {
	Base         string    `json:"base"`
	HeaderName   string    `json:"headerName"`
	StatusPath   string    `json:"statusPath"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// HeaderValue renders the relay key for the discovered header.
func (s *Strategy) HeaderValue(key string) string {
	if s.HeaderName == "Authorization" {
		return "Bearer " + key
	}
	return key
}

var relayHeaderCandidates = []string{"X-Bridge-Relay-Key", "Authorization", "X-API-Key"}

var statusPaths = []string{
	"payments/transaction_status",
	"payment/status",
	"transactions/status",
	"payments/status",
	"transaction_status",
	"transaction-status",
}

// DefaultDiscoveryBackoff is how long a failed discovery is remembered.
const DefaultDiscoveryBackoff = 30 * time.Second

// StrategyCache holds the discovered strategy for ttl and remembers a failed
// discovery for backoff.
type StrategyCache struct {
	mu          sync.Mutex
	strategy    *Strategy
	lastErrorAt time.Time
	ttl         time.Duration
	backoff     time.Duration
	now         func() time.Time
}

func NewStrategyCache(ttl time.Duration) *StrategyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StrategyCache{ttl: ttl, backoff: DefaultDiscoveryBackoff, now: time.Now}
}

// WithBackoff sets how long discovery is skipped after it fails.
func (c *StrategyCache) WithBackoff(d time.Duration) *StrategyCache {
	c.mu.Lock()
	c.backoff = d
	c.mu.Unlock()
	return c
}

func (c *StrategyCache) WithClock(now func() time.Time) *StrategyCache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Get returns the cached strategy while it is fresh.
func (c *StrategyCache) Get() *Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strategy == nil || c.now().Sub(c.strategy.DiscoveredAt) >= c.ttl {
		return nil
	}
	s := *c.strategy
	return &s
}

func (c *StrategyCache) Set(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.DiscoveredAt.IsZero() {
		s.DiscoveredAt = c.now()
	}
	c.strategy = &s
	c.lastErrorAt = time.Time{}
}

func (c *StrategyCache) RecordError() {
	c.mu.Lock()
	c.lastErrorAt = c.now()
	c.mu.Unlock()
}

// BackingOff reports whether the last discovery failed less than backoff ago.
func (c *StrategyCache) BackingOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastErrorAt.IsZero() && c.now().Sub(c.lastErrorAt) < c.backoff
}

func (c *StrategyCache) LastErrorAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrorAt
}

func (c *StrategyCache) Clear() {
	c.mu.Lock()
	c.strategy = nil
	c.lastErrorAt = time.Time{}
	c.mu.Unlock()
}
