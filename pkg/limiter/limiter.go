// Package limiter provides per-principal token-bucket rate limiting for the
// API, in memory for single instances or in Redis for shared deployments.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is returned by Check when a key has no tokens left.
var ErrLimited = errors.New("rate limit exceeded")

// Policy bounds how often one key may act.
type Policy struct {
	RPM   int `yaml:"rpm" env:"RPM"`
	Burst int `yaml:"burst" env:"BURST"`
}

func (p Policy) ratePerSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		return 1
	}
	return r
}

func (p Policy) capacity() int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}

// Store abstracts where buckets live.
type Store interface {
	// Allow consumes cost tokens from key's bucket and reports whether
	// enough were available.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: now,
	}
}

// Allow refills for the time elapsed since the last call, then consumes.
func (tb *TokenBucket) Allow(now time.Time, cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// Memory keeps buckets in process memory.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]*TokenBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	now := m.clock()
	m.mu.Lock()
	tb, ok := m.buckets[key]
	if !ok {
		tb = NewTokenBucket(policy.ratePerSecond(), policy.capacity(), now)
		m.buckets[key] = tb
	}
	m.mu.Unlock()
	return tb.Allow(now, cost), nil
}

// Check consumes one token for key and fails when the bucket is empty or the
// store is unavailable.
func Check(ctx context.Context, s Store, key string, policy Policy) error {
	if s == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := s.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	return nil
}
