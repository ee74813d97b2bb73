package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// evictAfter is how long an address can stay idle before its bucket is
	// discarded. Bounds the map against scans from many source IPs.
	evictAfter = 10 * time.Minute
	evictEvery = time.Minute
)

// bucket tracks the remaining tokens for one client address.
type bucket struct {
	tokens float64
	seen   time.Time // last Allow call; drives idle eviction
}

// MemoryLimiter is an in-process token bucket per key, sized for the admin
// token exchange: a legitimate operator exchanges the API key a handful of
// times a day, so a small burst with a slow refill blunts key guessing
// without ever locking a real operator out.
//
// State is process-local; each instance throttles independently. A background
// goroutine discards buckets for addresses idle longer than evictAfter.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing rate sustained
// requests per second per key with bursts up to burst. Call Close to stop the
// eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token from key's bucket. False means the caller is over
// its budget and the request should be rejected.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// New address: full bucket, minus the token for this request.
		m.buckets[key] = &bucket{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.seen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-evictAfter)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
