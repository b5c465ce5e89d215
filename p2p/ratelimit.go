package p2p

import (
	"math"
	"sync"
	"time"
)

// tokenBucket throttles message intake to rate msgs/sec with a burst ceiling.
// A nil bucket never throttles, which is how rate limiting is disabled.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	updated  time.Time
}

func newTokenBucket(rate float64, burst float64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	capacity := math.Max(math.Max(burst, rate), 1)
	return &tokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		updated:  time.Now(),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.updated).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.updated = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// ipRateLimiter applies a per-host token bucket to inbound connections before
// the handshake, so one address cannot monopolise the accept loop.
type ipRateLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newIPRateLimiter(rate float64, burst float64) *ipRateLimiter {
	if rate <= 0 {
		return nil
	}
	return &ipRateLimiter{
		rate:    rate,
		burst:   math.Max(burst, 1),
		buckets: make(map[string]*tokenBucket),
	}
}

func (l *ipRateLimiter) allow(host string, now time.Time) bool {
	if l == nil || host == "" {
		return true
	}

	l.mu.Lock()
	bucket := l.buckets[host]
	if bucket == nil {
		bucket = newTokenBucket(l.rate, l.burst)
		l.buckets[host] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}
