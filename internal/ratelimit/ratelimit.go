// Package ratelimit implements a per-client token bucket limiter guarding
// the trace ingestion endpoint from a single noisy client, mirroring the
// collector's original in-process TokenBucketRateLimiter.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const staleBucketAge = time.Hour

// bucket holds one client's token state. tokens is a float so partial
// refills between requests are not lost to integer truncation.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// Limiter is a token bucket rate limiter, one bucket per client ID. It is
// safe for concurrent use.
type Limiter struct {
	rate  float64
	burst float64
	nowFn func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// New creates a limiter that allows rate requests per second sustained per
// client, with burst capacity for short spikes above that rate.
func New(rate float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:    rate,
		burst:   float64(burst),
		nowFn:   time.Now,
		buckets: map[string]*bucket{},
	}
}

// Allow consumes a token for clientID if one is available. When denied, it
// also returns the number of whole seconds the caller should wait before
// retrying.
func (l *Limiter) Allow(clientID string) (allowed bool, retryAfterSeconds int) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	l.maybeSweep(now)

	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastUpdate: now}
		l.buckets[clientID] = b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	tokens := math.Min(l.burst, b.tokens+elapsed*l.rate)

	if tokens >= 1.0 {
		b.tokens = tokens - 1.0
		b.lastUpdate = now
		return true, 0
	}

	b.tokens = tokens
	b.lastUpdate = now
	retryAfter := int((1.0-tokens)/l.rate) + 1
	return false, retryAfter
}

// maybeSweep evicts buckets that have not been touched recently, bounding
// memory growth from a long tail of one-off clients.
func (l *Limiter) maybeSweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < staleBucketAge {
		return
	}
	for clientID, b := range l.buckets {
		if now.Sub(b.lastUpdate) > staleBucketAge {
			delete(l.buckets, clientID)
		}
	}
	l.lastSweep = now
}
