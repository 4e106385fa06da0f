package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	evictEvery = time.Minute
	idleTTL    = 10 * time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// TokenBucket keeps one bucket per key in memory. Buckets refill at rate
// tokens per second up to burst and are evicted after idleTTL without use.
type TokenBucket struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	stop      chan struct{}
}

// NewTokenBucket starts a limiter and its eviction loop. Call Close to stop it.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return newTokenBucket(rate, burst, time.Now)
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *TokenBucket {
	tb := &TokenBucket{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go tb.evictLoop()
	return tb
}

// Allow takes one token from key's bucket.
func (tb *TokenBucket) Allow(_ context.Context, key string) (Decision, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.burst, seen: now}
		tb.buckets[key] = b
	}
	b.tokens = math.Min(tb.burst, b.tokens+now.Sub(b.seen).Seconds()*tb.rate)
	b.seen = now

	if b.tokens < 1 {
		var wait time.Duration
		if tb.rate > 0 {
			wait = time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
		}
		return Decision{RetryAfter: wait}, nil
	}
	b.tokens--
	return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
}

// Close stops the eviction loop. It may be called more than once.
func (tb *TokenBucket) Close() error {
	tb.closeOnce.Do(func() { close(tb.stop) })
	return nil
}

func (tb *TokenBucket) evictLoop() {
	t := time.NewTicker(evictEvery)
	defer t.Stop()
	for {
		select {
		case <-tb.stop:
			return
		case <-t.C:
			tb.evictIdle()
		}
	}
}

func (tb *TokenBucket) evictIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	cutoff := tb.now().Add(-idleTTL)
	for k, b := range tb.buckets {
		if b.seen.Before(cutoff) {
			delete(tb.buckets, k)
		}
	}
}
