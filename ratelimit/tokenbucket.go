package ratelimit

import (
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// TokenBucket holds up to burst tokens per key and refills rate tokens per second,
// accrued continuously from the time of the last consume.
type TokenBucket struct {
	rate    float64
	burst   float64
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewTokenBucket(rate float64, burst int, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		rate:    rate,
		burst:   float64(burst),
		now:     o.now,
		buckets: make(map[string]*bucket),
	}
}

func (tb *TokenBucket) available(b *bucket, now time.Time) float64 {
	if b == nil {
		return tb.burst
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(tb.burst, b.tokens+elapsed*tb.rate)
}

func (tb *TokenBucket) result(tokens float64, now time.Time, allowed bool, cost int) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now.Add(seconds((tb.burst - tokens) / tb.rate)),
	}
	if !allowed {
		res.RetryAfter = seconds((float64(cost) - tokens) / tb.rate)
	}
	return res
}

func (tb *TokenBucket) Consume(key string, cost int) Result {
	if cost < 0 {
		cost = 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b := tb.buckets[key]
	tokens := tb.available(b, now)
	if b == nil {
		b = &bucket{}
		tb.buckets[key] = b
	}
	b.last = now

	if tokens >= float64(cost) {
		tokens -= float64(cost)
		b.tokens = tokens
		return tb.result(tokens, now, true, cost)
	}
	b.tokens = tokens
	return tb.result(tokens, now, false, cost)
}

func (tb *TokenBucket) Status(key string) Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	return tb.result(tb.available(tb.buckets[key], now), now, true, 0)
}

func (tb *TokenBucket) Reset(key string) {
	tb.mu.Lock()
	delete(tb.buckets, key)
	tb.mu.Unlock()
}

func (tb *TokenBucket) Cleanup() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	removed := 0
	for key, b := range tb.buckets {
		if tb.available(b, now) >= tb.burst {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}
