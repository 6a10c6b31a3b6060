package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"game_server/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenLimited(t *testing.T) {
	clock := newFakeClock()
	tb := ratelimit.NewTokenBucket(10, 20, ratelimit.WithClock(clock.Now))

	res := tb.Consume("conn-1", 20)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Zero(t, res.RetryAfter)

	res = tb.Consume("conn-1", 1)
	assert.False(t, res.Allowed)
	assert.InDelta(t, float64(100*time.Millisecond), float64(res.RetryAfter), float64(time.Millisecond))
}

func TestTokenBucket_FullReplenishment(t *testing.T) {
	clock := newFakeClock()
	tb := ratelimit.NewTokenBucket(10, 20, ratelimit.WithClock(clock.Now))

	tb.Consume("k", 20)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 20, tb.Status("k").Remaining)

	clock.Advance(time.Hour)
	assert.Equal(t, 20, tb.Status("k").Remaining, "capped at burst")
}

func TestTokenBucket_ContinuousRefill(t *testing.T) {
	clock := newFakeClock()
	tb := ratelimit.NewTokenBucket(10, 20, ratelimit.WithClock(clock.Now))

	tb.Consume("k", 20)
	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 2, tb.Status("k").Remaining)

	assert.True(t, tb.Consume("k", 2).Allowed)
	assert.False(t, tb.Consume("k", 1).Allowed)
}

func TestTokenBucket_StatusDoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	tb := ratelimit.NewTokenBucket(1, 3, ratelimit.WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		assert.Equal(t, 3, tb.Status("k").Remaining)
	}
	tb.Consume("k", 1)
	assert.Equal(t, 2, tb.Status("k").Remaining)
	assert.Equal(t, 2, tb.Status("k").Remaining)
}

func TestTokenBucket_ResetAndCleanup(t *testing.T) {
	clock := newFakeClock()
	tb := ratelimit.NewTokenBucket(10, 20, ratelimit.WithClock(clock.Now))

	tb.Consume("a", 20)
	tb.Consume("b", 5)
	tb.Reset("a")
	assert.Equal(t, 20, tb.Status("a").Remaining)

	assert.Equal(t, 0, tb.Cleanup(), "b is not replenished yet")
	clock.Advance(time.Second)
	assert.Equal(t, 1, tb.Cleanup())
}

func TestSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	sw := ratelimit.NewSlidingWindow(3, ratelimit.WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		res := sw.Consume("k", 1)
		require.True(t, res.Allowed)
		clock.Advance(100 * time.Millisecond)
	}
	res := sw.Consume("k", 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	// the first entry was recorded 300ms ago
	assert.Equal(t, 700*time.Millisecond, res.RetryAfter)

	clock.Advance(700 * time.Millisecond)
	assert.True(t, sw.Consume("k", 1).Allowed)
	assert.Equal(t, 0, sw.Status("k").Remaining)

	res = sw.Consume("k", 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, 200*time.Millisecond, res.RetryAfter)
}

func TestSlidingWindow_Cleanup(t *testing.T) {
	clock := newFakeClock()
	sw := ratelimit.NewSlidingWindow(3, ratelimit.WithClock(clock.Now))

	sw.Consume("k", 1)
	assert.Equal(t, 0, sw.Cleanup())
	clock.Advance(time.Second)
	assert.Equal(t, 1, sw.Cleanup())
	assert.Equal(t, 3, sw.Status("k").Remaining)
}

func TestFixedWindow_ResetsAtBoundary(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(900 * time.Millisecond)
	fw := ratelimit.NewFixedWindow(2, ratelimit.WithClock(clock.Now))

	assert.True(t, fw.Consume("k", 1).Allowed)
	assert.True(t, fw.Consume("k", 1).Allowed)
	res := fw.Consume("k", 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, 100*time.Millisecond, res.RetryAfter)

	// new window: the full limit is available again right at the edge
	clock.Advance(100 * time.Millisecond)
	assert.True(t, fw.Consume("k", 1).Allowed)
	assert.True(t, fw.Consume("k", 1).Allowed)
	assert.False(t, fw.Consume("k", 1).Allowed)

	clock.Advance(time.Second)
	assert.Equal(t, 1, fw.Cleanup())
}

func TestNew(t *testing.T) {
	tests := []struct {
		strategy ratelimit.StrategyType
		want     interface{}
	}{
		{ratelimit.TokenBucketStrategy, &ratelimit.TokenBucket{}},
		{ratelimit.SlidingWindowStrategy, &ratelimit.SlidingWindow{}},
		{ratelimit.FixedWindowStrategy, &ratelimit.FixedWindow{}},
		{"", &ratelimit.TokenBucket{}},
	}
	for _, tt := range tests {
		s, err := ratelimit.New(ratelimit.Config{Strategy: tt.strategy, MessagesPerSecond: 5})
		require.NoError(t, err)
		assert.IsType(t, tt.want, s)
	}

	_, err := ratelimit.New(ratelimit.Config{Strategy: "leaky"})
	assert.Error(t, err)
}
