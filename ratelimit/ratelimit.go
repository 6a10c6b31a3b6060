// Package ratelimit implements per-key admission control for room messages.
//
// Three strategies are provided, all keyed by an opaque string (usually the
// player or connection id):
//   - token bucket: continuous refill up to a burst capacity
//   - sliding window: timestamp log over the last window
//   - fixed window: counter reset at wall-clock window boundaries
//
// All strategies are safe for concurrent use.
package ratelimit

import (
	"fmt"
	"time"
)

// StrategyType names a rate limiting algorithm
type StrategyType string

const (
	TokenBucketStrategy   StrategyType = "token-bucket"
	SlidingWindowStrategy StrategyType = "sliding-window"
	FixedWindowStrategy   StrategyType = "fixed-window"
)

const defaultWindow = time.Second

// Result is the outcome of a single check. RetryAfter is only set when Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Strategy is a keyed rate limiting algorithm
type Strategy interface {
	// Consume checks and deducts cost units for key atomically.
	Consume(key string, cost int) Result
	// Status reports what a zero-cost consume would see, without changing state.
	Status(key string) Result
	// Reset forgets key.
	Reset(key string)
	// Cleanup drops keys whose state is fully replenished or expired and returns how many were dropped.
	Cleanup() int
}

// Config is the room level rate limit configuration
type Config struct {
	MessagesPerSecond float64
	BurstSize         int
	Strategy          StrategyType
	// OnLimited replaces the default "rate limited" reply sent to the player.
	OnLimited func(key, msgType string, res Result)
	// DisconnectOnLimit kicks the player after MaxConsecutiveLimits consecutive rejections.
	DisconnectOnLimit    bool
	MaxConsecutiveLimits int
	// KeyFunc maps a player id to the limiter key, identity by default.
	KeyFunc         func(playerID string) string
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 10
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(c.MessagesPerSecond)
		if c.BurstSize < 1 {
			c.BurstSize = 1
		}
	}
	if c.Strategy == "" {
		c.Strategy = TokenBucketStrategy
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

// inherit fills the zero fields of an override from the room wide config
func (c Config) inherit(base Config) Config {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = base.MessagesPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = base.BurstSize
	}
	if c.Strategy == "" {
		c.Strategy = base.Strategy
	}
	return c.withDefaults()
}

type options struct {
	now    func() time.Time
	window time.Duration
}

// Option tunes a strategy
type Option func(*options)

// WithClock replaces time.Now, used for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithWindow changes the window of sliding and fixed window strategies (1s by default).
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, window: defaultWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the strategy named in cfg.
func New(cfg Config, opts ...Option) (Strategy, error) {
	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case TokenBucketStrategy:
		return NewTokenBucket(cfg.MessagesPerSecond, cfg.BurstSize, opts...), nil
	case SlidingWindowStrategy:
		return NewSlidingWindow(windowLimit(cfg), opts...), nil
	case FixedWindowStrategy:
		return NewFixedWindow(windowLimit(cfg), opts...), nil
	}
	return nil, fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
}

func windowLimit(cfg Config) int {
	limit := int(cfg.MessagesPerSecond)
	if limit < 1 {
		limit = 1
	}
	return limit
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
