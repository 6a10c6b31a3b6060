package room

import (
	"time"

	"game_server/ratelimit"
	"game_server/transaction"
)

// Definition is a registered room type
type Definition struct {
	Name       string
	Factory    Factory
	MaxPlayers int
	// RateLimit enables the per room limiter when set.
	RateLimit     *ratelimit.Config
	RateLimitOpts []ratelimit.Option
	Transactions  *transaction.Manager
	// AutoDispose disposes the room once its last player leaves.
	AutoDispose bool
	// MaxLifetime disposes the room after this long. Zero keeps it forever.
	MaxLifetime time.Duration
	Metadata    map[string]any
}

type DefineOption func(*Definition)

const DefaultMaxPlayers = 16

func NewDefinition(name string, factory Factory, opts ...DefineOption) *Definition {
	d := &Definition{
		Name:        name,
		Factory:     factory,
		MaxPlayers:  DefaultMaxPlayers,
		AutoDispose: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func WithMaxPlayers(n int) DefineOption {
	return func(d *Definition) {
		d.MaxPlayers = n
	}
}

func WithRateLimit(cfg ratelimit.Config, opts ...ratelimit.Option) DefineOption {
	return func(d *Definition) {
		d.RateLimit = &cfg
		d.RateLimitOpts = opts
	}
}

func WithTransactions(m *transaction.Manager) DefineOption {
	return func(d *Definition) {
		d.Transactions = m
	}
}

func WithAutoDispose(enabled bool) DefineOption {
	return func(d *Definition) {
		d.AutoDispose = enabled
	}
}

func WithMaxLifetime(ttl time.Duration) DefineOption {
	return func(d *Definition) {
		d.MaxLifetime = ttl
	}
}

func WithMetadata(md map[string]any) DefineOption {
	return func(d *Definition) {
		d.Metadata = md
	}
}

// HandlerOption tunes one message handler
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	noRateLimit bool
	rateLimit   *ratelimit.Config
}

// NoRateLimit exempts the message type from the room limiter.
func NoRateLimit() HandlerOption {
	return func(c *handlerConfig) {
		c.noRateLimit = true
		c.rateLimit = nil
	}
}

// RateLimit gives the message type its own budget. Zero fields inherit the room config.
func RateLimit(cfg ratelimit.Config) HandlerOption {
	return func(c *handlerConfig) {
		c.noRateLimit = false
		c.rateLimit = &cfg
	}
}
