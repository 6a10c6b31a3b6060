package ratelimit

import (
	"sync"
)

// Decision is what a room needs to know about one inbound message
type Decision struct {
	Result
	// Exempt is set when the message type bypasses rate limiting.
	Exempt bool
	// Consecutive is the number of rejections in a row for the key, zero after an allowed message.
	Consecutive int
	// Disconnect asks the room to kick the player.
	Disconnect bool
}

// Limiter applies a room wide Config with per message type exemptions and overrides.
type Limiter struct {
	cfg  Config
	opts []Option
	def  Strategy

	mu          sync.Mutex
	overrides   map[string]Strategy
	exempt      map[string]struct{}
	consecutive map[string]int
}

func NewLimiter(cfg Config, opts ...Option) (*Limiter, error) {
	cfg = cfg.withDefaults()
	def, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:         cfg,
		opts:        opts,
		def:         def,
		overrides:   make(map[string]Strategy),
		exempt:      make(map[string]struct{}),
		consecutive: make(map[string]int),
	}, nil
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// Key maps a player id to the limiter key
func (l *Limiter) Key(playerID string) string {
	if l.cfg.KeyFunc != nil {
		return l.cfg.KeyFunc(playerID)
	}
	return playerID
}

// Exempt disables rate limiting for msgType.
func (l *Limiter) Exempt(msgType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exempt[msgType] = struct{}{}
	delete(l.overrides, msgType)
}

// Override gives msgType its own budget. Zero fields of cfg inherit the room config.
func (l *Limiter) Override(msgType string, cfg Config) error {
	s, err := New(cfg.inherit(l.cfg), l.opts...)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[msgType] = s
	delete(l.exempt, msgType)
	return nil
}

func (l *Limiter) strategyFor(msgType string) (Strategy, bool) {
	if _, ok := l.exempt[msgType]; ok {
		return nil, true
	}
	if s, ok := l.overrides[msgType]; ok {
		return s, false
	}
	return l.def, false
}

// Check consumes one unit for key under the budget of msgType.
func (l *Limiter) Check(key, msgType string) Decision {
	l.mu.Lock()
	s, exempt := l.strategyFor(msgType)
	l.mu.Unlock()
	if exempt {
		return Decision{Result: Result{Allowed: true}, Exempt: true}
	}

	res := s.Consume(key, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if res.Allowed {
		delete(l.consecutive, key)
		return Decision{Result: res}
	}
	l.consecutive[key]++
	d := Decision{Result: res, Consecutive: l.consecutive[key]}
	if l.cfg.DisconnectOnLimit {
		threshold := l.cfg.MaxConsecutiveLimits
		if threshold < 1 {
			threshold = 1
		}
		d.Disconnect = d.Consecutive >= threshold
	}
	return d
}

// Status reports the budget of key for msgType without consuming.
func (l *Limiter) Status(key, msgType string) Result {
	l.mu.Lock()
	s, exempt := l.strategyFor(msgType)
	l.mu.Unlock()
	if exempt {
		return Result{Allowed: true}
	}
	return s.Status(key)
}

// Reset forgets key in every budget.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	strategies := l.strategiesLocked()
	delete(l.consecutive, key)
	l.mu.Unlock()

	for _, s := range strategies {
		s.Reset(key)
	}
}

// Cleanup runs Cleanup on every budget and returns the number of dropped keys.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	strategies := l.strategiesLocked()
	l.mu.Unlock()

	removed := 0
	for _, s := range strategies {
		removed += s.Cleanup()
	}
	return removed
}

func (l *Limiter) strategiesLocked() []Strategy {
	out := make([]Strategy, 0, len(l.overrides)+1)
	out = append(out, l.def)
	for _, s := range l.overrides {
		out = append(out, s)
	}
	return out
}
