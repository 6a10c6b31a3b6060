package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit units in any window-long interval.
// Each admitted unit is kept as a timestamp until it leaves the window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
	logs   map[string][]time.Time
}

func NewSlidingWindow(limit int, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		limit:  limit,
		window: o.window,
		now:    o.now,
		logs:   make(map[string][]time.Time),
	}
}

// live returns the suffix of log still inside the window ending at now
func (sw *SlidingWindow) live(log []time.Time, now time.Time) []time.Time {
	start := now.Add(-sw.window)
	i := 0
	for i < len(log) && !log[i].After(start) {
		i++
	}
	return log[i:]
}

func (sw *SlidingWindow) result(log []time.Time, now time.Time, allowed bool, cost int) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: sw.limit - len(log),
		ResetAt:   now,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if len(log) > 0 {
		res.ResetAt = log[0].Add(sw.window)
	}
	if !allowed {
		need := len(log) + cost - sw.limit
		if cost > sw.limit || need > len(log) {
			res.RetryAfter = sw.window
		} else {
			res.RetryAfter = log[need-1].Add(sw.window).Sub(now)
		}
	}
	return res
}

func (sw *SlidingWindow) Consume(key string, cost int) Result {
	if cost < 0 {
		cost = 0
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	log := sw.live(sw.logs[key], now)
	if len(log)+cost > sw.limit {
		sw.logs[key] = log
		return sw.result(log, now, false, cost)
	}
	for i := 0; i < cost; i++ {
		log = append(log, now)
	}
	sw.logs[key] = log
	return sw.result(log, now, true, cost)
}

func (sw *SlidingWindow) Status(key string) Result {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	return sw.result(sw.live(sw.logs[key], now), now, true, 0)
}

func (sw *SlidingWindow) Reset(key string) {
	sw.mu.Lock()
	delete(sw.logs, key)
	sw.mu.Unlock()
}

func (sw *SlidingWindow) Cleanup() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	removed := 0
	for key, log := range sw.logs {
		if len(sw.live(log, now)) == 0 {
			delete(sw.logs, key)
			removed++
		}
	}
	return removed
}

type fixedCounter struct {
	start time.Time
	count int
}

// FixedWindow counts units per wall-clock window and resets the count at every
// boundary. Up to twice the limit can pass around a boundary.
type FixedWindow struct {
	limit    int
	window   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]*fixedCounter
}

func NewFixedWindow(limit int, opts ...Option) *FixedWindow {
	o := buildOptions(opts)
	return &FixedWindow{
		limit:    limit,
		window:   o.window,
		now:      o.now,
		counters: make(map[string]*fixedCounter),
	}
}

func (fw *FixedWindow) current(c *fixedCounter, now time.Time) (time.Time, int) {
	start := now.Truncate(fw.window)
	if c == nil || !c.start.Equal(start) {
		return start, 0
	}
	return start, c.count
}

func (fw *FixedWindow) result(start time.Time, count int, now time.Time, allowed bool) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: fw.limit - count,
		ResetAt:   start.Add(fw.window),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !allowed {
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res
}

func (fw *FixedWindow) Consume(key string, cost int) Result {
	if cost < 0 {
		cost = 0
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	start, count := fw.current(fw.counters[key], now)
	if count+cost > fw.limit {
		fw.counters[key] = &fixedCounter{start: start, count: count}
		return fw.result(start, count, now, false)
	}
	count += cost
	fw.counters[key] = &fixedCounter{start: start, count: count}
	return fw.result(start, count, now, true)
}

func (fw *FixedWindow) Status(key string) Result {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	start, count := fw.current(fw.counters[key], now)
	return fw.result(start, count, now, true)
}

func (fw *FixedWindow) Reset(key string) {
	fw.mu.Lock()
	delete(fw.counters, key)
	fw.mu.Unlock()
}

func (fw *FixedWindow) Cleanup() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	removed := 0
	for key, c := range fw.counters {
		if !c.start.Add(fw.window).After(now) {
			delete(fw.counters, key)
			removed++
		}
	}
	return removed
}
