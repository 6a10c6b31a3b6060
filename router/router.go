// Package router picks the server that should host a new room.
package router

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"game_server/cluster"
	"game_server/metrics"

	"github.com/samber/lo"
)

type Strategy string

const (
	RoundRobin   Strategy = "round-robin"
	LeastRooms   Strategy = "least-rooms"
	LeastPlayers Strategy = "least-players"
	Random       Strategy = "random"
	Weighted     Strategy = "weighted"
)

const DefaultLocalPreferenceThreshold = 0.8

type Config struct {
	// Strategy defaults to LeastRooms.
	Strategy    Strategy
	PreferLocal bool
	// LocalPreferenceThreshold is the load below which the local server wins
	// without consulting the strategy. Zero means 0.8.
	LocalPreferenceThreshold float64
	// Rand returns a float in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Router is safe for concurrent use. Only round-robin keeps state between calls.
type Router struct {
	cfg Config

	mu sync.Mutex
	rr int
}

func New(cfg Config) (*Router, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = LeastRooms
	}
	switch cfg.Strategy {
	case RoundRobin, LeastRooms, LeastPlayers, Random, Weighted:
	default:
		return nil, fmt.Errorf("unknown router strategy %q", cfg.Strategy)
	}
	if cfg.LocalPreferenceThreshold <= 0 {
		cfg.LocalPreferenceThreshold = DefaultLocalPreferenceThreshold
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Router{cfg: cfg}, nil
}

func (r *Router) Strategy() Strategy {
	return r.cfg.Strategy
}

// ResetRoundRobin restarts the round-robin cycle at the first server.
func (r *Router) ResetRoundRobin() {
	r.mu.Lock()
	r.rr = 0
	r.mu.Unlock()
}

// SelectServer returns the server that should take a new room, or nil when
// no server is online with spare capacity. localServerID may be empty.
func (r *Router) SelectServer(servers []cluster.ServerRegistration, localServerID string) *cluster.ServerRegistration {
	eligible := lo.Filter(servers, func(s cluster.ServerRegistration, _ int) bool {
		return s.Eligible()
	})
	if len(eligible) == 0 {
		metrics.RouterSelections.WithLabelValues(string(r.cfg.Strategy), "none").Inc()
		return nil
	}

	if r.cfg.PreferLocal && localServerID != "" {
		local, ok := lo.Find(eligible, func(s cluster.ServerRegistration) bool {
			return s.ServerID == localServerID
		})
		if ok && local.Load() < r.cfg.LocalPreferenceThreshold {
			metrics.RouterSelections.WithLabelValues(string(r.cfg.Strategy), "local").Inc()
			return &local
		}
	}

	picked := r.pick(eligible)
	metrics.RouterSelections.WithLabelValues(string(r.cfg.Strategy), "selected").Inc()
	return &picked
}

func (r *Router) pick(eligible []cluster.ServerRegistration) cluster.ServerRegistration {
	switch r.cfg.Strategy {
	case RoundRobin:
		r.mu.Lock()
		idx := r.rr % len(eligible)
		r.rr++
		r.mu.Unlock()
		return eligible[idx]
	case LeastPlayers:
		return minBy(eligible, func(s cluster.ServerRegistration) int { return s.PlayerCount })
	case Random:
		idx := int(r.cfg.Rand() * float64(len(eligible)))
		return eligible[min(idx, len(eligible)-1)]
	case Weighted:
		return r.weighted(eligible)
	}
	return minBy(eligible, func(s cluster.ServerRegistration) int { return s.RoomCount })
}

// minBy keeps the first server on ties
func minBy(servers []cluster.ServerRegistration, key func(cluster.ServerRegistration) int) cluster.ServerRegistration {
	return lo.MinBy(servers, func(a, b cluster.ServerRegistration) bool {
		return key(a) < key(b)
	})
}

// weighted is a roulette over the free capacity share of each server.
func (r *Router) weighted(eligible []cluster.ServerRegistration) cluster.ServerRegistration {
	weights := lo.Map(eligible, func(s cluster.ServerRegistration, _ int) float64 {
		return float64(s.Capacity-s.RoomCount) / float64(s.Capacity)
	})
	target := r.cfg.Rand() * lo.Sum(weights)
	for i, w := range weights {
		target -= w
		if target < 0 {
			return eligible[i]
		}
	}
	// only reachable through float rounding
	return eligible[0]
}
