// Package metrics holds the prometheus collectors exported by a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RoomsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "game",
		Name:      "rooms_active",
		Help:      "Rooms currently hosted by this node.",
	}, []string{"room_type"})

	PlayersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "game",
		Name:      "players_active",
		Help:      "Players attached to a room on this node.",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game",
		Name:      "rate_limited_total",
		Help:      "Messages rejected by a room rate limiter.",
	}, []string{"room_type", "message_type"})

	Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game",
		Name:      "transactions_total",
		Help:      "Finished transactions by final state.",
	}, []string{"state"})

	RouterSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game",
		Name:      "router_selections_total",
		Help:      "Server selections by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	ClusterIsolated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "game",
		Name:      "cluster_isolated",
		Help:      "1 while the node cannot reach the distributed adapter.",
	})
)

func init() {
	Registry.MustRegister(
		RoomsActive,
		PlayersActive,
		RateLimited,
		Transactions,
		RouterSelections,
		ClusterIsolated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the node registry
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
