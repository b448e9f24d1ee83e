// Package metrics provides Prometheus instrumentation for the Duet
// matchmaker. It exposes gauges for connection and searcher counts, counters
// for matches, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SearchersTotal tracks the current number of users in searching status.
	SearchersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_searchers_total",
		Help: "Current number of users with an active search",
	})

	// MatchesTotal counts pairs created since process start.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_matches_total",
		Help: "Total number of matched pairs created",
	})

	// MatchDuration records the time from search start to match, in seconds.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_match_duration_seconds",
		Help:    "Time from search start to match",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// MessageLatency records chat message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_message_latency_seconds",
		Help:    "Chat message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "sent", "rejected", or "queued" (breaker fallback).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// ActiveChats tracks the current number of active chats known to the store.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_active_chats",
		Help: "Current number of active chats",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SearchersTotal,
		MatchesTotal,
		MatchDuration,
		MessageLatency,
		MessagesTotal,
		ActiveChats,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
