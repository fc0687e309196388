// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lobby"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live admitted connections.",
	})

	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "Connections refused at admission.",
	}, []string{"reason"})

	Displaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_displaced_total",
		Help:      "Connections force-closed because the same identity connected again.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Inbound events by name.",
	}, []string{"event"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rate_limited_total",
		Help:      "Inbound events rejected by the rate limiter.",
	}, []string{"event"})

	Interactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interactions_total",
		Help:      "Interaction lifecycle transitions.",
	}, []string{"kind", "outcome"})

	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_failures_total",
		Help:      "Failed store operations.",
	}, []string{"op"})

	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_dropped_total",
		Help:      "Outbound frames dropped under backpressure.",
	}, []string{"event"})
)
