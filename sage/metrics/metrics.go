// Package metrics exposes the Prometheus collectors shared across csvsage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatasetLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvsage_dataset_loads_total",
			Help: "Total number of dataset load attempts by outcome",
		},
		[]string{"outcome"},
	)

	DatasetLoadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csvsage_dataset_load_retries_total",
			Help: "Total number of dataset loads retried because the content was empty",
		},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvsage_tool_invocations_total",
			Help: "Total number of tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	QueriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvsage_queries_total",
			Help: "Total number of orchestrated queries by outcome",
		},
		[]string{"outcome"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csvsage_query_duration_seconds",
			Help:    "Duration of orchestrated queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	ExchangeTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csvsage_exchange_turns",
			Help:    "Number of responder turns taken per query",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csvsage_sessions_active",
			Help: "Number of sessions currently held by the session manager",
		},
	)
)
