// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Update outcomes for UpdatesTotal.
const (
	OutcomeApplied   = "applied"
	OutcomeStale     = "stale"
	OutcomeMalformed = "malformed"
)

var (
	// UpdatesTotal counts live updates by where they were reconciled
	// ("session" or "gateway") and outcome.
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstate",
		Name:      "updates_total",
		Help:      "Live updates processed, by scope and outcome.",
	}, []string{"scope", "outcome"})

	SnapshotLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstate",
		Name:      "snapshot_loads_total",
		Help:      "Snapshot loads by source and result (ok, error, superseded).",
	}, []string{"source", "result"})

	SnapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sensorstate",
		Name:      "snapshot_load_seconds",
		Help:      "Snapshot load latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstate",
		Name:      "subscription_errors_total",
		Help:      "Failed join/leave control calls.",
	}, []string{"op"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sensorstate",
		Name:      "chart_sessions",
		Help:      "Mounted chart sessions.",
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sensorstate",
		Name:      "hub_clients",
		Help:      "Connected hub subscribers.",
	})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorstate",
		Name:      "hub_dropped_subscribers_total",
		Help:      "Subscribers removed because their send buffer was full.",
	})

	IngestedReadings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstate",
		Name:      "ingested_readings_total",
		Help:      "Readings accepted by the gateway, by ingest source.",
	}, []string{"source"})
)
