// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "klados"
const clusterSubsystem = "cluster"

// Metrics holds the coordinator's Prometheus instruments. Build one with
// NewMetrics() at startup and share it across the cluster, describe, and
// scatter workers.
type Metrics struct {
	// HandoffsTotal counts handoffs emitted, by kind (invoke, scatter)
	// and the stage that emitted them.
	HandoffsTotal *prometheus.CounterVec

	// FallbackOutcomesTotal counts how the two-step convergence fallback
	// resolved: joined_semantic, joined_lexicographic, survived_index_lag,
	// survived_canonical, dissolved.
	FallbackOutcomesTotal *prometheus.CounterVec

	// DescribeRetriesTotal counts JSON-parse retry attempts the describe
	// worker needed before a response validated, or before giving up.
	DescribeRetriesTotal *prometheus.CounterVec

	// SearchLatencySeconds measures semantic search round-trip latency.
	SearchLatencySeconds prometheus.Histogram

	// ActiveClusterWorkers tracks in-flight cluster state machine runs.
	ActiveClusterWorkers prometheus.Gauge
}

// NewMetrics registers and returns the coordinator's metric instruments.
// Must be called at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		HandoffsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clusterSubsystem,
				Name:      "handoffs_total",
				Help:      "Total handoffs emitted, by kind and originating stage",
			},
			[]string{"kind", "stage"},
		),

		FallbackOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clusterSubsystem,
				Name:      "fallback_outcomes_total",
				Help:      "Total convergence fallback resolutions, by outcome",
			},
			[]string{"outcome"},
		),

		DescribeRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "describe",
				Name:      "json_retries_total",
				Help:      "Total JSON-parse retry attempts by the describe worker, by result",
			},
			[]string{"result"},
		),

		SearchLatencySeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clusterSubsystem,
				Name:      "search_latency_seconds",
				Help:      "Semantic search round-trip latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		ActiveClusterWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: clusterSubsystem,
				Name:      "active_workers",
				Help:      "Number of cluster state machine runs currently in flight",
			},
		),
	}
}

// RecordHandoff increments the handoff counter for kind emitted by stage.
func (m *Metrics) RecordHandoff(kind, stage string) {
	m.HandoffsTotal.WithLabelValues(kind, stage).Inc()
}

// RecordFallbackOutcome increments the fallback outcome counter.
func (m *Metrics) RecordFallbackOutcome(outcome string) {
	m.FallbackOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordDescribeRetry increments the describe retry counter for a given
// per-attempt result: "parsed", "parse_error", or "exhausted".
func (m *Metrics) RecordDescribeRetry(result string) {
	m.DescribeRetriesTotal.WithLabelValues(result).Inc()
}

// ClusterWorkerStarted increments the active cluster worker gauge.
func (m *Metrics) ClusterWorkerStarted() {
	m.ActiveClusterWorkers.Inc()
}

// ClusterWorkerFinished decrements the active cluster worker gauge.
func (m *Metrics) ClusterWorkerFinished() {
	m.ActiveClusterWorkers.Dec()
}
