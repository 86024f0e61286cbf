// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package metrics defines Prometheus metrics for the ingestion pipeline.
//
// All metrics are registered via promauto at package load and exposed on the
// admin server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Normalization metrics

	ReportsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_reports_normalized_total",
			Help: "Total raw reports normalized, by source and sanity",
		},
		[]string{"source", "sane"},
	)

	ReportsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_reports_rejected_total",
			Help: "Total raw reports rejected (no resolvable identity)",
		},
		[]string{"source"},
	)

	// Fusion metrics

	FusionWindowsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelorus_fusion_windows_open",
			Help: "Number of currently open fusion windows",
		},
	)

	FusionWindowsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_fusion_windows_closed_total",
			Help: "Total fusion windows closed and scored",
		},
	)

	FusionWindowsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_fusion_windows_dropped_total",
			Help: "Total fusion windows dropped with zero sane candidates",
		},
	)

	FusionLateDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_fusion_late_discards_total",
			Help: "Reports discarded for arriving after their window closed",
		},
	)

	FusedReportsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_fused_reports_emitted_total",
			Help: "Total fused reports emitted, by winning source",
		},
		[]string{"source"},
	)

	FusionCandidatesPerWindow = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pelorus_fusion_candidates_per_window",
			Help:    "Candidate reports per closed fusion window",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// Source quality metrics

	SourceWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pelorus_source_weight",
			Help: "Current trust weight per source",
		},
		[]string{"source"},
	)

	SourceDemoted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pelorus_source_demoted",
			Help: "Whether a source is currently demoted (1) or not (0)",
		},
		[]string{"source"},
	)

	// Circuit breaker metrics

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pelorus_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	BreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_breaker_requests_total",
			Help: "Requests through circuit breakers, by outcome",
		},
		[]string{"breaker", "outcome"},
	)

	// Batch writer metrics

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pelorus_batch_flush_duration_seconds",
			Help:    "Batch writer flush duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pelorus_batch_flush_size",
			Help:    "Reports per batch flush",
			Buckets: []float64{1, 10, 50, 100, 200, 500, 1000},
		},
	)

	BatchFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_batch_flush_errors_total",
			Help: "Total failed batch flushes",
		},
	)

	// Dead letter queue metrics

	DLQEntriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelorus_dlq_entries_pending",
			Help: "DLQ entries awaiting retry",
		},
	)

	DLQEntriesDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelorus_dlq_entries_dead",
			Help: "DLQ entries that exhausted retries",
		},
	)

	DLQAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_dlq_added_total",
			Help: "Total entries added to the DLQ",
		},
	)

	DLQRetrySuccesses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_dlq_retry_successes_total",
			Help: "Total successful DLQ re-drives",
		},
	)

	DLQRetryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_dlq_retry_failures_total",
			Help: "Total failed DLQ re-drive attempts",
		},
	)

	DLQOldestEntryAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelorus_dlq_oldest_entry_age_seconds",
			Help: "Age of the oldest pending DLQ entry",
		},
	)

	// Stream connector metrics

	ConnectorReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_connector_reconnects_total",
			Help: "Reconnection attempts per source connector",
		},
		[]string{"source"},
	)

	ConnectorActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pelorus_connector_active",
			Help: "Whether a connector stream is active (1) or not (0)",
		},
		[]string{"source"},
	)

	ConnectorMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_connector_messages_total",
			Help: "Raw messages received per source connector",
		},
		[]string{"source"},
	)

	// Publish bus metrics

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_bus_published_total",
			Help: "Fused reports published to the bus, by class",
		},
		[]string{"class"},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelorus_bus_publish_errors_total",
			Help: "Failed bus publishes (best-effort, not retried)",
		},
	)
)

// RecordNormalized records a normalization outcome.
func RecordNormalized(source string, sane bool) {
	s := "true"
	if !sane {
		s = "false"
	}
	ReportsNormalized.WithLabelValues(source, s).Inc()
}

// RecordBreakerState updates the state gauge for a breaker.
// state follows the convention 0=closed, 1=half-open, 2=open.
func RecordBreakerState(name string, state float64) {
	BreakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerTransition counts a state transition.
func RecordBreakerTransition(name, from, to string) {
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// UpdateDLQGauges refreshes the DLQ gauge set from a stats snapshot.
func UpdateDLQGauges(pending, dead int64, oldestAgeSeconds float64) {
	DLQEntriesPending.Set(float64(pending))
	DLQEntriesDead.Set(float64(dead))
	DLQOldestEntryAge.Set(oldestAgeSeconds)
}
