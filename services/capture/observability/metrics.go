// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing bootstrap for the
// capture and replay services.
//
// # Description
//
// Prometheus metrics cover:
//   - Active replays and replay status transitions
//   - Loop restarts
//   - Diagnostics phase transitions
//   - Retention deletions, freed bytes and per-object errors
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics so services can run without
// instrumentation in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chaosreplay"

// Metrics holds all Prometheus metrics for the service.
//
// # Fields
//
//   - ReplaysActive: Gauge of replays in running/paused/stopping
//   - ReplayTransitions: Counter of orchestrator status changes by status
//   - ReplayLoops: Counter of delegate restarts by the loop watcher
//   - PhaseTransitions: Counter of diagnostics phase changes by phase
//   - RetentionDeleted: Counter of deleted objects by namespace and action
//   - RetentionFreedBytes: Counter of freed bytes by namespace
//   - RetentionErrors: Counter of per-object retention failures by namespace
//   - RetentionDuration: Histogram of retention run duration by operation
type Metrics struct {
	ReplaysActive       prometheus.Gauge
	ReplayTransitions   *prometheus.CounterVec
	ReplayLoops         prometheus.Counter
	PhaseTransitions    *prometheus.CounterVec
	RetentionDeleted    *prometheus.CounterVec
	RetentionFreedBytes *prometheus.CounterVec
	RetentionErrors     *prometheus.CounterVec
	RetentionDuration   *prometheus.HistogramVec
}

// NewMetrics registers every metric on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass prometheus.NewRegistry() so
//     repeated construction does not collide with the default registry.
//
// # Outputs
//
//   - *Metrics: Registered metrics.
//
// # Example
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ReplayStatus("running")
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReplaysActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "replay",
			Name:      "active",
			Help:      "Number of replays currently running, paused or stopping",
		}),
		ReplayTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "replay",
			Name:      "transitions_total",
			Help:      "Orchestrator status transitions",
		}, []string{"status"}),
		ReplayLoops: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "replay",
			Name:      "loops_total",
			Help:      "Replay delegate restarts performed by loop watchers",
		}),
		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "diagnostics",
			Name:      "phase_transitions_total",
			Help:      "Diagnostics session phase transitions",
		}, []string{"phase"}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "deleted_objects_total",
			Help:      "Objects removed by retention",
		}, []string{"namespace", "action"}),
		RetentionFreedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "freed_bytes_total",
			Help:      "Bytes reclaimed by retention",
		}, []string{"namespace"}),
		RetentionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "errors_total",
			Help:      "Per-object retention failures",
		}, []string{"namespace"}),
		RetentionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Retention run duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// ReplayStatus records an orchestrator transition into status.
func (m *Metrics) ReplayStatus(status string) {
	if m == nil {
		return
	}
	m.ReplayTransitions.WithLabelValues(status).Inc()
}

// ReplayActiveDelta adjusts the active replay gauge.
func (m *Metrics) ReplayActiveDelta(delta float64) {
	if m == nil {
		return
	}
	m.ReplaysActive.Add(delta)
}

// ReplayLoop records a loop restart.
func (m *Metrics) ReplayLoop() {
	if m == nil {
		return
	}
	m.ReplayLoops.Inc()
}

// Phase records a diagnostics phase transition.
func (m *Metrics) Phase(phase string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

// Retention records the outcome of one retention run.
func (m *Metrics) Retention(operation, namespace, action string, deleted int, freedBytes int64, errs int, seconds float64) {
	if m == nil {
		return
	}
	m.RetentionDeleted.WithLabelValues(namespace, action).Add(float64(deleted))
	m.RetentionFreedBytes.WithLabelValues(namespace).Add(float64(freedBytes))
	m.RetentionErrors.WithLabelValues(namespace).Add(float64(errs))
	m.RetentionDuration.WithLabelValues(operation).Observe(seconds)
}
