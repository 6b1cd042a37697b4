// Package metrics holds the Prometheus collectors for retention cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for cycles and actions.
// A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - retention_cycles_total{trigger,outcome} - cycles started, by how they ended
//   - retention_cycle_duration_seconds - wall time of completed cycles
//   - retention_tenant_failures_total - tenants aborted inside a cycle
//   - retention_snapshots_total - score snapshots written
//   - retention_actions_total{type,status} - executed actions by final status
//   - retention_generation_fallbacks_total{type} - template fallbacks after generation failed
type Metrics struct {
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	TenantFailuresTotal prometheus.Counter
	SnapshotsTotal      prometheus.Counter
	ActionsTotal        *prometheus.CounterVec
	FallbacksTotal      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_cycles_total",
				Help: "Total number of retention cycles by trigger and outcome",
			},
			[]string{"trigger", "outcome"}, // outcome: "completed", "skipped", "panicked"
		),
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retention_cycle_duration_seconds",
				Help:    "Duration of completed retention cycles in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
		),
		TenantFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "retention_tenant_failures_total",
				Help: "Total number of tenants aborted by an error during a cycle",
			},
		),
		SnapshotsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "retention_snapshots_total",
				Help: "Total number of score snapshots written",
			},
		),
		ActionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_actions_total",
				Help: "Total number of executed actions by type and final status",
			},
			[]string{"type", "status"}, // status: "sent", "failed", "skipped"
		),
		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_generation_fallbacks_total",
				Help: "Total number of messages that fell back to a template",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) RecordCycle(trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(trigger, outcome).Inc()
	if outcome == "completed" {
		m.CycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordTenantFailure() {
	if m == nil {
		return
	}
	m.TenantFailuresTotal.Inc()
}

func (m *Metrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

func (m *Metrics) RecordAction(actionType, status string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(actionType, status).Inc()
}

func (m *Metrics) RecordFallback(actionType string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(actionType).Inc()
}
