// Package metrics holds the Prometheus instruments shared by the engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cohort"

type Metrics struct {
	Registry *prometheus.Registry

	assignments       *prometheus.CounterVec
	conversions       prometheus.Counter
	eventsTracked     *prometheus.CounterVec
	profileConflicts  prometheus.Counter
	riskDetected      *prometheus.CounterVec
	triggersEvaluated *prometheus.CounterVec
	bestEffortErrors  *prometheus.CounterVec
	ingestQueued      *prometheus.GaugeVec
	ingestRejected    prometheus.Counter
	opDuration        *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
}

// New registers every instrument on a fresh registry, so tests and
// multiple engines in one process do not collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "assignments_total",
			Help:      "Variant assignments by result (created or existing)",
		}, []string{"result"}),

		conversions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "conversions_total",
			Help:      "Conversions recorded against assignments",
		}),

		eventsTracked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "behavior",
			Name:      "events_total",
			Help:      "Behavior events applied to profiles by event type",
		}, []string{"event_type"}),

		profileConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "behavior",
			Name:      "profile_version_conflicts_total",
			Help:      "Profile writes retried after a version conflict",
		}),

		riskDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "behavior",
			Name:      "risk_factors_detected_total",
			Help:      "Risk factors opened by factor",
		}, []string{"factor"}),

		triggersEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "trigger_evaluations_total",
			Help:      "Trigger evaluations by trigger type and outcome",
		}, []string{"trigger_type", "outcome"}),

		bestEffortErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Swallowed failures of best-effort follow-up work by stage",
		}, []string{"stage"}),

		ingestQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queued_events",
			Help:      "Events waiting in each ingest shard",
		}, []string{"shard"}),

		ingestRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Events rejected because a shard queue was full",
		}),

		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"operation"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) Assignment(created bool) {
	if m == nil {
		return
	}
	result := "existing"
	if created {
		result = "created"
	}
	m.assignments.WithLabelValues(result).Inc()
}

func (m *Metrics) Conversion() {
	if m == nil {
		return
	}
	m.conversions.Inc()
}

func (m *Metrics) EventTracked(eventType string) {
	if m == nil {
		return
	}
	m.eventsTracked.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ProfileConflict() {
	if m == nil {
		return
	}
	m.profileConflicts.Inc()
}

func (m *Metrics) RiskDetected(factor string) {
	if m == nil {
		return
	}
	m.riskDetected.WithLabelValues(factor).Inc()
}

func (m *Metrics) TriggerEvaluated(triggerType, outcome string) {
	if m == nil {
		return
	}
	m.triggersEvaluated.WithLabelValues(triggerType, outcome).Inc()
}

func (m *Metrics) BestEffortFailure(stage string) {
	if m == nil {
		return
	}
	m.bestEffortErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) IngestQueued(shard string, delta float64) {
	if m == nil {
		return
	}
	m.ingestQueued.WithLabelValues(shard).Add(delta)
}

func (m *Metrics) IngestRejected() {
	if m == nil {
		return
	}
	m.ingestRejected.Inc()
}

// Observe records the latency of an operation started at start.
func (m *Metrics) Observe(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) HTTPRequest(route string, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
