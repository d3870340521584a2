package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainops"

var stepDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds the Prometheus instruments for the orchestration core.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	TransitionsTotal        *prometheus.CounterVec
	TransitionRejections    *prometheus.CounterVec
	TriggerMatchesTotal     *prometheus.CounterVec
	TriggerDispatchesTotal  *prometheus.CounterVec
	TriggerSuppressedTotal  *prometheus.CounterVec
	ExecutionsStartedTotal  *prometheus.CounterVec
	ExecutionsFinishedTotal *prometheus.CounterVec
	ExecutionsActive        prometheus.Gauge
	StepsTotal              *prometheus.CounterVec
	StepDuration            *prometheus.HistogramVec
	ConflictRetriesTotal    prometheus.Counter
	CircuitBreakerState     *prometheus.GaugeVec
	GatesTotal              *prometheus.CounterVec
	RecoveredTotal          prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers all instruments on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Accepted status transitions.",
		}, []string{"subject_type", "to_status"}),
		TransitionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_rejections_total",
			Help:      "Rejected status transitions by reason.",
		}, []string{"subject_type", "reason"}),
		TriggerMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_matches_total",
			Help:      "Triggers matched by a transition event.",
		}, []string{"trigger_id"}),
		TriggerDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_dispatches_total",
			Help:      "Triggers dispatched into a chain execution.",
		}, []string{"trigger_id", "chain_id"}),
		TriggerSuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_suppressed_total",
			Help:      "Matched triggers not dispatched because of the dedup window.",
		}, []string{"trigger_id"}),
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Chain executions started.",
		}, []string{"chain_id"}),
		ExecutionsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Chain executions that reached a terminal status.",
		}, []string{"chain_id", "status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Chain executions currently being driven by this process.",
		}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Chain steps by agent and outcome.",
		}, []string{"agent_ref", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step executor call duration in seconds.",
			Buckets:   stepDurationBuckets,
		}, []string{"agent_ref"}),
		ConflictRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Execution saves retried after a concurrent modification.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per agent (0=closed, 1=half-open, 2=open).",
		}, []string{"agent_ref"}),
		GatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gates_total",
			Help:      "Pause gate lifecycle events.",
		}, []string{"event"}),
		RecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_recovered_total",
			Help:      "Stale running executions re-driven by the sweeper.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.TransitionRejections,
		m.TriggerMatchesTotal,
		m.TriggerDispatchesTotal,
		m.TriggerSuppressedTotal,
		m.ExecutionsStartedTotal,
		m.ExecutionsFinishedTotal,
		m.ExecutionsActive,
		m.StepsTotal,
		m.StepDuration,
		m.ConflictRetriesTotal,
		m.CircuitBreakerState,
		m.GatesTotal,
		m.RecoveredTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// --- Recording helpers ---

func (m *Metrics) RecordTransition(subjectType, toStatus string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(subjectType, toStatus).Inc()
}

func (m *Metrics) RecordTransitionRejected(subjectType, reason string) {
	if m == nil {
		return
	}
	m.TransitionRejections.WithLabelValues(subjectType, reason).Inc()
}

func (m *Metrics) RecordTriggerMatch(triggerID string) {
	if m == nil {
		return
	}
	m.TriggerMatchesTotal.WithLabelValues(triggerID).Inc()
}

func (m *Metrics) RecordTriggerDispatch(triggerID, chainID string) {
	if m == nil {
		return
	}
	m.TriggerDispatchesTotal.WithLabelValues(triggerID, chainID).Inc()
}

func (m *Metrics) RecordTriggerSuppressed(triggerID string) {
	if m == nil {
		return
	}
	m.TriggerSuppressedTotal.WithLabelValues(triggerID).Inc()
}

func (m *Metrics) RecordExecutionStarted(chainID string) {
	if m == nil {
		return
	}
	m.ExecutionsStartedTotal.WithLabelValues(chainID).Inc()
}

func (m *Metrics) RecordExecutionFinished(chainID, status string) {
	if m == nil {
		return
	}
	m.ExecutionsFinishedTotal.WithLabelValues(chainID, status).Inc()
}

// TrackActive increments the active gauge and returns the matching decrement.
func (m *Metrics) TrackActive() func() {
	if m == nil {
		return func() {}
	}
	m.ExecutionsActive.Inc()
	return m.ExecutionsActive.Dec
}

func (m *Metrics) RecordStep(agentRef, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(agentRef, status).Inc()
	m.StepDuration.WithLabelValues(agentRef).Observe(d.Seconds())
}

func (m *Metrics) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.Inc()
}

func (m *Metrics) SetCircuitBreakerState(agentRef string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(agentRef).Set(state)
}

func (m *Metrics) RecordGate(event string) {
	if m == nil {
		return
	}
	m.GatesTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordRecovered() {
	if m == nil {
		return
	}
	m.RecoveredTotal.Inc()
}
