package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/failure"
)

// Metrics are the orchestrator's prometheus collectors. One instance is
// shared by every workflow of a process. A nil *Metrics records nothing.
type Metrics struct {
	reports     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	gatePauses  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	rollbacks   prometheus.Counter
	active      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_reports_total",
				Help: "Completion reports received, by stage and disposition",
			},
			[]string{"stage", "disposition"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_stage_transitions_total",
				Help: "Stage status transitions, by stage and target status",
			},
			[]string{"stage", "status"},
		),
		gatePauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_gate_pauses_total",
				Help: "Stage completions held at a gate, by stage and gate",
			},
			[]string{"stage", "gate"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_retries_total",
				Help: "Automatic retries and regeneration requests, by stage and failure class",
			},
			[]string{"stage", "class"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_stage_timeouts_total",
				Help: "Stages that exceeded their deadline",
			},
			[]string{"stage"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_decisions_total",
				Help: "Operator decisions applied, by action",
			},
			[]string{"action"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semforge_invocations_total",
				Help: "Worker invocations, by stage and result",
			},
			[]string{"stage", "result"},
		),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "semforge_rollbacks_total",
				Help: "Release rollbacks triggered",
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "semforge_active_workflows",
				Help: "Workflows that are neither completed nor failed",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.reports, m.transitions, m.gatePauses, m.retries,
			m.timeouts, m.decisions, m.dispatches, m.rollbacks, m.active)
	}
	return m
}

func (m *Metrics) report(stage workflow.StageID, d Disposition) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(string(stage), string(d)).Inc()
}

func (m *Metrics) transition(stage workflow.StageID, status workflow.StageStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(stage), string(status)).Inc()
}

func (m *Metrics) gatePaused(stage workflow.StageID, gate string) {
	if m == nil {
		return
	}
	m.gatePauses.WithLabelValues(string(stage), gate).Inc()
}

func (m *Metrics) retried(stage workflow.StageID, class failure.Class) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(stage), string(class)).Inc()
}

func (m *Metrics) timedOut(stage workflow.StageID) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) decided(a Action) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) dispatched(stage workflow.StageID) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(string(stage), "ok").Inc()
}

func (m *Metrics) dispatchFailed(stage workflow.StageID) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(string(stage), "error").Inc()
}

func (m *Metrics) rolledBack() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// SetActive records the number of open workflows.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
