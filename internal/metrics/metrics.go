// Package metrics exposes Prometheus collectors for orchestration cycles.
//
// All metrics use the "toolgate" namespace:
//   - toolgate_cycles_total
//   - toolgate_cycle_duration_seconds
//   - toolgate_tool_executions_total{mode,status}
//   - toolgate_conflicts_total{type}
//   - toolgate_resolutions_total{strategy}
//   - toolgate_rollbacks_total
//   - toolgate_transitions_total{from,to}
//   - toolgate_system_locked
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolgate"

type Metrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	executions    *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	rollbacks     prometheus.Counter
	transitions   *prometheus.CounterVec
	locked        prometheus.Gauge
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Orchestration cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one orchestration cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool invocations by mode and outcome.",
		}, []string{"mode", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts detected by type.",
		}, []string{"type"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Conflict resolutions by strategy.",
		}, []string{"strategy"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback stack entries popped.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Execution controller state transitions.",
		}, []string{"from", "to"}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_locked",
			Help:      "1 while the execution controller is locked.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleDuration, m.executions, m.conflicts,
			m.resolutions, m.rollbacks, m.transitions, m.locked)
	}
	return m
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveExecution(mode, status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) ObserveConflict(conflictType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(conflictType).Inc()
}

func (m *Metrics) ObserveResolution(strategy string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strategy).Inc()
}

func (m *Metrics) AddRollbacks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rollbacks.Add(float64(n))
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetLocked(locked bool) {
	if m == nil {
		return
	}
	if locked {
		m.locked.Set(1)
		return
	}
	m.locked.Set(0)
}
