package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	health     prometheus.Gauge
}

// newMetrics registers the orchestrator metrics on reg. A nil reg yields
// working but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_recovery_operations_total",
			Help: "Recovery operations by failure type and final status",
		}, []string{"type", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabsync_recovery_duration_seconds",
			Help:    "Time from recovery start to a terminal state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"type"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_recovery_retries_total",
			Help: "Recovery attempts re-entering in_progress",
		}, []string{"type"}),
		health: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabsync_health_level",
			Help: "Overall health: 0 healthy, 1 degraded, 2 critical",
		}),
	}
}

func (m *metrics) observe(op *Operation) {
	m.operations.WithLabelValues(string(op.Type), string(op.Status)).Inc()
	m.duration.WithLabelValues(string(op.Type)).Observe(op.CompletedAt.Sub(op.StartedAt).Seconds())
}

func (m *metrics) retry(t Type) { m.retries.WithLabelValues(string(t)).Inc() }

func (m *metrics) setHealth(level HealthLevel) {
	switch level {
	case HealthCritical:
		m.health.Set(2)
	case HealthDegraded:
		m.health.Set(1)
	default:
		m.health.Set(0)
	}
}

