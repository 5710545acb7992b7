package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meikuraledutech/flow"
)

// Metrics are the run counters exported by the engine. A nil *Metrics
// records nothing.
type Metrics struct {
	started   prometheus.Counter
	completed *prometheus.CounterVec
	duration  prometheus.Histogram
	active    prometheus.Gauge
}

// NewMetrics creates the run metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_runs_started_total",
			Help: "Workflow runs that started executing.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_runs_completed_total",
			Help: "Workflow runs that reached a terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flow_run_duration_seconds",
			Help:    "Wall time from run start to terminal status.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flow_runs_active",
			Help: "Workflow runs currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.completed, m.duration, m.active)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *Metrics) runCompleted(status flow.RunStatus, d time.Duration, wasActive bool) {
	if m == nil {
		return
	}
	m.completed.With(prometheus.Labels{"status": string(status)}).Inc()
	if wasActive {
		m.duration.Observe(d.Seconds())
		m.active.Dec()
	}
}
