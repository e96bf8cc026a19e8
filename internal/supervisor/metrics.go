package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker lifecycle collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	running     prometheus.Gauge
	launches    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	ready       prometheus.Histogram
	advisories  prometheus.Counter
	strays      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while a worker process is alive.",
		}),
		launches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Worker launch attempts by result.",
		}, []string{"result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "stop_steps_total",
			Help:      "Stop escalation steps taken.",
		}, []string{"step"}),
		ready: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "time_to_ready_seconds",
			Help:      "Time between launch and the readiness line.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		advisories: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "advisory_errors_total",
			Help:      "Error lines recognised in the worker output.",
		}),
		strays: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chemdrive",
			Subsystem: "worker",
			Name:      "stray_terminations_total",
			Help:      "Leftover worker processes terminated before a launch.",
		}),
	}
}

func (m *Metrics) setRunning(on bool) {
	if m == nil {
		return
	}
	if on {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

func (m *Metrics) launch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

func (m *Metrics) escalate(step string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(step).Inc()
}

func (m *Metrics) readyAfter(d time.Duration) {
	if m == nil {
		return
	}
	m.ready.Observe(d.Seconds())
}

func (m *Metrics) advisory() {
	if m == nil {
		return
	}
	m.advisories.Inc()
}

func (m *Metrics) stray() {
	if m == nil {
		return
	}
	m.strays.Inc()
}
