package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting worker activity.
type Metrics struct {
	ticks *prometheus.CounterVec
	runs  *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs worker metrics on the given registerer,
// reusing collectors that are already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ticks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsflow",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Worker poll ticks by result (empty, due, error).",
		},
		[]string{"result"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsflow",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Due-schedule runs by outcome.",
		},
		[]string{"outcome"},
	)

	for _, collector := range []prometheus.Collector{ticks, runs} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case ticks:
					ticks = already.ExistingCollector.(*prometheus.CounterVec)
				case runs:
					runs = already.ExistingCollector.(*prometheus.CounterVec)
				}
				continue
			}
			panic(err)
		}
	}
	return &Metrics{ticks: ticks, runs: runs}
}

// IncTick records one poll tick outcome.
func (m *Metrics) IncTick(result string) {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

// IncRun records the outcome of one due-schedule run.
func (m *Metrics) IncRun(outcome string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
