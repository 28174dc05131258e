package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report dispatcher and engine
// activity.
type Metrics struct {
	dispatchEvents    *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodeExecutions    *prometheus.CounterVec
	executionsActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when engines are instantiated multiple
// times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers supply a fresh registry when unique metric names are required (for
// example in tests). Registration errors panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispatchEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsflow",
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Total events dispatched, by module and outcome.",
		},
		[]string{"module", "outcome"},
	)
	executionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opsflow",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of workflow executions by terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	nodeExecutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsflow",
			Subsystem: "engine",
			Name:      "node_executions_total",
			Help:      "Node attempts by node type and terminal status.",
		},
		[]string{"type", "status"},
	)
	executionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opsflow",
			Subsystem: "engine",
			Name:      "executions_active",
			Help:      "Number of workflow executions currently running.",
		},
	)

	collectors := []prometheus.Collector{dispatchEvents, executionDuration, nodeExecutions, executionsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case dispatchEvents:
					dispatchEvents = already.ExistingCollector.(*prometheus.CounterVec)
				case executionDuration:
					executionDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case nodeExecutions:
					nodeExecutions = already.ExistingCollector.(*prometheus.CounterVec)
				case executionsActive:
					executionsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		dispatchEvents:    dispatchEvents,
		executionDuration: executionDuration,
		nodeExecutions:    nodeExecutions,
		executionsActive:  executionsActive,
	}
}

// IncDispatch records one dispatched event outcome.
func (m *Metrics) IncDispatch(module, outcome string) {
	if m == nil || m.dispatchEvents == nil {
		return
	}
	m.dispatchEvents.WithLabelValues(module, outcome).Inc()
}

// ObserveExecution records the duration of a finished execution.
func (m *Metrics) ObserveExecution(status string, duration time.Duration) {
	if m == nil || m.executionDuration == nil {
		return
	}
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncNodeExecution counts a node attempt reaching a terminal status.
func (m *Metrics) IncNodeExecution(nodeType, status string) {
	if m == nil || m.nodeExecutions == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeType, status).Inc()
}

// IncActiveExecutions marks an execution as started.
func (m *Metrics) IncActiveExecutions() {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Inc()
}

// DecActiveExecutions marks an execution as finished.
func (m *Metrics) DecActiveExecutions() {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Dec()
}
