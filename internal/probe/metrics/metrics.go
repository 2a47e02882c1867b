// Package metrics exposes the probe's Prometheus metrics. It observes the
// scheduler's own admission/completion events (SPEC_FULL.md's supplemented
// metrics feature) and is never a source of truth in its own right: nothing
// downstream reads back through this package to make a decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "confluent_test_probe"
	subsystem = "scheduler"
)

// Metrics is a scheduler.Recorder backed by real Prometheus collectors.
type Metrics struct {
	testsSubmitted  prometheus.Counter
	testsLoaded     prometheus.Counter
	testsCompleted  *prometheus.CounterVec
	testsExceptioned *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// New registers the probe's collectors against the default registerer and
// returns a Recorder the scheduler can observe events through.
func New() *Metrics {
	return &Metrics{
		testsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tests_submitted_total",
			Help:      "Total number of tests submitted to the queue.",
		}),
		testsLoaded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tests_loaded_total",
			Help:      "Total number of tests that finished feature loading and joined the pending queue.",
		}),
		testsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tests_completed_total",
			Help:      "Total number of tests that reached Completed, labeled by outcome.",
		}, []string{"outcome"}),
		testsExceptioned: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tests_exceptioned_total",
			Help:      "Total number of tests that ended in Exception, labeled by error kind.",
		}, []string{"kind"}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_queue_depth",
			Help:      "Current number of tests waiting in the pending queue for a free runner.",
		}),
	}
}

// TestSubmitted records a new test entering Setup.
func (m *Metrics) TestSubmitted() { m.testsSubmitted.Inc() }

// TestLoaded records a test joining the pending queue.
func (m *Metrics) TestLoaded() { m.testsLoaded.Inc() }

// TestCompleted records a test reaching Completed, labeled pass/fail.
func (m *Metrics) TestCompleted(success bool) {
	outcome := "fail"
	if success {
		outcome = "pass"
	}
	m.testsCompleted.WithLabelValues(outcome).Inc()
}

// TestException records a test ending in Exception, labeled by error kind.
func (m *Metrics) TestException(kind string) {
	m.testsExceptioned.WithLabelValues(kind).Inc()
}

// QueueDepth sets the current pending queue length.
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }
