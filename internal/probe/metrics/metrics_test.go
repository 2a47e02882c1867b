package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// A single Metrics instance is shared across subtests since New registers
// its collectors against the default registerer and a second registration
// of the same metric name would panic.
func TestMetricsObservations(t *testing.T) {
	m := New()

	m.TestSubmitted()
	m.TestSubmitted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.testsSubmitted))

	m.TestLoaded()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.testsLoaded))

	m.TestCompleted(true)
	m.TestCompleted(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.testsCompleted.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.testsCompleted.WithLabelValues("fail")))

	m.TestException("ServiceTimeoutException")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.testsExceptioned.WithLabelValues("ServiceTimeoutException")))

	m.QueueDepth(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	m.QueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}
