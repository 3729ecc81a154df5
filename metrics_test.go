package topicbus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordPublished("fire", false)
	m.RecordPublished("fire", false)
	m.RecordPublished("fire", true)
	m.RecordPublishFailed("fire")
	m.RecordHandled("assess", OutcomeCompleted)
	m.RecordHandled("assess", OutcomeFailed)
	m.RecordStrategy("assess", StrategyExponentialBackoff)
	m.InFlightChanged(1)
	m.InFlightChanged(1)
	m.InFlightChanged(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("fire", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("fire", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailed.WithLabelValues("fire")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("assess", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategies.WithLabelValues("assess", "exponentialBackoff")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestNoOpMetricsCollector(t *testing.T) {
	var m MetricsCollector = NoOpMetricsCollector{}
	assert.NotPanics(t, func() {
		m.RecordPublished("fire", true)
		m.RecordPublishFailed("fire")
		m.RecordHandled("assess", OutcomeFiltered)
		m.RecordStrategy("assess", StrategyRetry)
		m.InFlightChanged(-1)
	})
}
