package topicbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels reported to MetricsCollector.RecordHandled.
const (
	OutcomeCompleted = "completed"
	OutcomeFiltered  = "filtered"
	OutcomeFailed    = "failed"
)

// MetricsCollector receives bus events. Label values are bounded by
// configuration (publication/subscription names, strategy kinds).
type MetricsCollector interface {
	RecordPublished(publication string, scheduled bool)
	RecordPublishFailed(publication string)
	RecordHandled(subscription, outcome string)
	RecordStrategy(subscription string, kind StrategyKind)
	InFlightChanged(delta int)
}

// NoOpMetricsCollector discards all events.
type NoOpMetricsCollector struct{}

// RecordPublished does nothing.
func (NoOpMetricsCollector) RecordPublished(string, bool) {}

// RecordPublishFailed does nothing.
func (NoOpMetricsCollector) RecordPublishFailed(string) {}

// RecordHandled does nothing.
func (NoOpMetricsCollector) RecordHandled(string, string) {}

// RecordStrategy does nothing.
func (NoOpMetricsCollector) RecordStrategy(string, StrategyKind) {}

// InFlightChanged does nothing.
func (NoOpMetricsCollector) InFlightChanged(int) {}

// PrometheusMetrics exports bus events as Prometheus metrics.
type PrometheusMetrics struct {
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	handled       *prometheus.CounterVec
	strategies    *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// NewPrometheusMetrics registers the bus metrics with reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_published_total",
			Help: "Total number of messages sent, by publication and whether they were scheduled.",
		}, []string{"publication", "scheduled"}),
		publishFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_publish_failed_total",
			Help: "Total number of publish calls that failed after all inline attempts, by publication.",
		}, []string{"publication"}),
		handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_handled_total",
			Help: "Total number of received messages, by subscription and outcome.",
		}, []string{"subscription", "outcome"}),
		strategies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_strategy_total",
			Help: "Total number of error strategies executed, by subscription and strategy.",
		}, []string{"subscription", "strategy"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "topicbus_in_flight",
			Help: "Current number of messages between receipt and settlement.",
		}),
	}
}

// RecordPublished implements MetricsCollector.
func (m *PrometheusMetrics) RecordPublished(publication string, scheduled bool) {
	label := "false"
	if scheduled {
		label = "true"
	}
	m.published.WithLabelValues(publication, label).Inc()
}

// RecordPublishFailed implements MetricsCollector.
func (m *PrometheusMetrics) RecordPublishFailed(publication string) {
	m.publishFailed.WithLabelValues(publication).Inc()
}

// RecordHandled implements MetricsCollector.
func (m *PrometheusMetrics) RecordHandled(subscription, outcome string) {
	m.handled.WithLabelValues(subscription, outcome).Inc()
}

// RecordStrategy implements MetricsCollector.
func (m *PrometheusMetrics) RecordStrategy(subscription string, kind StrategyKind) {
	m.strategies.WithLabelValues(subscription, kind.String()).Inc()
}

// InFlightChanged implements MetricsCollector.
func (m *PrometheusMetrics) InFlightChanged(delta int) {
	m.inFlight.Add(float64(delta))
}
