package monitor

import (
	"time"

	"github.com/glimte/mmate-redis/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports messaging metrics to Prometheus
type PrometheusCollector struct {
	publishedTotal    *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	dispatchedTotal   *prometheus.CounterVec
	dispatchErrors    *prometheus.CounterVec
	callbackDuration  *prometheus.HistogramVec
	connectionState   prometheus.Gauge
	stateTransitions  *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
}

// NewPrometheusCollector registers the messaging metrics on reg under namespace
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		publishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages published",
			},
			[]string{"type_id", "result"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Time spent sending a message to the backend",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type_id"},
		),
		dispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dispatched_total",
				Help:      "Total number of inbound messages routed to listeners",
			},
			[]string{"type_id"},
		),
		dispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_errors_total",
				Help:      "Total number of dispatch failures by kind",
			},
			[]string{"kind"},
		),
		callbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "callback_duration_seconds",
				Help:      "Listener callback duration",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"type_id", "result"},
		),
		connectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
			},
		),
		stateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_state_transitions_total",
				Help:      "Total number of connection state transitions",
			},
			[]string{"from", "to"},
		),
		reconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"result"},
		),
	}
}

// RecordPublish implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordPublish(typeID string, duration time.Duration, success bool) {
	p.publishedTotal.WithLabelValues(typeID, result(success)).Inc()
	if success {
		p.publishDuration.WithLabelValues(typeID).Observe(duration.Seconds())
	}
}

// RecordDispatch implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordDispatch(channel string, typeID string, listeners int) {
	p.dispatchedTotal.WithLabelValues(typeID).Inc()
}

// RecordCallback implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordCallback(typeID string, duration time.Duration, success bool) {
	p.callbackDuration.WithLabelValues(typeID, result(success)).Observe(duration.Seconds())
}

// RecordDispatchError implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordDispatchError(kind string) {
	p.dispatchErrors.WithLabelValues(kind).Inc()
}

// RecordStateChange implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordStateChange(from, to messaging.ConnectionState) {
	p.connectionState.Set(float64(to))
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordReconnectAttempt implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordReconnectAttempt(success bool) {
	p.reconnectAttempts.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
