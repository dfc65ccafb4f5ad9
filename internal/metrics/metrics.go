package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the interface for metrics collection.
// Implementations are the Prometheus-backed collector and the no-op collector.
type Collector interface {
	SessionOpened(graphID string)
	SessionClosed(graphID string, reason string)
	MessageReceived(messageType string)
	OperationSubmitted(status string)
	RateLimited(category string)
	BroadcastDropped()
	SequencerLatency(seconds float64)
}

// PrometheusCollector provides Prometheus metrics for the sync engine
type PrometheusCollector struct {
	sessionsActive    prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	rateLimitedTotal  *prometheus.CounterVec
	broadcastDropped  prometheus.Counter
	sequencerDuration prometheus.Histogram
	registry          *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector on its own registry
func NewCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "graphsync_sessions_active",
		Help: "Number of currently connected sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_sessions_closed_total",
			Help: "Total number of closed sessions by close reason",
		},
		[]string{"reason"},
	)

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_messages_received_total",
			Help: "Total number of inbound messages by type",
		},
		[]string{"type"},
	)

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_operations_total",
			Help: "Total number of submitted operations by outcome",
		},
		[]string{"status"},
	)

	rateLimitedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_rate_limited_total",
			Help: "Total number of messages rejected by the rate limiter by category",
		},
		[]string{"category"},
	)

	broadcastDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphsync_broadcast_dropped_total",
		Help: "Total number of sessions force-closed because their outbound queue was full",
	})

	sequencerDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphsync_sequencer_duration_seconds",
		Help:    "Time spent waiting for and running a graph sequencer step",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	registry.MustRegister(sessionsActive)
	registry.MustRegister(sessionsTotal)
	registry.MustRegister(messagesTotal)
	registry.MustRegister(operationsTotal)
	registry.MustRegister(rateLimitedTotal)
	registry.MustRegister(broadcastDropped)
	registry.MustRegister(sequencerDuration)

	return &PrometheusCollector{
		sessionsActive:    sessionsActive,
		sessionsTotal:     sessionsTotal,
		messagesTotal:     messagesTotal,
		operationsTotal:   operationsTotal,
		rateLimitedTotal:  rateLimitedTotal,
		broadcastDropped:  broadcastDropped,
		sequencerDuration: sequencerDuration,
		registry:          registry,
	}
}

func (m *PrometheusCollector) SessionOpened(graphID string) {
	m.sessionsActive.Inc()
}

func (m *PrometheusCollector) SessionClosed(graphID string, reason string) {
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusCollector) MessageReceived(messageType string) {
	m.messagesTotal.WithLabelValues(messageType).Inc()
}

// OperationSubmitted records accepted, replayed, conflict, invalid, permission_denied or error.
func (m *PrometheusCollector) OperationSubmitted(status string) {
	m.operationsTotal.WithLabelValues(status).Inc()
}

func (m *PrometheusCollector) RateLimited(category string) {
	m.rateLimitedTotal.WithLabelValues(category).Inc()
}

func (m *PrometheusCollector) BroadcastDropped() {
	m.broadcastDropped.Inc()
}

func (m *PrometheusCollector) SequencerLatency(seconds float64) {
	m.sequencerDuration.Observe(seconds)
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *PrometheusCollector) Registry() *prometheus.Registry {
	return m.registry
}
