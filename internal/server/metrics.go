package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "echo"

// Metrics holds the Prometheus collectors updated by the accept loop and sessions.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	ActiveSessions   *prometheus.GaugeVec
	MessagesEchoed   *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	IOErrors         *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	SessionDuration  prometheus.Histogram
}

// NewMetrics registers the echo collectors with reg. A nil reg gets a fresh registry
// so several servers can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}, []string{"transport"}),

		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		}, []string{"transport"}),

		MessagesEchoed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_echoed_total",
			Help:      "Total number of messages echoed back to peers",
		}, []string{"transport"}),

		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_failures_total",
			Help:      "Total number of reads that did not decode to a message",
		}, []string{"transport"}),

		IOErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "io_errors_total",
			Help:      "Total I/O errors by operation",
		}, []string{"op"}),

		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from peers",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes echoed to peers",
		}),

		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of finished sessions in seconds",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 600, 3600},
		}),
	}
}
