// File: metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codecast_connections_active",
		Help: "The current number of registered client connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codecast_connections_total",
		Help: "The total number of client connections registered.",
	})
	AuthenticatedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codecast_connections_authenticated",
		Help: "The current number of authenticated client connections.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecast_messages_received_total",
		Help: "The total number of events received from clients.",
	}, []string{"event"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codecast_messages_sent_total",
		Help: "The total number of accepted code claims.",
	})
	CodesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codecast_codes_broadcast_total",
		Help: "The total number of bonus codes fanned out to local connections.",
	})
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codecast_broadcast_fanout",
		Help:    "Number of connections that received each local broadcast.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_dropped_total",
		Help: "Publishes dropped because the bus was degraded or the queue was full.",
	}, []string{"reason"})
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_healthy",
		Help: "1 when cross-instance fanout is available, 0 in degraded mode.",
	})

	// Rate limit Metrics
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecast_rate_limited_total",
		Help: "The total number of requests rejected by the rate limiter.",
	}, []string{"category"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
