package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statesocket_connections_active",
			Help: "Number of registered WebSocket connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statesocket_connections_total",
			Help: "Total number of accepted WebSocket connections",
		},
	)

	// Message pipeline metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statesocket_messages_total",
			Help: "Inbound messages by pipeline outcome",
		},
		[]string{"outcome"},
	)

	// Broadcast metrics
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statesocket_broadcasts_total",
			Help: "Total number of state broadcasts",
		},
	)

	BroadcastSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statesocket_broadcast_send_failures_total",
			Help: "Sends that failed during a broadcast",
		},
	)

	// Persistence metrics
	PersistenceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statesocket_persistence_operations_total",
			Help: "Persistence operations by operation and result",
		},
		[]string{"op", "result"},
	)

	PersistenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statesocket_persistence_duration_seconds",
			Help:    "Persistence operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Heartbeat metrics
	PingsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statesocket_pings_sent_total",
			Help: "Heartbeat pings sent",
		},
	)

	PingTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statesocket_ping_timeouts_total",
			Help: "Connections closed for not answering a ping",
		},
	)

	// State metrics
	StateVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statesocket_state_version",
			Help: "Current state version (-1 when versioning is disabled)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statesocket_api_requests_total",
			Help: "Admin API requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statesocket_api_request_duration_seconds",
			Help:    "Admin API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(BroadcastSendFailures)
	prometheus.MustRegister(PersistenceOpsTotal)
	prometheus.MustRegister(PersistenceDuration)
	prometheus.MustRegister(PingsSent)
	prometheus.MustRegister(PingTimeouts)
	prometheus.MustRegister(StateVersion)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
