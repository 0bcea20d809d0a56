package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Approval outcomes
const (
	OutcomeMinted    = "minted"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeDenied    = "denied"
	OutcomeRejected  = "unauthorized"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Active connections gauge
	activeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clubrelay_active_connections",
			Help: "Number of active connections",
		},
		[]string{"type"},
	)

	envelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubrelay_envelopes_received_total",
			Help: "Channel envelopes received, by event name",
		},
		[]string{"event"},
	)

	approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubrelay_approvals_total",
			Help: "Approval decisions, by outcome",
		},
		[]string{"outcome"},
	)

	mintDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clubrelay_mint_duration_seconds",
			Help:    "Time spent waiting for the minter",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	status := "unknown"
	if statusCode >= 200 && statusCode < 300 {
		status = "2xx"
	} else if statusCode >= 300 && statusCode < 400 {
		status = "3xx"
	} else if statusCode >= 400 && statusCode < 500 {
		status = "4xx"
	} else if statusCode >= 500 {
		status = "5xx"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// SetActiveConnections sets the number of active connections by type
func SetActiveConnections(connType string, count float64) {
	activeConnections.WithLabelValues(connType).Set(count)
}

// RecordEnvelope counts one inbound channel envelope
func RecordEnvelope(event string) {
	envelopesTotal.WithLabelValues(event).Inc()
}

// RecordApproval counts one approval decision
func RecordApproval(outcome string) {
	approvalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveMint records how long a mint took
func ObserveMint(durationSeconds float64) {
	mintDuration.Observe(durationSeconds)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
