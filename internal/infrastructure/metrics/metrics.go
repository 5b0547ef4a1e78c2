// Package metrics holds the Prometheus collectors for the connection layer
// and the HTTP surface. Collectors register with the default registry on
// package init and are exposed by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection layer metrics.
var (
	OpenConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "parklink",
			Name:      "open_connections",
			Help:      "Device connections currently connecting or open.",
		},
		[]string{"protocol"},
	)
	DialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parklink",
			Name:      "dials_total",
			Help:      "Device dial attempts by outcome.",
		},
		[]string{"protocol", "result"},
	)
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parklink",
			Name:      "frames_total",
			Help:      "Inbound frames by protocol, kind and outcome.",
		},
		[]string{"protocol", "kind", "result"},
	)
	WriteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parklink",
			Name:      "write_retries_total",
			Help:      "Failed command write attempts that were retried or abandoned.",
		},
		[]string{"protocol"},
	)
	StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parklink",
			Name:      "status_transitions_total",
			Help:      "Persisted DeviceStatus transitions by flag and new value.",
		},
		[]string{"flag", "value"},
	)
)

// HTTP metrics.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		OpenConnections,
		DialsTotal,
		FramesTotal,
		WriteRetriesTotal,
		StatusTransitionsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler serves every registered collector in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
