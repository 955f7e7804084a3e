// Package metrics provides Prometheus instrumentation for the API manager.
// All metric collectors are registered on init via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"route"},
	)

	// UpstreamErrors counts forwarding failures by route, upstream, and
	// error kind (unreachable, timeout, protocol_error, cancelled).
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total forwarding failures by error kind",
		},
		[]string{"route", "upstream", "kind"},
	)

	// UpstreamResponses5xx counts upstream 5xx responses passed through to clients.
	UpstreamResponses5xx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_5xx_total",
			Help: "Total upstream 5xx responses relayed",
		},
		[]string{"route", "upstream", "status"},
	)

	// OpenAPIFetchErrors counts failed upstream OpenAPI document fetches.
	OpenAPIFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_openapi_fetch_errors_total",
			Help: "Total failed upstream OpenAPI document fetches",
		},
		[]string{"route"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		UpstreamErrors,
		UpstreamResponses5xx,
		OpenAPIFetchErrors,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
