// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Route label values for requests that match no proxy rule.
const (
	RouteAssets   = "assets"
	RouteInternal = "internal"
)

// internalPrefix mirrors config.InternalPrefix.
const internalPrefix = "/__devgate"

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	HostRejections   prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	// prefixes is sorted longest first so the first hit is the longest match.
	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. prefixes are the proxy rule prefixes used as route labels.
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sorted := append([]string(nil), prefixes...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	m := &Metrics{
		Registry: reg,
		prefixes: sorted,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devgate_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devgate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		HostRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devgate_host_rejections_total",
			Help: "Requests rejected because their Host header is not allowed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devgate_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "route"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_upstream_responses_total",
			Help: "Total upstream responses by route and status code.",
		}, []string{"method", "route", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_upstream_errors_total",
			Help: "Upstream calls that produced no response, by route and kind.",
		}, []string{"route", "kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.HostRejections,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// RouteLabel returns a bounded route label for path: the longest configured
// proxy prefix it starts with, "internal" for gateway endpoints, or "assets".
func (m *Metrics) RouteLabel(path string) string {
	if path == internalPrefix || strings.HasPrefix(path, internalPrefix+"/") {
		return RouteInternal
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return RouteAssets
}
