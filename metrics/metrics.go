// Package metrics exposes Prometheus counters and gauges for the proxy
// (SPEC_FULL.md component L), grounded on the teacher's go.mod
// dependency on github.com/prometheus/client_golang (the teacher's own
// metrics package implementation was not retrieved in the reference
// pack, so these metric names and shapes are authored directly against
// the client_golang API, not copied from teacher source).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge/histogram this proxy records.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	FilterErrorsTotal  prometheus.Counter
	UpstreamErrorsTotal prometheus.Counter
	ActiveConnections  prometheus.Gauge
	RequestDuration    prometheus.Histogram
	ScoreboardWorkers  *prometheus.GaugeVec
}

// New constructs and registers every metric on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests hermetic; production wiring uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httprelay",
			Name:      "requests_total",
			Help:      "Requests served, labeled by method and response status class.",
		}, []string{"method", "status_class"}),
		FilterErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httprelay",
			Name:      "filter_errors_total",
			Help:      "Requests that terminated with a FilterError.",
		}),
		UpstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httprelay",
			Name:      "upstream_errors_total",
			Help:      "Requests where the upstream client synthesized a 5xx.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httprelay",
			Name:      "active_connections",
			Help:      "Client connections currently being served.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "httprelay",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency, from request read to response flush.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScoreboardWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "httprelay",
			Name:      "scoreboard_workers",
			Help:      "Pre-fork scoreboard worker count, labeled by status (accept/busy/idle).",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.FilterErrorsTotal,
		m.UpstreamErrorsTotal,
		m.ActiveConnections,
		m.RequestDuration,
		m.ScoreboardWorkers,
	)

	return m
}

// StatusClass maps an HTTP status code to its "Nxx" class label.
func StatusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
