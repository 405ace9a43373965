// Package metrics provides Prometheus instrumentation for the fieldgate
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only fieldgate metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the fieldgate server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ResolutionsTotal    *prometheus.CounterVec
	RuleSavesTotal      *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// New creates and registers all fieldgate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_resolutions_total",
			Help: "Total number of checkout field resolutions.",
		}, []string{"section"}),

		RuleSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_rule_saves_total",
			Help: "Total number of rule set saves.",
		}, []string{"section"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldgate_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.RuleSavesTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordResolution increments the resolution counter for a section.
func (m *Metrics) RecordResolution(section string) {
	m.ResolutionsTotal.WithLabelValues(section).Inc()
}

// RecordRuleSave increments the rule save counter for a section.
func (m *Metrics) RecordRuleSave(section string) {
	m.RuleSavesTotal.WithLabelValues(section).Inc()
}
