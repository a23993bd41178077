// Package metrics exposes Prometheus collectors for the auth client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeCeiling = "ceiling"
	OutcomeShared  = "shared"
)

// Metrics groups the client collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshInFlight prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	hydrations      *prometheus.CounterVec
}

// New registers the collectors in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_token_refresh_total",
			Help: "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shepherd_token_refresh_in_flight",
			Help: "Token refreshes currently in flight.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_api_requests_total",
			Help: "GraphQL requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shepherd_api_request_duration_seconds",
			Help:    "GraphQL request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		hydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_hydration_total",
			Help: "Session hydrations by status.",
		}, []string{"status"}),
	}
	m.reg.MustRegister(m.refreshTotal, m.refreshInFlight, m.requestsTotal, m.requestDuration, m.hydrations)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RefreshStarted marks a refresh as in flight and returns its completion func.
func (m *Metrics) RefreshStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.refreshInFlight.Inc()
	return func(outcome string) {
		m.refreshInFlight.Dec()
		m.refreshTotal.WithLabelValues(outcome).Inc()
	}
}

// Refresh counts a refresh outcome that did not go to the network.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// Request records one GraphQL call.
func (m *Metrics) Request(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, outcome).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Hydration counts a hydration result.
func (m *Metrics) Hydration(status string) {
	if m == nil {
		return
	}
	m.hydrations.WithLabelValues(status).Inc()
}

// RefreshCounter returns the refresh counter for outcome, for inspection.
func (m *Metrics) RefreshCounter(outcome string) prometheus.Counter {
	return m.refreshTotal.WithLabelValues(outcome)
}

// HydrationCounter returns the hydration counter for status, for inspection.
func (m *Metrics) HydrationCounter(status string) prometheus.Counter {
	return m.hydrations.WithLabelValues(status)
}
