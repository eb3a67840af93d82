// Package metrics exposes prometheus instrumentation for registry traffic,
// cache effectiveness and verdict distribution. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one analysis run.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	Findings        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archcheck",
			Name:      "registry_requests_total",
			Help:      "Registry HTTP requests by registry kind and outcome.",
		}, []string{"registry", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archcheck",
			Name:      "registry_request_duration_seconds",
			Help:      "Latency of registry HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"registry"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archcheck",
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by scope and result.",
		}, []string{"scope", "result"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archcheck",
			Name:      "findings_total",
			Help:      "Findings produced per analyzer and verdict.",
		}, []string{"analyzer", "verdict"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RequestDuration, m.CacheLookups, m.Findings)
	}
	return m
}

// ObserveRequest records one registry round trip.
func (m *Metrics) ObserveRequest(registry, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(registry, outcome).Inc()
	m.RequestDuration.WithLabelValues(registry).Observe(d.Seconds())
}

// CacheHit records a cache lookup result for scope.
func (m *Metrics) CacheHit(scope string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(scope, result).Inc()
}

// Finding records one finding with the given verdict name.
func (m *Metrics) Finding(analyzer, verdict string) {
	if m == nil {
		return
	}
	m.Findings.WithLabelValues(analyzer, verdict).Inc()
}
