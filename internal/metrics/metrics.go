// Package metrics exposes the gateway's Prometheus collectors. All record
// methods are nil-safe so callers never need to guard against a disabled
// metrics surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	failoverAttempts *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	renewalsTotal    *prometheus.CounterVec
}

// NewRegistry builds the collector set. Every metric carries the
// "drawbridge_" prefix.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drawbridge",
				Name:      "requests_total",
				Help:      "Requests handled, by domain, method and status code.",
			},
			[]string{"domain", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "drawbridge",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"domain"},
		),
		failoverAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drawbridge",
				Name:      "failover_attempts_total",
				Help:      "Upstream attempts that failed over, by domain and failure class.",
			},
			[]string{"domain", "class"},
		),
		rateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drawbridge",
				Name:      "rate_limit_denials_total",
				Help:      "Requests denied by a limiter, by scope.",
			},
			[]string{"scope", "domain"},
		),
		renewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drawbridge",
				Name:      "cert_renewals_total",
				Help:      "Certificate renewal cycles, by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.failoverAttempts,
		m.rateLimitDenials,
		m.renewalsTotal,
	)
	return m
}

// Handler serves the scrape endpoint for the admin listener.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Registry) RecordRequest(domain, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(domain, method, status).Inc()
	m.requestDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

func (m *Registry) RecordFailover(domain, class string) {
	if m == nil {
		return
	}
	m.failoverAttempts.WithLabelValues(domain, class).Inc()
}

func (m *Registry) RecordDenial(scope, domain string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(scope, domain).Inc()
}

func (m *Registry) RecordRenewal(domain, outcome string) {
	if m == nil {
		return
	}
	m.renewalsTotal.WithLabelValues(domain, outcome).Inc()
}
