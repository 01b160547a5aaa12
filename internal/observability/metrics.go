package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the gateway.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Policy metrics.
	PolicyDecisionsTotal *prometheus.CounterVec

	// Visibility metrics.
	VisibilityLookupsTotal *prometheus.CounterVec

	// Proxy metrics.
	ProxyConnectionsTotal *prometheus.CounterVec
	InjectionMissesTotal  prometheus.Counter

	// Credential lifecycle metrics.
	TokenRefreshesTotal *prometheus.CounterVec
	CARotationsTotal    prometheus.Counter

	// Session metrics.
	ActiveSessions    prometheus.Gauge
	AuthFailuresTotal prometheus.Counter

	// Audit metrics.
	AuditWritesTotal *prometheus.CounterVec

	// HTTP control API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total policy decisions.",
		}, []string{"kind", "result"}),

		VisibilityLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "visibility",
			Name:      "lookups_total",
			Help:      "Total repository visibility lookups.",
		}, []string{"result", "cached"}),

		ProxyConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "proxy",
			Name:      "connections_total",
			Help:      "Total intercepted connections by handling mode.",
		}, []string{"mode"}),

		InjectionMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "proxy",
			Name:      "injection_misses_total",
			Help:      "Requests forwarded without a credential header because no valid credential was available.",
		}),

		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "tokens",
			Name:      "refreshes_total",
			Help:      "Total credential refresh attempts.",
		}, []string{"outcome"}),

		CARotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "ca",
			Name:      "rotations_total",
			Help:      "Total interception CA rotations.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jib",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sandbox sessions.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "sessions",
			Name:      "auth_failures_total",
			Help:      "Total failed session authentications.",
		}),

		AuditWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Total audit entries written.",
		}, []string{"sink", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jib",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jib",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jib",
			Name:      "active_requests",
			Help:      "Number of currently active control API requests.",
		}),
	}

	reg.MustRegister(
		m.PolicyDecisionsTotal,
		m.VisibilityLookupsTotal,
		m.ProxyConnectionsTotal,
		m.InjectionMissesTotal,
		m.TokenRefreshesTotal,
		m.CARotationsTotal,
		m.ActiveSessions,
		m.AuthFailuresTotal,
		m.AuditWritesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordPolicyDecision increments the decision counter; nil-safe.
func (m *MetricsCollector) RecordPolicyDecision(kind string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PolicyDecisionsTotal.WithLabelValues(kind, result).Inc()
}

// RecordVisibilityLookup increments the lookup counter; nil-safe.
func (m *MetricsCollector) RecordVisibilityLookup(result string, cached bool) {
	if m == nil {
		return
	}
	c := "miss"
	if cached {
		c = "hit"
	}
	m.VisibilityLookupsTotal.WithLabelValues(result, c).Inc()
}
