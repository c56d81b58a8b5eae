// Package metrics provides Prometheus instrumentation for the session
// services. It exposes counters for issuance outcomes and best-effort side
// calls, a gauge for in-flight requests and a histogram for provider
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsTotal counts issuer invocations by outcome (see the
	// protocol.Outcome* constants).
	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_sessions_total",
		Help: "Session issuance requests by outcome",
	}, []string{"outcome"})

	// ProviderLatency records the duration of the session-creation call.
	ProviderLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatkit_provider_latency_seconds",
		Help:    "Latency of the ChatKit session-creation call in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// SideCallsTotal counts best-effort post-creation calls, labeled by
	// call ("starter_message", "title") and result ("ok", "error").
	SideCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_side_calls_total",
		Help: "Best-effort post-creation calls by call and result",
	}, []string{"call", "result"})

	// InflightRequests tracks issuer invocations currently being served.
	InflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_inflight_requests",
		Help: "Session issuance requests currently in flight",
	})

	// RateLimiterErrors counts limiter backend failures (the limiter fails
	// open, so these are otherwise invisible).
	RateLimiterErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_rate_limiter_errors_total",
		Help: "Rate limiter backend errors",
	})

	// AuditEventsTotal counts events handled by the audit service, labeled
	// by result: "stored", "invalid" or "failed".
	AuditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_audit_events_total",
		Help: "Session events processed by the audit service",
	}, []string{"result"})

	// AuditRecentOutcomes is the number of stored events per outcome within
	// the audit service's reporting window, refreshed from PostgreSQL.
	AuditRecentOutcomes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatkit_audit_recent_outcomes",
		Help: "Stored session events per outcome within the reporting window",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		ProviderLatency,
		SideCallsTotal,
		InflightRequests,
		RateLimiterErrors,
		AuditEventsTotal,
		AuditRecentOutcomes,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
