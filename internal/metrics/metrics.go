// Package metrics exposes the process's Prometheus collectors. Everything
// registers on the default registry and is served by the router's /metrics
// endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentrun_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_runs_started_total",
		Help: "Agent runs admitted and enqueued.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_runs_finished_total",
		Help: "Agent runs reaching a terminal status.",
	}, []string{"status"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrun_stream_subscribers",
		Help: "Live SSE subscribers.",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_webhook_events_total",
		Help: "Provider webhook deliveries by type and outcome.",
	}, []string{"type", "outcome"})

	CreditDeductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_credit_deductions_total",
		Help: "Deduct operations by outcome.",
	}, []string{"outcome"})

	ReconcileJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_reconcile_jobs_total",
		Help: "Reconciliation job executions by job and outcome.",
	}, []string{"job", "outcome"})

	ReconcileFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_reconcile_findings_total",
		Help: "Anomalies found by reconciliation, by job.",
	}, []string{"job"})
)

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
