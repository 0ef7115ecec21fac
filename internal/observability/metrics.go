package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_transitions_total",
		Help: "Committed transaction state transitions",
	}, []string{"from", "to", "source"})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_transition_conflicts_total",
		Help: "Transition attempts discarded because the transaction had already moved on",
	}, []string{"source"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_webhooks_total",
		Help: "Webhook deliveries by provider and ingest result",
	}, []string{"provider", "result"})

	SecurityAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_security_alerts_total",
		Help: "Webhooks rejected for an invalid signature",
	}, []string{"provider"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_provider_call_duration_seconds",
		Help:    "Latency of provider API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "result"})

	SweeperActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_sweeper_actions_total",
		Help: "Per-transaction outcomes of reconciliation sweeps",
	}, []string{"action"})

	EffectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_effects_total",
		Help: "Guarded side effects by name and result",
	}, []string{"effect", "result"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_notifications_total",
		Help: "Notification dispatch results",
	}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})
)
