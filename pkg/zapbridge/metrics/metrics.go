// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_http_requests_total",
			Help: "Total gateway HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zapbridge_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_messages_received_total",
			Help: "Total inbound messages with text",
		},
		[]string{"chat_type"}, // "direct" or "group"
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_decisions_total",
			Help: "Automation decisions by result",
		},
		[]string{"chat_type", "automated"},
	)

	ConfigLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zapbridge_config_load_errors_total",
			Help: "Failed runtime configuration loads",
		},
	)

	// Webhook metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_webhook_requests_total",
			Help: "Webhook dispatches by outcome",
		},
		[]string{"outcome"}, // "ok", "http_error", "timeout", "network"
	)

	WebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zapbridge_webhook_duration_seconds",
			Help:    "Webhook round-trip latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_replies_total",
			Help: "Outbound reply handling by outcome",
		},
		[]string{"outcome"}, // "sent", "skip_reply", "empty_reply", "send_error", "dispatch_error"
	)

	// Audit metrics
	AuditDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_audit_dropped_total",
			Help: "Audit entries that were not persisted",
		},
		[]string{"reason"}, // "queue_full", "sink_error", "closed"
	)

	// Connection metrics
	SessionRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zapbridge_session_restarts_total",
			Help: "Transport session restarts after a non-terminal closure",
		},
	)

	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapbridge_session_state",
			Help: "Current supervisor state (1 for the active state)",
		},
		[]string{"state"},
	)
)

// SetSessionState marks state as the only active supervisor state.
func SetSessionState(state string, all ...string) {
	for _, s := range all {
		SessionState.WithLabelValues(s).Set(0)
	}
	SessionState.WithLabelValues(state).Set(1)
}

// ChatType returns the label used for direct and group chats.
func ChatType(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}
