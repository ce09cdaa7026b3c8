package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Responder metrics for production monitoring
var (
	// Investigation metrics
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_investigations_total",
			Help: "Total number of investigations by terminal outcome",
		},
		[]string{"outcome"}, // done, failed, stopped
	)

	ActiveInvestigations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responder_active_investigations",
			Help: "Number of investigations currently running",
		},
	)

	PhaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_phase_transitions_total",
			Help: "Total number of phase transitions",
		},
		[]string{"from", "to"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responder_phase_duration_seconds",
			Help:    "Time spent executing one phase handler",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"phase"},
	)

	// Remediation metrics
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_actions_total",
			Help: "Total number of remediation actions by type and final status",
		},
		[]string{"type", "status"},
	)

	EscalationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_escalation_attempts_total",
			Help: "Escalation tier attempts by tier and result",
		},
		[]string{"tier", "result"}, // result: verified, unverified, failed, skipped
	)

	// Verification metrics
	VerificationVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_verification_verdicts_total",
			Help: "Verification verdicts by deciding signal and result",
		},
		[]string{"signal", "result"},
	)

	SyntheticErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "responder_synthetic_error_rate",
			Help: "Last measured synthetic traffic error ratio",
		},
		[]string{"target"},
	)

	// Collaborator metrics
	CollaboratorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_collaborator_failures_total",
			Help: "Failed or timed-out collaborator calls",
		},
		[]string{"collaborator"},
	)

	// HTTP API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responder_websocket_connections",
			Help: "Current number of notification stream connections",
		},
	)
)

// Result label helpers.
func ResultLabel(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
