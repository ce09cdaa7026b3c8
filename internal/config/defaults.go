package config

import (
	"time"

	"github.com/kubilitics/kubilitics-responder/internal/integration/prom"
	"github.com/kubilitics/kubilitics-responder/internal/knowledge"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8082
	cfg.Server.GRPCPort = 50052
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.IncidentCreatesPerMinute = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "/var/log/kubilitics/responder-audit.log"
	cfg.Logging.AppLogPath = "/var/log/kubilitics/responder.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/kubilitics/responder.db"

	// Kubernetes defaults
	cfg.Kubernetes.QPS = 20
	cfg.Kubernetes.Burst = 40

	// Prometheus defaults
	queries := prom.DefaultQueries()
	cfg.Prometheus.ErrorRateQuery = queries["error_rate"]
	cfg.Prometheus.LatencyQuery = queries["latency_p95"]
	cfg.Prometheus.Window = 15 * time.Minute

	// Gateway defaults
	cfg.Gateway.Timeout = 60 * time.Second

	// Orchestrator defaults
	cfg.Orchestrator.MaxActionsPerIncident = 5
	cfg.Orchestrator.MaxVerificationRetries = 3
	cfg.Orchestrator.CallTimeout = 30 * time.Second
	cfg.Orchestrator.ConfirmThreshold = 0.7
	cfg.Orchestrator.PatternBoost = 0.15
	cfg.Orchestrator.AllowedActions = []string{"rollback", "restart", "scale"}
	cfg.Orchestrator.RequireManualCodeEvolutionApproval = false
	cfg.Orchestrator.MaxConcurrent = 4
	cfg.Orchestrator.RetainFinished = 100

	// Escalation defaults
	cfg.Escalation.Enabled = true
	cfg.Escalation.ConfidenceThreshold = 0.85
	cfg.Escalation.IncludeCodeFix = true
	cfg.Escalation.RollbackFreshness = 2 * time.Minute
	cfg.Escalation.OperationalStabilization = 15 * time.Second
	cfg.Escalation.CodeFixStabilization = 60 * time.Second
	cfg.Escalation.ScaleStep = 1

	// Verification defaults
	cfg.Verification.ErrorRateThreshold = 0.05
	cfg.Verification.BatchSize = 40
	cfg.Verification.RequestTimeout = 3 * time.Second
	cfg.Verification.Endpoints = append([]verification.Endpoint(nil), verification.DefaultEndpoints...)
	cfg.Verification.BaseURLTemplate = "http://{name}.{namespace}.svc.cluster.local"
	cfg.Verification.FrameAttempts = 3
	cfg.Verification.FrameBackoff = 2 * time.Second
	cfg.Verification.FixTimeout = 10 * time.Minute
	cfg.Verification.FixPollInterval = 10 * time.Second
	cfg.Verification.RecentFixWindow = 5 * time.Minute
	cfg.Verification.RolloutTimeout = 5 * time.Minute
	cfg.Verification.MeasurementReuse = 15 * time.Second

	// Cooldown defaults
	cfg.Cooldown.TargetCooldown = 2 * time.Minute

	// Knowledge defaults
	cfg.Knowledge.Patterns = append([]knowledge.Pattern(nil), knowledge.DefaultPatterns...)

	return cfg
}
