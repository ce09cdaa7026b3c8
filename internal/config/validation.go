package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}
	if c.Server.IncidentCreatesPerMinute < 1 {
		add("server.incident_creates_per_minute", "must be at least 1, got %d", c.Server.IncidentCreatesPerMinute)
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "invalid format '%s', must be json or console", c.Logging.Format)
	}

	// Database
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Endpoints of collaborating services
	for field, raw := range map[string]string{
		"prometheus.address":    c.Prometheus.Address,
		"gateway.reasoning_url": c.Gateway.ReasoningURL,
		"gateway.fix_cycle_url": c.Gateway.FixCycleURL,
		"gateway.status_url":    c.Gateway.StatusURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			add(field, "invalid URL %q", raw)
		}
	}
	if c.Prometheus.Window <= 0 {
		add("prometheus.window", "window must be positive, got %s", c.Prometheus.Window)
	}

	// Orchestrator
	if c.Orchestrator.MaxActionsPerIncident < 1 {
		add("orchestrator.max_actions_per_incident", "must be at least 1, got %d", c.Orchestrator.MaxActionsPerIncident)
	}
	if c.Orchestrator.MaxVerificationRetries < 1 {
		add("orchestrator.max_verification_retries", "must be at least 1, got %d", c.Orchestrator.MaxVerificationRetries)
	}
	if c.Orchestrator.CallTimeout <= 0 {
		add("orchestrator.call_timeout", "must be positive, got %s", c.Orchestrator.CallTimeout)
	}
	if !unit(c.Orchestrator.ConfirmThreshold) {
		add("orchestrator.confirm_threshold", "must be within [0,1], got %v", c.Orchestrator.ConfirmThreshold)
	}
	if !unit(c.Orchestrator.PatternBoost) {
		add("orchestrator.pattern_boost", "must be within [0,1], got %v", c.Orchestrator.PatternBoost)
	}
	if len(c.Orchestrator.AllowedActions) == 0 {
		add("orchestrator.allowed_actions", "at least one action must be allowed")
	}
	for _, a := range c.Orchestrator.AllowedActions {
		if !types.ActionType(a).Valid() {
			add("orchestrator.allowed_actions", "unknown action %q, must be one of: rollback, restart, scale, code_fix", a)
		}
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		add("orchestrator.max_concurrent", "must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Orchestrator.RetainFinished < 1 {
		add("orchestrator.retain_finished", "must be at least 1, got %d", c.Orchestrator.RetainFinished)
	}

	// Escalation
	if !unit(c.Escalation.ConfidenceThreshold) {
		add("escalation.confidence_threshold", "must be within [0,1], got %v", c.Escalation.ConfidenceThreshold)
	}
	if c.Escalation.ScaleStep < 1 {
		add("escalation.scale_step", "must be at least 1, got %d", c.Escalation.ScaleStep)
	}
	if c.Escalation.RollbackFreshness < 0 || c.Escalation.OperationalStabilization < 0 || c.Escalation.CodeFixStabilization < 0 {
		add("escalation", "durations must not be negative")
	}

	// Verification
	if c.Verification.ErrorRateThreshold <= 0 || c.Verification.ErrorRateThreshold >= 1 {
		add("verification.error_rate_threshold", "must be within (0,1), got %v", c.Verification.ErrorRateThreshold)
	}
	if c.Verification.BatchSize < 1 {
		add("verification.batch_size", "must be at least 1, got %d", c.Verification.BatchSize)
	}
	if c.Verification.RequestTimeout <= 0 {
		add("verification.request_timeout", "must be positive, got %s", c.Verification.RequestTimeout)
	}
	if len(c.Verification.Endpoints) == 0 {
		add("verification.endpoints", "at least one endpoint is required")
	}
	for i, ep := range c.Verification.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			add(fmt.Sprintf("verification.endpoints[%d].path", i), "path must start with '/', got %q", ep.Path)
		}
		if ep.Weight < 1 {
			add(fmt.Sprintf("verification.endpoints[%d].weight", i), "weight must be at least 1, got %d", ep.Weight)
		}
	}
	if !strings.Contains(c.Verification.BaseURLTemplate, "{name}") {
		add("verification.base_url_template", "template must reference {name}, got %q", c.Verification.BaseURLTemplate)
	}
	if c.Verification.FixTimeout <= 0 || c.Verification.FixPollInterval <= 0 {
		add("verification", "fix_timeout and fix_poll_interval must be positive")
	}
	if c.Verification.RolloutTimeout <= 0 {
		add("verification.rollout_timeout", "must be positive, got %s", c.Verification.RolloutTimeout)
	}

	// Cooldown
	if c.Cooldown.TargetCooldown < 0 {
		add("cooldown.target_cooldown", "must not be negative, got %s", c.Cooldown.TargetCooldown)
	}

	// Knowledge
	for i, p := range c.Knowledge.Patterns {
		if p.Name == "" {
			add(fmt.Sprintf("knowledge.patterns[%d].name", i), "name is required")
		}
		if len(p.TriggerConditions) == 0 {
			add(fmt.Sprintf("knowledge.patterns[%d].trigger_conditions", i), "at least one condition is required")
		}
		for _, a := range p.RecommendedActions {
			if !a.Valid() {
				add(fmt.Sprintf("knowledge.patterns[%d].recommended_actions", i), "unknown action %q", a)
			}
		}
	}

	return errs
}

func unit(v float64) bool { return v >= 0 && v <= 1 }
