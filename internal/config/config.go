package config

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-responder/internal/knowledge"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
)

// Package config provides configuration management for the responder.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (RESPONDER_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/responder.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   server        HTTP and gRPC health listen ports, WebSocket origins
//   logging       level, format, rotated app and audit log files
//   database      SQLite path for incidents and their history
//   kubernetes    kubeconfig or in-cluster access, client rate limits
//   prometheus    metric queries backing the Observe phase
//   gateway       reasoning, fix-cycle and status service URLs
//   orchestrator  action cap, retry bound, thresholds, allow-list
//   escalation    ladder toggle, confidence threshold, stabilization waits
//   verification  synthetic traffic probe and decision thresholds
//   cooldown      per-target remediation cooldown
//   knowledge     failure patterns matched during Decide

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port     int
		GRPCPort int
		// AllowedOrigins lists origins permitted to open WebSocket connections.
		// ["*"] allows any origin.
		AllowedOrigins []string
		// IncidentCreatesPerMinute limits POST /api/v1/incidents per client.
		IncidentCreatesPerMinute int
	}

	Logging struct {
		Level        string
		Format       string
		AuditLogPath string
		AppLogPath   string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}

	Database struct {
		SQLitePath string
	}

	Kubernetes struct {
		Kubeconfig string
		Context    string
		InCluster  bool
		QPS        float64
		Burst      int
	}

	Prometheus struct {
		Address        string
		ErrorRateQuery string
		LatencyQuery   string
		Window         time.Duration
	}

	Gateway struct {
		ReasoningURL string
		FixCycleURL  string
		StatusURL    string
		Timeout      time.Duration
	}

	Orchestrator struct {
		MaxActionsPerIncident              int
		MaxVerificationRetries             int
		CallTimeout                        time.Duration
		ConfirmThreshold                   float64
		PatternBoost                       float64
		AllowedActions                     []string
		RequireManualCodeEvolutionApproval bool
		MaxConcurrent                      int
		RetainFinished                     int
	}

	Escalation struct {
		Enabled                  bool
		ConfidenceThreshold      float64
		IncludeCodeFix           bool
		RollbackFreshness        time.Duration
		OperationalStabilization time.Duration
		CodeFixStabilization     time.Duration
		ScaleStep                int
	}

	Verification struct {
		ErrorRateThreshold float64
		BatchSize          int
		RequestTimeout     time.Duration
		Endpoints          []verification.Endpoint
		BaseURLTemplate    string
		FrameAttempts      int
		FrameBackoff       time.Duration
		FixTimeout         time.Duration
		FixPollInterval    time.Duration
		RecentFixWindow    time.Duration
		RolloutTimeout     time.Duration
		MeasurementReuse   time.Duration
	}

	Cooldown struct {
		TargetCooldown time.Duration
	}

	Knowledge struct {
		Patterns []knowledge.Pattern
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reloads the file on change and delivers each valid new config.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/responder.yaml")
}
