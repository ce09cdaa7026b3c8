package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("RESPONDER")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	m.setDefaults()

	// A missing file is fine: defaults and environment still apply.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and delivers each reloaded config that
// passes validation. Invalid edits are ignored and the previous config stays.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			prev := m.Get(ctx)
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			m.applyEnvOverrides()
			next := m.Get(ctx)
			if len(next.Validate()) > 0 {
				m.mu.Lock()
				m.config = prev
				m.mu.Unlock()
				return
			}
			select {
			case m.watchChan <- *next:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.grpc_port", d.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.incident_creates_per_minute", d.Server.IncidentCreatesPerMinute)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)

	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("kubernetes.kubeconfig", d.Kubernetes.Kubeconfig)
	m.viper.SetDefault("kubernetes.context", d.Kubernetes.Context)
	m.viper.SetDefault("kubernetes.in_cluster", d.Kubernetes.InCluster)
	m.viper.SetDefault("kubernetes.qps", d.Kubernetes.QPS)
	m.viper.SetDefault("kubernetes.burst", d.Kubernetes.Burst)

	m.viper.SetDefault("prometheus.address", d.Prometheus.Address)
	m.viper.SetDefault("prometheus.error_rate_query", d.Prometheus.ErrorRateQuery)
	m.viper.SetDefault("prometheus.latency_query", d.Prometheus.LatencyQuery)
	m.viper.SetDefault("prometheus.window", d.Prometheus.Window)

	m.viper.SetDefault("gateway.reasoning_url", d.Gateway.ReasoningURL)
	m.viper.SetDefault("gateway.fix_cycle_url", d.Gateway.FixCycleURL)
	m.viper.SetDefault("gateway.status_url", d.Gateway.StatusURL)
	m.viper.SetDefault("gateway.timeout", d.Gateway.Timeout)

	m.viper.SetDefault("orchestrator.max_actions_per_incident", d.Orchestrator.MaxActionsPerIncident)
	m.viper.SetDefault("orchestrator.max_verification_retries", d.Orchestrator.MaxVerificationRetries)
	m.viper.SetDefault("orchestrator.call_timeout", d.Orchestrator.CallTimeout)
	m.viper.SetDefault("orchestrator.confirm_threshold", d.Orchestrator.ConfirmThreshold)
	m.viper.SetDefault("orchestrator.pattern_boost", d.Orchestrator.PatternBoost)
	m.viper.SetDefault("orchestrator.allowed_actions", d.Orchestrator.AllowedActions)
	m.viper.SetDefault("orchestrator.require_manual_code_evolution_approval", d.Orchestrator.RequireManualCodeEvolutionApproval)
	m.viper.SetDefault("orchestrator.max_concurrent", d.Orchestrator.MaxConcurrent)
	m.viper.SetDefault("orchestrator.retain_finished", d.Orchestrator.RetainFinished)

	m.viper.SetDefault("escalation.enabled", d.Escalation.Enabled)
	m.viper.SetDefault("escalation.confidence_threshold", d.Escalation.ConfidenceThreshold)
	m.viper.SetDefault("escalation.include_code_fix", d.Escalation.IncludeCodeFix)
	m.viper.SetDefault("escalation.rollback_freshness", d.Escalation.RollbackFreshness)
	m.viper.SetDefault("escalation.operational_stabilization", d.Escalation.OperationalStabilization)
	m.viper.SetDefault("escalation.code_fix_stabilization", d.Escalation.CodeFixStabilization)
	m.viper.SetDefault("escalation.scale_step", d.Escalation.ScaleStep)

	m.viper.SetDefault("verification.error_rate_threshold", d.Verification.ErrorRateThreshold)
	m.viper.SetDefault("verification.batch_size", d.Verification.BatchSize)
	m.viper.SetDefault("verification.request_timeout", d.Verification.RequestTimeout)
	m.viper.SetDefault("verification.base_url_template", d.Verification.BaseURLTemplate)
	m.viper.SetDefault("verification.frame_attempts", d.Verification.FrameAttempts)
	m.viper.SetDefault("verification.frame_backoff", d.Verification.FrameBackoff)
	m.viper.SetDefault("verification.fix_timeout", d.Verification.FixTimeout)
	m.viper.SetDefault("verification.fix_poll_interval", d.Verification.FixPollInterval)
	m.viper.SetDefault("verification.recent_fix_window", d.Verification.RecentFixWindow)
	m.viper.SetDefault("verification.rollout_timeout", d.Verification.RolloutTimeout)
	m.viper.SetDefault("verification.measurement_reuse", d.Verification.MeasurementReuse)

	m.viper.SetDefault("cooldown.target_cooldown", d.Cooldown.TargetCooldown)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	d := DefaultConfig()
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.IncidentCreatesPerMinute = m.viper.GetInt("server.incident_creates_per_minute")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.Kubernetes.Kubeconfig = m.viper.GetString("kubernetes.kubeconfig")
	cfg.Kubernetes.Context = m.viper.GetString("kubernetes.context")
	cfg.Kubernetes.InCluster = m.viper.GetBool("kubernetes.in_cluster")
	cfg.Kubernetes.QPS = m.viper.GetFloat64("kubernetes.qps")
	cfg.Kubernetes.Burst = m.viper.GetInt("kubernetes.burst")

	cfg.Prometheus.Address = m.viper.GetString("prometheus.address")
	cfg.Prometheus.ErrorRateQuery = m.viper.GetString("prometheus.error_rate_query")
	cfg.Prometheus.LatencyQuery = m.viper.GetString("prometheus.latency_query")
	cfg.Prometheus.Window = m.viper.GetDuration("prometheus.window")

	cfg.Gateway.ReasoningURL = m.viper.GetString("gateway.reasoning_url")
	cfg.Gateway.FixCycleURL = m.viper.GetString("gateway.fix_cycle_url")
	cfg.Gateway.StatusURL = m.viper.GetString("gateway.status_url")
	cfg.Gateway.Timeout = m.viper.GetDuration("gateway.timeout")

	cfg.Orchestrator.MaxActionsPerIncident = m.viper.GetInt("orchestrator.max_actions_per_incident")
	cfg.Orchestrator.MaxVerificationRetries = m.viper.GetInt("orchestrator.max_verification_retries")
	cfg.Orchestrator.CallTimeout = m.viper.GetDuration("orchestrator.call_timeout")
	cfg.Orchestrator.ConfirmThreshold = m.viper.GetFloat64("orchestrator.confirm_threshold")
	cfg.Orchestrator.PatternBoost = m.viper.GetFloat64("orchestrator.pattern_boost")
	cfg.Orchestrator.AllowedActions = m.viper.GetStringSlice("orchestrator.allowed_actions")
	cfg.Orchestrator.RequireManualCodeEvolutionApproval = m.viper.GetBool("orchestrator.require_manual_code_evolution_approval")
	cfg.Orchestrator.MaxConcurrent = m.viper.GetInt("orchestrator.max_concurrent")
	cfg.Orchestrator.RetainFinished = m.viper.GetInt("orchestrator.retain_finished")

	cfg.Escalation.Enabled = m.viper.GetBool("escalation.enabled")
	cfg.Escalation.ConfidenceThreshold = m.viper.GetFloat64("escalation.confidence_threshold")
	cfg.Escalation.IncludeCodeFix = m.viper.GetBool("escalation.include_code_fix")
	cfg.Escalation.RollbackFreshness = m.viper.GetDuration("escalation.rollback_freshness")
	cfg.Escalation.OperationalStabilization = m.viper.GetDuration("escalation.operational_stabilization")
	cfg.Escalation.CodeFixStabilization = m.viper.GetDuration("escalation.code_fix_stabilization")
	cfg.Escalation.ScaleStep = m.viper.GetInt("escalation.scale_step")

	cfg.Verification.ErrorRateThreshold = m.viper.GetFloat64("verification.error_rate_threshold")
	cfg.Verification.BatchSize = m.viper.GetInt("verification.batch_size")
	cfg.Verification.RequestTimeout = m.viper.GetDuration("verification.request_timeout")
	cfg.Verification.BaseURLTemplate = m.viper.GetString("verification.base_url_template")
	cfg.Verification.FrameAttempts = m.viper.GetInt("verification.frame_attempts")
	cfg.Verification.FrameBackoff = m.viper.GetDuration("verification.frame_backoff")
	cfg.Verification.FixTimeout = m.viper.GetDuration("verification.fix_timeout")
	cfg.Verification.FixPollInterval = m.viper.GetDuration("verification.fix_poll_interval")
	cfg.Verification.RecentFixWindow = m.viper.GetDuration("verification.recent_fix_window")
	cfg.Verification.RolloutTimeout = m.viper.GetDuration("verification.rollout_timeout")
	cfg.Verification.MeasurementReuse = m.viper.GetDuration("verification.measurement_reuse")

	cfg.Verification.Endpoints = d.Verification.Endpoints
	if m.viper.IsSet("verification.endpoints") {
		cfg.Verification.Endpoints = nil
		if err := m.viper.UnmarshalKey("verification.endpoints", &cfg.Verification.Endpoints); err != nil {
			return fmt.Errorf("verification.endpoints: %w", err)
		}
	}

	cfg.Cooldown.TargetCooldown = m.viper.GetDuration("cooldown.target_cooldown")

	cfg.Knowledge.Patterns = d.Knowledge.Patterns
	if m.viper.IsSet("knowledge.patterns") {
		cfg.Knowledge.Patterns = nil
		if err := m.viper.UnmarshalKey("knowledge.patterns", &cfg.Knowledge.Patterns); err != nil {
			return fmt.Errorf("knowledge.patterns: %w", err)
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies environment variables that follow wider
// conventions than the RESPONDER_ prefix.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path := os.Getenv("KUBECONFIG"); path != "" && m.config.Kubernetes.Kubeconfig == "" {
		m.config.Kubernetes.Kubeconfig = path
	}
	if addr := os.Getenv("PROMETHEUS_URL"); addr != "" && m.config.Prometheus.Address == "" {
		m.config.Prometheus.Address = addr
	}
}
