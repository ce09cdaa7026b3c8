package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-responder/internal/analytics/logparse"
	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/config"
	"github.com/kubilitics/kubilitics-responder/internal/db"
	"github.com/kubilitics/kubilitics-responder/internal/integration/gateway"
	"github.com/kubilitics/kubilitics-responder/internal/integration/k8s"
	"github.com/kubilitics/kubilitics-responder/internal/integration/prom"
	"github.com/kubilitics/kubilitics-responder/internal/knowledge"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/correlation"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-responder/internal/remediation"
	"github.com/kubilitics/kubilitics-responder/internal/remediation/escalation"
	"github.com/kubilitics/kubilitics-responder/internal/safety/cooldown"
	"github.com/kubilitics/kubilitics-responder/internal/safety/rollback"
	"github.com/kubilitics/kubilitics-responder/internal/server"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// app holds the long-lived components that need an orderly shutdown.
type app struct {
	logger   *zap.Logger
	level    zap.AtomicLevel
	auditLog audit.Logger
	store    db.Store
	cooldown *cooldown.Registry
	kb       *knowledge.Base
	manager  *engine.Manager
	server   *server.Server
}

func newLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	logConfig := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = level
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logConfig.Build()
	if err != nil {
		return nil, level, err
	}
	return logger.Named("responder"), level, nil
}

// newApp wires every component from the loaded configuration. Optional
// collaborators (Kubernetes, Prometheus, gateway services) that are not
// configured or unreachable are logged and left out; the engines treat a
// missing collaborator as a signal that cannot be measured.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, level, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("open incident store: %w", err)
	}

	a := &app{
		logger:   logger,
		level:    level,
		auditLog: auditLog,
		store:    store,
		cooldown: cooldown.NewRegistry(cfg.Cooldown.TargetCooldown, time.Minute),
		kb:       knowledge.New(cfg.Knowledge.Patterns, logger.Named("knowledge")),
	}
	bus := notify.NewBus(64)

	// Kubernetes: execution, revisions, rollout waits, logs and events.
	kcfg := k8s.DefaultConfig()
	kcfg.Kubeconfig = cfg.Kubernetes.Kubeconfig
	kcfg.Context = cfg.Kubernetes.Context
	kcfg.InCluster = cfg.Kubernetes.InCluster
	kcfg.QPS = cfg.Kubernetes.QPS
	kcfg.Burst = cfg.Kubernetes.Burst
	kube, err := k8s.NewClient(kcfg, logger.Named("k8s"))
	if err != nil {
		logger.Warn("kubernetes unavailable; actions cannot be executed", zap.Error(err))
		kube = nil
	}

	// Gateway services.
	gw := gateway.Config{
		ReasoningURL: cfg.Gateway.ReasoningURL,
		FixCycleURL:  cfg.Gateway.FixCycleURL,
		StatusURL:    cfg.Gateway.StatusURL,
		Timeout:      cfg.Gateway.Timeout,
	}
	reasoningClient := gateway.NewReasoningClient(gw)
	fixClient := gateway.NewFixCycleClient(gw)
	statusClient := gateway.NewStatusClient(gw)
	if reasoningClient == nil {
		logger.Warn("gateway.reasoning_url not set; hypotheses cannot be generated")
	}

	prober := verification.NewProber(verification.ProberConfig{
		BaseURLTemplate: cfg.Verification.BaseURLTemplate,
		Endpoints:       cfg.Verification.Endpoints,
		BatchSize:       cfg.Verification.BatchSize,
		RequestTimeout:  cfg.Verification.RequestTimeout,
	}, nil, logger.Named("prober"))

	dispatcher := &remediation.Dispatcher{
		ManualApproval: cfg.Orchestrator.RequireManualCodeEvolutionApproval,
		CallTimeout:    cfg.Orchestrator.CallTimeout,
		Logger:         logger.Named("dispatch"),
	}

	vdeps := verification.Deps{Traffic: prober, Logger: logger.Named("verification")}
	edeps := escalation.Deps{
		Dispatcher: dispatcher,
		AuditLog:   auditLog,
		Publisher:  bus,
		Logger:     logger.Named("escalation"),
	}
	odeps := engine.Deps{
		LogParser:       logparse.New(logparse.Config{}),
		EventStream:     k8s.EventStream{},
		Knowledge:       a.kb,
		Correlator:      correlation.NewAnalyzer(logger.Named("correlation")),
		Dispatcher:      dispatcher,
		RollbackDecider: rollback.NewDecider(),
		Cooldown:        a.cooldown,
		Sink:            store,
		AuditLog:        auditLog,
		Publisher:       bus,
		Logger:          logger.Named("orchestrator"),
	}

	// Interfaces are only assigned from non-nil clients so a missing
	// collaborator stays a nil interface.
	if kube != nil {
		dispatcher.Executor = kube
		edeps.Revisions = kube
		vdeps.Rollout = kube
		odeps.Logs = kube
		odeps.Events = kube
	}
	if reasoningClient != nil {
		odeps.Reasoning = reasoningClient
		odeps.Frames = reasoningClient
		vdeps.Reasoning = reasoningClient
		vdeps.Frames = reasoningClient
	}
	if fixClient != nil {
		dispatcher.FixCycle = fixClient
		vdeps.FixCycle = fixClient
	}
	if statusClient != nil {
		vdeps.Status = statusClient
	}
	if cfg.Prometheus.Address != "" {
		processor, err := prom.NewProcessor(prom.Config{
			Address: cfg.Prometheus.Address,
			Queries: map[string]string{
				"error_rate":  cfg.Prometheus.ErrorRateQuery,
				"latency_p95": cfg.Prometheus.LatencyQuery,
			},
		}, logger.Named("prometheus"))
		if err != nil {
			logger.Warn("prometheus unavailable; metric evidence disabled", zap.Error(err))
		} else {
			odeps.Metrics = processor
		}
	}

	verifier := verification.NewEngine(verification.Config{
		ErrorRateThreshold: cfg.Verification.ErrorRateThreshold,
		CallTimeout:        cfg.Orchestrator.CallTimeout,
		FrameAttempts:      cfg.Verification.FrameAttempts,
		FrameBackoff:       cfg.Verification.FrameBackoff,
		FixTimeout:         cfg.Verification.FixTimeout,
		FixPollInterval:    cfg.Verification.FixPollInterval,
		RecentFixWindow:    cfg.Verification.RecentFixWindow,
		RolloutTimeout:     cfg.Verification.RolloutTimeout,
		MeasurementReuse:   cfg.Verification.MeasurementReuse,
	}, vdeps)
	odeps.Verifier = verifier

	allowed := make([]types.ActionType, 0, len(cfg.Orchestrator.AllowedActions))
	for _, act := range cfg.Orchestrator.AllowedActions {
		allowed = append(allowed, types.ActionType(act))
	}

	edeps.Checker = verifier
	odeps.Escalation = escalation.NewEngine(escalation.Config{
		AllowedActions:           allowed,
		IncludeCodeFix:           cfg.Escalation.IncludeCodeFix,
		RollbackFreshness:        cfg.Escalation.RollbackFreshness,
		OperationalStabilization: cfg.Escalation.OperationalStabilization,
		CodeFixStabilization:     cfg.Escalation.CodeFixStabilization,
		ScaleStep:                cfg.Escalation.ScaleStep,
		CallTimeout:              cfg.Orchestrator.CallTimeout,
	}, edeps)

	a.manager = engine.NewManager(engine.Config{
		MaxActionsPerIncident:  cfg.Orchestrator.MaxActionsPerIncident,
		MaxVerificationRetries: cfg.Orchestrator.MaxVerificationRetries,
		CallTimeout:            cfg.Orchestrator.CallTimeout,
		ConfirmThreshold:       cfg.Orchestrator.ConfirmThreshold,
		PatternBoost:           cfg.Orchestrator.PatternBoost,
		AllowedActions:         allowed,
		EscalationEnabled:      cfg.Escalation.Enabled,
		EscalationThreshold:    cfg.Escalation.ConfidenceThreshold,
		ScaleStep:              cfg.Escalation.ScaleStep,
		EvidenceWindow:         cfg.Prometheus.Window,
		MetricWindow:           cfg.Prometheus.Window,
		RetainFinished:         cfg.Orchestrator.RetainFinished,
	}, odeps, store, cfg.Orchestrator.MaxConcurrent)

	a.server, err = server.NewServer(&server.Config{
		HTTPPort:                 cfg.Server.Port,
		GRPCPort:                 cfg.Server.GRPCPort,
		AllowedOrigins:           cfg.Server.AllowedOrigins,
		IncidentCreatesPerMinute: cfg.Server.IncidentCreatesPerMinute,
	}, server.Deps{
		Investigations: a.manager,
		Store:          store,
		Bus:            bus,
		Logger:         logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("create server: %w", err)
	}

	a.audit(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithMetadata("knowledge_patterns", len(cfg.Knowledge.Patterns)).
		WithMetadata("escalation_enabled", cfg.Escalation.Enabled).
		WithDescription("configuration loaded"))

	logger.Info("responder wired",
		zap.Bool("kubernetes", kube != nil),
		zap.Bool("prometheus", odeps.Metrics != nil),
		zap.Bool("reasoning", reasoningClient != nil),
		zap.Bool("fix_cycle", fixClient != nil),
		zap.Bool("status_probe", statusClient != nil),
		zap.Int("knowledge_patterns", len(cfg.Knowledge.Patterns)),
	)
	return a, nil
}

// watchConfig applies hot-reloadable settings: the knowledge base and the
// log level. Everything else needs a restart.
func (a *app) watchConfig(ctx context.Context, updates <-chan config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			a.kb.Replace(cfg.Knowledge.Patterns)
			if err := a.level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
				a.logger.Warn("ignoring invalid log level", zap.String("level", cfg.Logging.Level))
			}
			a.audit(ctx, audit.NewEvent(audit.EventConfigChanged).
				WithMetadata("knowledge_patterns", len(cfg.Knowledge.Patterns)).
				WithMetadata("log_level", cfg.Logging.Level).
				WithDescription("configuration reloaded from file"))
			a.logger.Info("configuration reloaded",
				zap.Int("knowledge_patterns", len(cfg.Knowledge.Patterns)),
				zap.String("log_level", a.level.String()),
			)
		}
	}
}

func (a *app) close(ctx context.Context) {
	if a.server != nil && a.server.IsRunning() {
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Warn("server shutdown", zap.Error(err))
		}
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn("investigations did not stop in time", zap.Error(err))
		}
	}
	a.cooldown.Stop()
	a.audit(ctx, audit.NewEvent(audit.EventServerShutdown).WithDescription("responder stopped"))
	if err := a.auditLog.Close(); err != nil {
		a.logger.Warn("audit log close", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// audit records a daemon-level event. Audit failures are logged, never fatal.
func (a *app) audit(ctx context.Context, event *audit.Event) {
	if err := a.auditLog.Log(ctx, event.WithResult(audit.ResultSuccess)); err != nil {
		a.logger.Warn("audit log write failed", zap.String("event_type", string(event.EventType)), zap.Error(err))
	}
}
