package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Incident lifecycle
	LogIncidentStarted(ctx context.Context, incidentID, target string) error
	LogIncidentResolved(ctx context.Context, incidentID string, duration time.Duration) error
	LogIncidentFailed(ctx context.Context, incidentID, reason string) error

	// LogPhaseTransition records one edge of the phase graph.
	LogPhaseTransition(ctx context.Context, incidentID, from, to string) error

	// LogActionDispatched records an action handed to an execution collaborator.
	LogActionDispatched(ctx context.Context, incidentID, action, target string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(appRotator),
		level,
	)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit entries are always INFO level, append-only.
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("incident_id", event.IncidentID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogIncidentStarted logs when an investigation starts
func (l *auditLogger) LogIncidentStarted(ctx context.Context, incidentID, target string) error {
	return l.Log(ctx, incidentStarted(incidentID, target))
}

// LogIncidentResolved logs when an incident reaches DONE
func (l *auditLogger) LogIncidentResolved(ctx context.Context, incidentID string, duration time.Duration) error {
	return l.Log(ctx, incidentResolved(incidentID, duration))
}

// LogIncidentFailed logs when an incident reaches FAILED
func (l *auditLogger) LogIncidentFailed(ctx context.Context, incidentID, reason string) error {
	return l.Log(ctx, incidentFailed(incidentID, reason))
}

// LogPhaseTransition logs a phase change
func (l *auditLogger) LogPhaseTransition(ctx context.Context, incidentID, from, to string) error {
	return l.Log(ctx, phaseTransition(incidentID, from, to))
}

// LogActionDispatched logs an action handed to a collaborator
func (l *auditLogger) LogActionDispatched(ctx context.Context, incidentID, action, target string) error {
	return l.Log(ctx, actionDispatched(incidentID, action, target))
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

func incidentStarted(incidentID, target string) *Event {
	return NewEvent(EventIncidentStarted).
		WithIncident(incidentID, "").
		WithResource(target, "workload", "").
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Incident %s investigation started for %s", incidentID, target))
}

func incidentResolved(incidentID string, duration time.Duration) *Event {
	return NewEvent(EventIncidentResolved).
		WithIncident(incidentID, "DONE").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Incident %s resolved", incidentID))
}

func incidentFailed(incidentID, reason string) *Event {
	return NewEvent(EventIncidentFailed).
		WithIncident(incidentID, "FAILED").
		WithResult(ResultFailure).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Incident %s failed: %s", incidentID, reason))
}

func phaseTransition(incidentID, from, to string) *Event {
	return NewEvent(EventPhaseTransition).
		WithIncident(incidentID, to).
		WithResult(ResultSuccess).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithDescription(fmt.Sprintf("Incident %s phase %s → %s", incidentID, from, to))
}

func actionDispatched(incidentID, action, target string) *Event {
	return NewEvent(EventActionDispatched).
		WithIncident(incidentID, "ACTING").
		WithAction(action).
		WithResource(target, "workload", "").
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Action %s dispatched for %s", action, target))
}
