package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, config
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "invalid",
	}

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func TestLogPhaseTransitionWritesJSON(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	if err := logger.LogPhaseTransition(ctx, "inc-1", "OBSERVING", "ORIENTING"); err != nil {
		t.Fatalf("LogPhaseTransition failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 audit line, got %d", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if entry["incident_id"] != "inc-1" {
		t.Errorf("Expected incident_id inc-1, got %v", entry["incident_id"])
	}
	if entry["event_type"] != string(EventPhaseTransition) {
		t.Errorf("Expected event_type %s, got %v", EventPhaseTransition, entry["event_type"])
	}

	var event Event
	if err := json.Unmarshal([]byte(entry["message"].(string)), &event); err != nil {
		t.Fatalf("message is not an event: %v", err)
	}
	if event.Metadata["from"] != "OBSERVING" || event.Metadata["to"] != "ORIENTING" {
		t.Errorf("Unexpected metadata: %v", event.Metadata)
	}
}

func TestLoggerFlushesOnBufferFull(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_ = logger.LogActionDispatched(ctx, "inc-2", "restart", "checkout/Deployment/api")
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if got := strings.Count(string(content), "\n"); got != 100 {
		t.Errorf("Expected 100 flushed lines, got %d", got)
	}
}

func TestEventBuilder(t *testing.T) {
	err := errors.New("boom")
	event := NewEvent(EventActionFailed).
		WithIncident("inc-3", "ACTING").
		WithAction("rollback").
		WithResource("api", "Deployment", "checkout").
		WithError(err, "EXEC_FAILED").
		WithDuration(1500 * time.Millisecond)

	if event.CorrelationID != "inc-3" {
		t.Errorf("Expected correlation ID to default to incident ID, got %s", event.CorrelationID)
	}
	if event.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", event.Result)
	}
	if event.DurationMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", event.DurationMs)
	}
	if event.Namespace != "checkout" || event.ResourceType != "Deployment" {
		t.Errorf("Unexpected resource fields: %+v", event)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	_ = r.LogIncidentStarted(ctx, "inc-4", "checkout/Deployment/api")
	_ = r.LogIncidentFailed(ctx, "inc-4", "no hypotheses generated")

	if got := len(r.Events()); got != 2 {
		t.Fatalf("Expected 2 events, got %d", got)
	}
	failed := r.OfType(EventIncidentFailed)
	if len(failed) != 1 || failed[0].Metadata["reason"] != "no hypotheses generated" {
		t.Errorf("Unexpected failure events: %+v", failed)
	}
}
