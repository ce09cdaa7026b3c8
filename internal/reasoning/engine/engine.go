package engine

// Package engine provides the Investigation Orchestrator, the OODA loop that
// drives one incident from first observation to a verified fix.
//
// An Orchestrator owns one investigation.StateMachine and loops while the
// investigation is active, dispatching on the current phase:
//
//   OBSERVING  gather frames, logs, metrics and events concurrently
//   ORIENTING  correlate evidence into a causal summary
//   DECIDING   match known patterns, generate and confirm a hypothesis
//   ACTING     dispatch one action or walk the escalation ladder
//   VERIFYING  ask the verification engine for a verdict, retry or finish
//
// Sub-source failures inside a phase are logged and absorbed. Only
// phase-level failures (hypothesis generation, policy violations, exhausted
// escalation, the verification retry bound) move the incident to FAILED.
//
// A cancelled context interrupts the loop without changing the phase, so a
// process shutdown leaves the incident resumable. Operator stops go through
// Manager.Stop, which resets the state machine explicitly.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/correlation"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/internal/remediation"
	"github.com/kubilitics/kubilitics-responder/internal/remediation/escalation"
	"github.com/kubilitics/kubilitics-responder/internal/safety/cooldown"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	// ErrIncidentNotFound is returned by Manager lookups for unknown IDs.
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrAlreadyRunning is returned when an incident is already being investigated.
	ErrAlreadyRunning = errors.New("investigation already running")
)

// Config is the orchestrator policy.
type Config struct {
	MaxActionsPerIncident  int
	MaxVerificationRetries int
	CallTimeout            time.Duration

	// ConfirmThreshold is the confidence at which the best hypothesis is
	// confirmed outright. Below it the best hypothesis is still promoted.
	ConfirmThreshold float64
	PatternBoost     float64

	AllowedActions []types.ActionType

	// EscalationEnabled runs the escalation ladder whenever the confirmed
	// hypothesis is less certain than EscalationThreshold.
	EscalationEnabled   bool
	EscalationThreshold float64
	ScaleStep           int

	EvidenceWindow      time.Duration
	MetricWindow        time.Duration
	MaxEvidencePerKind  int
	KnowledgeMinScore   float64
	KnowledgeMaxResults int

	// RetainFinished is how many finished investigations the Manager keeps
	// in memory. Older ones are served from the store.
	RetainFinished int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerIncident:  5,
		MaxVerificationRetries: 3,
		CallTimeout:            30 * time.Second,
		ConfirmThreshold:       0.7,
		PatternBoost:           0.15,
		AllowedActions:         []types.ActionType{types.ActionRollback, types.ActionRestart, types.ActionScale},
		EscalationEnabled:      true,
		EscalationThreshold:    0.85,
		ScaleStep:              1,
		EvidenceWindow:         15 * time.Minute,
		MetricWindow:           15 * time.Minute,
		MaxEvidencePerKind:     10,
		KnowledgeMinScore:      0.3,
		KnowledgeMaxResults:    5,
		RetainFinished:         100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxActionsPerIncident <= 0 {
		c.MaxActionsPerIncident = def.MaxActionsPerIncident
	}
	if c.MaxVerificationRetries <= 0 {
		c.MaxVerificationRetries = def.MaxVerificationRetries
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.ConfirmThreshold <= 0 {
		c.ConfirmThreshold = def.ConfirmThreshold
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = def.EscalationThreshold
	}
	if c.ScaleStep <= 0 {
		c.ScaleStep = def.ScaleStep
	}
	if c.EvidenceWindow <= 0 {
		c.EvidenceWindow = def.EvidenceWindow
	}
	if c.MetricWindow <= 0 {
		c.MetricWindow = def.MetricWindow
	}
	if c.MaxEvidencePerKind <= 0 {
		c.MaxEvidencePerKind = def.MaxEvidencePerKind
	}
	if c.KnowledgeMaxResults <= 0 {
		c.KnowledgeMaxResults = def.KnowledgeMaxResults
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = def.RetainFinished
	}
	return c
}

// Deps are the orchestrator's collaborators. Evidence sources may be nil;
// a nil source contributes no evidence.
type Deps struct {
	Reasoning   contracts.Reasoning
	Frames      contracts.FrameSource
	Logs        contracts.LogSource
	LogParser   contracts.LogParser
	Metrics     contracts.MetricProcessor
	Events      contracts.EventSource
	EventStream contracts.EventStream
	Knowledge   contracts.KnowledgeBase

	Correlator      *correlation.Analyzer
	Dispatcher      *remediation.Dispatcher
	Escalation      *escalation.Engine
	Verifier        *verification.Engine
	RollbackDecider contracts.RollbackDecider
	Cooldown        *cooldown.Registry

	Sink      contracts.AuditSink
	AuditLog  audit.Logger
	Publisher notify.Publisher
	Logger    *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Correlator == nil {
		d.Correlator = correlation.NewAnalyzer(d.Logger)
	}
	if d.Dispatcher == nil {
		d.Dispatcher = &remediation.Dispatcher{Logger: d.Logger}
	}
	if d.AuditLog == nil {
		d.AuditLog = audit.NewRecorder()
	}
	if d.Publisher == nil {
		d.Publisher = notify.Discard{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}

// Orchestrator drives one incident through the OODA loop.
type Orchestrator struct {
	cfg  Config
	deps Deps
	sm   *investigation.StateMachine

	// orientation is the latest Orient result, consumed by Decide.
	orientation correlation.Result

	// actedAt is when the latest Act phase began. Verify only reuses
	// traffic measured after it.
	actedAt time.Time
}

// NewOrchestrator creates an orchestrator with its own state machine.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()
	sm := investigation.NewStateMachine(investigation.Options{
		Sink:       deps.Sink,
		AuditLog:   deps.AuditLog,
		Publisher:  deps.Publisher,
		Logger:     deps.Logger,
		MaxRetries: cfg.MaxVerificationRetries,
		Now:        deps.Now,
	})
	return &Orchestrator{cfg: cfg, deps: deps, sm: sm}
}

// StateMachine exposes the orchestrator's state machine.
func (o *Orchestrator) StateMachine() *investigation.StateMachine {
	return o.sm
}

// Investigate starts incident and runs the loop until it ends or ctx is done.
func (o *Orchestrator) Investigate(ctx context.Context, incident types.Incident) (types.Incident, error) {
	if err := o.sm.Start(ctx, incident); err != nil {
		return incident, err
	}
	return o.Run(ctx), nil
}

// Run loops while the investigation is active. It returns the incident as it
// stands when the loop exits.
func (o *Orchestrator) Run(ctx context.Context) types.Incident {
	for o.sm.IsActive() {
		if ctx.Err() != nil {
			o.deps.Logger.Info("investigation interrupted",
				zap.String("incident_id", o.incidentID()),
				zap.String("phase", string(o.sm.Phase())),
			)
			return o.sm.Snapshot().Incident
		}
		o.step(ctx)
	}

	inc := o.sm.Snapshot().Incident
	metrics.InvestigationsTotal.WithLabelValues(string(inc.Phase)).Inc()
	o.deps.Publisher.Publish(notify.Notification{
		IncidentID: inc.ID,
		Kind:       notify.KindInvestigationDone,
		Phase:      inc.Phase,
		Message:    inc.FailureReason,
		Timestamp:  o.deps.Now(),
	})
	return inc
}

// step runs the handler of the current phase once.
func (o *Orchestrator) step(ctx context.Context) {
	phase := o.sm.Phase()
	start := o.deps.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(o.deps.Now().Sub(start).Seconds())
	}()

	switch phase {
	case types.PhaseObserving:
		o.observe(ctx)
	case types.PhaseOrienting:
		o.orient(ctx)
	case types.PhaseDeciding:
		o.decide(ctx)
	case types.PhaseActing:
		o.act(ctx)
	case types.PhaseVerifying:
		o.verify(ctx)
	default:
		panic(&investigation.TransitionError{IncidentID: o.incidentID(), From: phase, To: phase})
	}
}

// advance moves to next unless ctx was cancelled mid-phase, in which case
// the phase is left as is for a later resume.
func (o *Orchestrator) advance(ctx context.Context, next types.Phase) bool {
	if ctx.Err() != nil {
		return false
	}
	return o.sm.Advance(ctx, next)
}

// fail ends the investigation with reason. Failures caused by cancellation
// are not recorded.
func (o *Orchestrator) fail(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	o.deps.Logger.Error("investigation failed",
		zap.String("incident_id", o.incidentID()),
		zap.String("phase", string(o.sm.Phase())),
		zap.String("reason", reason),
	)
	o.sm.Fail(ctx, reason)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

func (o *Orchestrator) collaboratorFailed(name string, err error) {
	metrics.CollaboratorFailuresTotal.WithLabelValues(name).Inc()
	o.deps.Logger.Warn("collaborator call failed",
		zap.String("incident_id", o.incidentID()),
		zap.String("collaborator", name),
		zap.Error(err),
	)
}

func (o *Orchestrator) incidentID() string {
	return o.sm.Snapshot().Incident.ID
}

func (o *Orchestrator) insight(ctx context.Context, kind, format string, args ...any) {
	o.sm.RecordInsight(ctx, kind, fmt.Sprintf(format, args...))
}
