package investigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Options configures a StateMachine. Nil collaborators are replaced by no-ops.
type Options struct {
	Sink       contracts.AuditSink
	AuditLog   audit.Logger
	Publisher  notify.Publisher
	Logger     *zap.Logger
	MaxRetries int
	Now        func() time.Time
}

// StateMachine owns the phase and Context of one incident at a time.
type StateMachine struct {
	sink      contracts.AuditSink
	auditLog  audit.Logger
	publisher notify.Publisher
	logger    *zap.Logger
	now       func() time.Time

	maxRetries int

	mu  sync.RWMutex
	ctx *Context
}

// NewStateMachine creates an idle state machine.
func NewStateMachine(opts Options) *StateMachine {
	sm := &StateMachine{
		sink:       opts.Sink,
		auditLog:   opts.AuditLog,
		publisher:  opts.Publisher,
		logger:     opts.Logger,
		now:        opts.Now,
		maxRetries: opts.MaxRetries,
	}
	if sm.sink == nil {
		sm.sink = nopSink{}
	}
	if sm.auditLog == nil {
		sm.auditLog = audit.NewRecorder()
	}
	if sm.publisher == nil {
		sm.publisher = notify.Discard{}
	}
	if sm.logger == nil {
		sm.logger = zap.NewNop()
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	if sm.maxRetries <= 0 {
		sm.maxRetries = 3
	}
	return sm
}

// Start initialises a Context for incident and enters OBSERVING.
func (sm *StateMachine) Start(ctx context.Context, incident types.Incident) error {
	sm.mu.Lock()
	if sm.ctx != nil && sm.ctx.Incident.Phase.IsActive() {
		sm.mu.Unlock()
		return ErrAlreadyActive
	}
	if incident.StartedAt.IsZero() {
		incident.StartedAt = sm.now()
	}
	incident.Phase = types.PhaseIdle
	incident.PhaseRetries = 0
	incident.FailureReason = ""
	incident.ResolvedAt = nil
	sm.ctx = &Context{
		Incident:   incident,
		Evidence:   make([]types.Evidence, 0),
		Hypotheses: make([]types.Hypothesis, 0),
		Actions:    make([]types.Action, 0),
		MaxRetries: sm.maxRetries,
	}
	sm.mu.Unlock()

	sm.auditLog.LogIncidentStarted(ctx, incident.ID, incident.Target.Key())
	sm.logger.Info("investigation started",
		zap.String("incident_id", incident.ID),
		zap.String("target", incident.Target.Key()),
	)
	sm.Transition(ctx, types.PhaseObserving)
	return nil
}

// Resume re-enters a persisted investigation at lastPhase with its retry
// count and history. IDLE resumes as a fresh start at OBSERVING.
func (sm *StateMachine) Resume(ctx context.Context, incident types.Incident, lastPhase types.Phase, retryCount int, history History) error {
	if lastPhase.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalResume, lastPhase)
	}
	if _, known := validTransitions[lastPhase]; !known {
		return fmt.Errorf("unknown phase %q", lastPhase)
	}

	sm.mu.Lock()
	if sm.ctx != nil && sm.ctx.Incident.Phase.IsActive() {
		sm.mu.Unlock()
		return ErrAlreadyActive
	}
	phase := lastPhase
	if phase == types.PhaseIdle {
		phase = types.PhaseObserving
	}
	incident.Phase = phase
	incident.PhaseRetries = retryCount
	sm.ctx = &Context{
		Incident:            incident,
		Evidence:            append(make([]types.Evidence, 0, len(history.Evidence)), history.Evidence...),
		Hypotheses:          append(make([]types.Hypothesis, 0, len(history.Hypotheses)), history.Hypotheses...),
		Actions:             append(make([]types.Action, 0, len(history.Actions)), history.Actions...),
		ReasoningToken:      history.ReasoningToken,
		VerificationRetries: retryCount,
		MaxRetries:          sm.maxRetries,
	}
	snapshot := sm.ctx.Incident
	sm.mu.Unlock()

	sm.auditLog.Log(ctx, audit.NewEvent(audit.EventIncidentResumed).
		WithIncident(incident.ID, string(phase)).
		WithMetadata("retries", retryCount).
		WithResult(audit.ResultSuccess).
		WithDescription(fmt.Sprintf("Incident %s resumed at %s", incident.ID, phase)))
	sm.saveIncident(ctx, snapshot)
	sm.logger.Info("investigation resumed",
		zap.String("incident_id", incident.ID),
		zap.String("phase", string(phase)),
		zap.Int("retries", retryCount),
	)
	return nil
}

// Transition moves to next. It panics with *TransitionError when the edge is
// not part of the phase graph, including any edge out of DONE or FAILED.
func (sm *StateMachine) Transition(ctx context.Context, next types.Phase) {
	if !sm.Advance(ctx, next) {
		sm.mu.RLock()
		err := &TransitionError{To: next, From: types.PhaseIdle}
		if sm.ctx != nil {
			err.IncidentID = sm.ctx.Incident.ID
			err.From = sm.ctx.Incident.Phase
		}
		sm.mu.RUnlock()
		panic(err)
	}
}

// Advance is Transition for callers racing an external stop: it returns
// false instead of panicking when the investigation already ended. Illegal
// edges out of an active phase still panic.
func (sm *StateMachine) Advance(ctx context.Context, next types.Phase) bool {
	sm.mu.Lock()
	if sm.ctx == nil || sm.ctx.Incident.Phase.IsTerminal() {
		sm.mu.Unlock()
		return false
	}
	from, snapshot, err := sm.moveLocked(next)
	sm.mu.Unlock()
	if err != nil {
		panic(err)
	}
	sm.emitTransition(ctx, from, snapshot)
	return true
}

// Fail records reason and moves to FAILED. It returns false once terminal.
func (sm *StateMachine) Fail(ctx context.Context, reason string) bool {
	sm.mu.Lock()
	if sm.ctx == nil || !sm.ctx.Incident.Phase.IsActive() {
		sm.mu.Unlock()
		return false
	}
	sm.ctx.Incident.FailureReason = reason
	from, snapshot, _ := sm.moveLocked(types.PhaseFailed)
	sm.mu.Unlock()
	sm.emitTransition(ctx, from, snapshot)
	return true
}

// Reset stops a running investigation. It is safe from any phase; a running
// investigation ends FAILED with reason, dispatched actions stay recorded.
func (sm *StateMachine) Reset(ctx context.Context, reason string) {
	if reason == "" {
		reason = "investigation stopped"
	}
	sm.mu.RLock()
	var id string
	if sm.ctx != nil {
		id = sm.ctx.Incident.ID
	}
	sm.mu.RUnlock()
	if sm.Fail(ctx, reason) {
		sm.auditLog.Log(ctx, audit.NewEvent(audit.EventIncidentStopped).
			WithIncident(id, string(types.PhaseFailed)).
			WithResult(audit.ResultDenied).
			WithDescription(reason))
	}
}

func (sm *StateMachine) moveLocked(next types.Phase) (types.Phase, types.Incident, error) {
	from := sm.ctx.Incident.Phase
	if !CanTransition(from, next) {
		return from, sm.ctx.Incident, &TransitionError{IncidentID: sm.ctx.Incident.ID, From: from, To: next}
	}
	now := sm.now()
	sm.ctx.Incident.Phase = next
	switch next {
	case types.PhaseObserving:
		if from == types.PhaseVerifying {
			sm.ctx.Incident.PhaseRetries = sm.ctx.VerificationRetries
		}
	case types.PhaseDone, types.PhaseFailed:
		sm.ctx.Incident.ResolvedAt = &now
	}
	return from, sm.ctx.Incident, nil
}

func (sm *StateMachine) emitTransition(ctx context.Context, from types.Phase, snapshot types.Incident) {
	next := snapshot.Phase
	now := sm.now()
	if snapshot.ResolvedAt != nil {
		now = *snapshot.ResolvedAt
	}

	metrics.PhaseTransitionsTotal.WithLabelValues(string(from), string(next)).Inc()
	sm.auditLog.LogPhaseTransition(ctx, snapshot.ID, string(from), string(next))
	switch next {
	case types.PhaseDone:
		sm.auditLog.LogIncidentResolved(ctx, snapshot.ID, now.Sub(snapshot.StartedAt))
	case types.PhaseFailed:
		sm.auditLog.LogIncidentFailed(ctx, snapshot.ID, snapshot.FailureReason)
	}

	sm.saveIncident(ctx, snapshot)
	sm.appendTimeline(ctx, contracts.TimelineEvent{
		IncidentID: snapshot.ID,
		Kind:       "phase_transition",
		Phase:      string(next),
		Detail:     fmt.Sprintf("%s → %s", from, next),
		Timestamp:  now,
	})
	sm.publisher.Publish(notify.Notification{
		IncidentID: snapshot.ID,
		Kind:       notify.KindPhaseChanged,
		From:       from,
		Phase:      next,
		Message:    snapshot.FailureReason,
		Timestamp:  now,
	})
	sm.logger.Debug("phase transition",
		zap.String("incident_id", snapshot.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)
}

// AddEvidence appends immutable evidence.
func (sm *StateMachine) AddEvidence(ctx context.Context, ev types.Evidence) error {
	sm.mu.Lock()
	if err := sm.activeLocked(); err != nil {
		sm.mu.Unlock()
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = sm.now()
	}
	sm.ctx.Evidence = append(sm.ctx.Evidence, ev)
	id, phase := sm.ctx.Incident.ID, sm.ctx.Incident.Phase
	sm.mu.Unlock()

	if err := sm.sink.AppendEvidence(ctx, id, ev); err != nil {
		sm.sinkFailed("evidence", id, err)
	}
	sm.auditLog.Log(ctx, audit.NewEvent(audit.EventEvidenceRecorded).
		WithIncident(id, string(phase)).
		WithMetadata("type", string(ev.Type)).
		WithMetadata("source", ev.Source).
		WithResult(audit.ResultSuccess))
	sm.publisher.Publish(notify.Notification{
		IncidentID: id,
		Kind:       notify.KindEvidenceCollected,
		Phase:      phase,
		Evidence:   &ev,
	})
	return nil
}

// AddHypothesis appends a hypothesis. A confirmed hypothesis demotes any
// previously confirmed one.
func (sm *StateMachine) AddHypothesis(ctx context.Context, h types.Hypothesis) error {
	sm.mu.Lock()
	if err := sm.activeLocked(); err != nil {
		sm.mu.Unlock()
		return err
	}
	if h.Status == "" {
		h.Status = types.HypothesisProposed
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = sm.now()
	}
	var demoted []types.Hypothesis
	if h.Status == types.HypothesisConfirmed {
		demoted = sm.demoteLocked(-1)
	}
	sm.ctx.Hypotheses = append(sm.ctx.Hypotheses, h)
	id, phase := sm.ctx.Incident.ID, sm.ctx.Incident.Phase
	sm.mu.Unlock()

	sm.persistHypotheses(ctx, id, append(demoted, h)...)
	sm.auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisRecorded).
		WithIncident(id, string(phase)).
		WithMetadata("confidence", h.Confidence).
		WithMetadata("suggested_action", string(h.SuggestedAction)).
		WithResult(audit.ResultSuccess).
		WithDescription(h.Title))
	sm.publisher.Publish(notify.Notification{
		IncidentID: id,
		Kind:       notify.KindHypothesisAdded,
		Phase:      phase,
		Hypothesis: &h,
	})
	return nil
}

// ConfirmHypothesis marks hypothesisID confirmed and demotes every other one.
func (sm *StateMachine) ConfirmHypothesis(ctx context.Context, hypothesisID string) (types.Hypothesis, error) {
	sm.mu.Lock()
	if err := sm.activeLocked(); err != nil {
		sm.mu.Unlock()
		return types.Hypothesis{}, err
	}
	idx := -1
	for i := range sm.ctx.Hypotheses {
		if sm.ctx.Hypotheses[i].ID == hypothesisID {
			idx = i
			break
		}
	}
	if idx < 0 {
		sm.mu.Unlock()
		return types.Hypothesis{}, fmt.Errorf("%w: %s", ErrHypothesisNotFound, hypothesisID)
	}
	demoted := sm.demoteLocked(idx)
	sm.ctx.Hypotheses[idx].Status = types.HypothesisConfirmed
	h := sm.ctx.Hypotheses[idx]
	id, phase := sm.ctx.Incident.ID, sm.ctx.Incident.Phase
	sm.mu.Unlock()

	sm.persistHypotheses(ctx, id, append(demoted, h)...)
	sm.auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisConfirmed).
		WithIncident(id, string(phase)).
		WithMetadata("hypothesis_id", h.ID).
		WithMetadata("confidence", h.Confidence).
		WithResult(audit.ResultSuccess).
		WithDescription(h.Title))
	return h, nil
}

// AddAction appends an action record, normally with status executing.
func (sm *StateMachine) AddAction(ctx context.Context, a types.Action) error {
	sm.mu.Lock()
	if err := sm.activeLocked(); err != nil {
		sm.mu.Unlock()
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = sm.now()
	}
	if a.Status == "" {
		a.Status = types.ActionExecuting
	}
	sm.ctx.Actions = append(sm.ctx.Actions, a)
	id := sm.ctx.Incident.ID
	sm.mu.Unlock()

	if err := sm.sink.AppendAction(ctx, id, a); err != nil {
		sm.sinkFailed("action", id, err)
	}
	sm.auditLog.LogActionDispatched(ctx, id, string(a.Type), a.Target.Key())
	return nil
}

// CompleteAction finalises the status and result of an action. It works
// after the investigation ended so that dispatched actions stay accounted.
func (sm *StateMachine) CompleteAction(ctx context.Context, actionID string, status types.ActionStatus, result string) error {
	sm.mu.Lock()
	if sm.ctx == nil {
		sm.mu.Unlock()
		return ErrNotActive
	}
	idx := -1
	for i := range sm.ctx.Actions {
		if sm.ctx.Actions[i].ID == actionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	now := sm.now()
	a := &sm.ctx.Actions[idx]
	if a.Status != types.ActionExecuting {
		sm.mu.Unlock()
		return nil
	}
	a.Status = status
	a.Result = result
	a.CompletedAt = &now
	done := *a
	id, phase := sm.ctx.Incident.ID, sm.ctx.Incident.Phase
	sm.mu.Unlock()

	if err := sm.sink.AppendAction(ctx, id, done); err != nil {
		sm.sinkFailed("action", id, err)
	}
	eventType := audit.EventActionCompleted
	res := audit.ResultSuccess
	if status == types.ActionFailed {
		eventType = audit.EventActionFailed
		res = audit.ResultFailure
	}
	metrics.ActionsTotal.WithLabelValues(string(done.Type), string(status)).Inc()
	sm.auditLog.Log(ctx, audit.NewEvent(eventType).
		WithIncident(id, string(phase)).
		WithAction(string(done.Type)).
		WithResource(done.Target.Name, done.Target.Kind, done.Target.Namespace).
		WithResult(res).
		WithDescription(result))
	sm.publisher.Publish(notify.Notification{
		IncidentID: id,
		Kind:       notify.KindActionExecuted,
		Phase:      phase,
		Action:     &done,
		Message:    result,
	})
	return nil
}

// IncrementVerificationRetry bumps the retry counter and returns the new value.
func (sm *StateMachine) IncrementVerificationRetry() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx == nil {
		return 0
	}
	sm.ctx.VerificationRetries++
	return sm.ctx.VerificationRetries
}

// SetFailureReason records the human-readable reason for a failure.
func (sm *StateMachine) SetFailureReason(reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx != nil {
		sm.ctx.Incident.FailureReason = reason
	}
}

// SetReasoningToken stores the reasoning continuity token.
func (sm *StateMachine) SetReasoningToken(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx != nil && token != "" {
		sm.ctx.ReasoningToken = token
	}
}

// AddHint queues an advisory hint for the next Decide.
func (sm *StateMachine) AddHint(hint string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx != nil && hint != "" {
		sm.ctx.Hints = append(sm.ctx.Hints, hint)
	}
}

// TakeHints returns the queued hints and clears them.
func (sm *StateMachine) TakeHints() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx == nil {
		return nil
	}
	hints := sm.ctx.Hints
	sm.ctx.Hints = nil
	return hints
}

// LinkFix links an external fix cycle to the incident. appliedAt is set when
// the fix was applied synchronously.
func (sm *StateMachine) LinkFix(ctx context.Context, fixID string, appliedAt *time.Time) {
	sm.mu.Lock()
	if sm.ctx == nil {
		sm.mu.Unlock()
		return
	}
	sm.ctx.Incident.FixCycleID = fixID
	sm.ctx.Incident.FixAppliedAt = appliedAt
	snapshot := sm.ctx.Incident
	sm.mu.Unlock()
	sm.saveIncident(ctx, snapshot)
}

// IsActive reports whether the phase is neither DONE nor FAILED.
func (sm *StateMachine) IsActive() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.ctx != nil && sm.ctx.Incident.Phase.IsActive()
}

// Phase returns the current phase, IDLE before Start.
func (sm *StateMachine) Phase() types.Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.ctx == nil {
		return types.PhaseIdle
	}
	return sm.ctx.Incident.Phase
}

// Snapshot returns a deep copy of the Context.
func (sm *StateMachine) Snapshot() Context {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.ctx == nil {
		return Context{Incident: types.Incident{Phase: types.PhaseIdle}}
	}
	return sm.ctx.clone()
}

// RecordInsight appends a free-form insight to the incident timeline.
func (sm *StateMachine) RecordInsight(ctx context.Context, kind, detail string) {
	sm.mu.RLock()
	if sm.ctx == nil {
		sm.mu.RUnlock()
		return
	}
	id, phase := sm.ctx.Incident.ID, sm.ctx.Incident.Phase
	sm.mu.RUnlock()
	sm.appendTimeline(ctx, contracts.TimelineEvent{
		IncidentID: id,
		Kind:       kind,
		Phase:      string(phase),
		Detail:     detail,
		Timestamp:  sm.now(),
	})
}

func (sm *StateMachine) activeLocked() error {
	if sm.ctx == nil || !sm.ctx.Incident.Phase.IsActive() {
		return ErrNotActive
	}
	return nil
}

// demoteLocked reverts every confirmed hypothesis except the one at keep
// and returns copies of the demoted records for the sink.
func (sm *StateMachine) demoteLocked(keep int) []types.Hypothesis {
	var demoted []types.Hypothesis
	for i := range sm.ctx.Hypotheses {
		if i == keep || sm.ctx.Hypotheses[i].Status != types.HypothesisConfirmed {
			continue
		}
		sm.ctx.Hypotheses[i].Status = types.HypothesisProposed
		demoted = append(demoted, sm.ctx.Hypotheses[i])
	}
	return demoted
}

func (sm *StateMachine) persistHypotheses(ctx context.Context, incidentID string, hs ...types.Hypothesis) {
	for _, h := range hs {
		if err := sm.sink.AppendHypothesis(ctx, incidentID, h); err != nil {
			sm.sinkFailed("hypothesis", incidentID, err)
		}
	}
}

func (sm *StateMachine) saveIncident(ctx context.Context, inc types.Incident) {
	if err := sm.sink.SaveIncident(ctx, &inc); err != nil {
		sm.sinkFailed("incident", inc.ID, err)
	}
}

func (sm *StateMachine) appendTimeline(ctx context.Context, ev contracts.TimelineEvent) {
	if err := sm.sink.AppendTimeline(ctx, ev); err != nil {
		sm.sinkFailed("timeline", ev.IncidentID, err)
	}
}

func (sm *StateMachine) sinkFailed(record, incidentID string, err error) {
	metrics.CollaboratorFailuresTotal.WithLabelValues("audit_sink").Inc()
	sm.logger.Warn("audit sink append failed",
		zap.String("record", record),
		zap.String("incident_id", incidentID),
		zap.Error(err),
	)
}

type nopSink struct{}

func (nopSink) SaveIncident(context.Context, *types.Incident) error              { return nil }
func (nopSink) AppendEvidence(context.Context, string, types.Evidence) error     { return nil }
func (nopSink) AppendHypothesis(context.Context, string, types.Hypothesis) error { return nil }
func (nopSink) AppendAction(context.Context, string, types.Action) error         { return nil }
func (nopSink) AppendTimeline(context.Context, contracts.TimelineEvent) error    { return nil }
