package investigation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

type recordingSink struct {
	mu        sync.Mutex
	incidents []types.Incident
	evidence  []types.Evidence
	hyps      []types.Hypothesis
	actions   []types.Action
	timeline  []contracts.TimelineEvent
	failWith  error
}

func (s *recordingSink) SaveIncident(_ context.Context, inc *types.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, *inc)
	return s.failWith
}

func (s *recordingSink) AppendEvidence(_ context.Context, _ string, ev types.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, ev)
	return s.failWith
}

func (s *recordingSink) AppendHypothesis(_ context.Context, _ string, h types.Hypothesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hyps = append(s.hyps, h)
	return s.failWith
}

func (s *recordingSink) AppendAction(_ context.Context, _ string, a types.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return s.failWith
}

func (s *recordingSink) AppendTimeline(_ context.Context, ev contracts.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, ev)
	return s.failWith
}

func testIncident() types.Incident {
	return types.Incident{
		ID:       "inc-1",
		Title:    "checkout 5xx spike",
		Severity: types.SeverityHigh,
		Target:   types.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "api"},
	}
}

func newTestMachine(t *testing.T) (*StateMachine, *recordingSink, *audit.Recorder) {
	t.Helper()
	sink := &recordingSink{}
	rec := audit.NewRecorder()
	sm := NewStateMachine(Options{Sink: sink, AuditLog: rec, MaxRetries: 3})
	return sm, sink, rec
}

func drive(t *testing.T, sm *StateMachine, phases ...types.Phase) {
	t.Helper()
	for _, p := range phases {
		sm.Transition(context.Background(), p)
	}
}

func TestStartEntersObserving(t *testing.T) {
	sm, sink, rec := newTestMachine(t)
	require.NoError(t, sm.Start(context.Background(), testIncident()))

	assert.Equal(t, types.PhaseObserving, sm.Phase())
	assert.True(t, sm.IsActive())

	snap := sm.Snapshot()
	assert.Equal(t, 3, snap.MaxRetries)
	assert.False(t, snap.Incident.StartedAt.IsZero())
	require.NotEmpty(t, sink.incidents)
	assert.Equal(t, types.PhaseObserving, sink.incidents[len(sink.incidents)-1].Phase)
	assert.Len(t, rec.OfType(audit.EventIncidentStarted), 1)
	assert.Len(t, rec.OfType(audit.EventPhaseTransition), 1)
}

func TestStartRejectsSecondActiveInvestigation(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	require.NoError(t, sm.Start(context.Background(), testIncident()))

	err := sm.Start(context.Background(), testIncident())
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestStartAllowedAfterTerminal(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, testIncident()))
	sm.Fail(ctx, "boom")

	next := testIncident()
	next.ID = "inc-2"
	require.NoError(t, sm.Start(ctx, next))
	snap := sm.Snapshot()
	assert.Equal(t, "inc-2", snap.Incident.ID)
	assert.Empty(t, snap.Incident.FailureReason)
	assert.Empty(t, snap.Evidence)
}

func TestCanTransitionGraph(t *testing.T) {
	all := []types.Phase{
		types.PhaseIdle, types.PhaseObserving, types.PhaseOrienting, types.PhaseDeciding,
		types.PhaseActing, types.PhaseVerifying, types.PhaseDone, types.PhaseFailed,
	}
	legal := map[[2]types.Phase]bool{
		{types.PhaseIdle, types.PhaseObserving}:      true,
		{types.PhaseObserving, types.PhaseOrienting}: true,
		{types.PhaseOrienting, types.PhaseDeciding}:  true,
		{types.PhaseDeciding, types.PhaseActing}:     true,
		{types.PhaseActing, types.PhaseVerifying}:    true,
		{types.PhaseVerifying, types.PhaseObserving}: true,
	}
	for _, p := range all {
		if p.IsActive() {
			legal[[2]types.Phase{p, types.PhaseDone}] = true
			legal[[2]types.Phase{p, types.PhaseFailed}] = true
		}
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]types.Phase{from, to}], CanTransition(from, to), "%s → %s", from, to)
		}
	}
}

func TestTransitionPanicsOnIllegalEdge(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	require.NoError(t, sm.Start(context.Background(), testIncident()))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		terr, ok := r.(*TransitionError)
		require.True(t, ok, "panic value should be *TransitionError, got %T", r)
		assert.Equal(t, types.PhaseObserving, terr.From)
		assert.Equal(t, types.PhaseActing, terr.To)
		assert.Equal(t, types.PhaseObserving, sm.Phase(), "phase must not be coerced")
	}()
	sm.Transition(context.Background(), types.PhaseActing)
}

func TestTerminalPhasesAreAbsorbing(t *testing.T) {
	for _, terminal := range []types.Phase{types.PhaseDone, types.PhaseFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			sm, _, _ := newTestMachine(t)
			ctx := context.Background()
			require.NoError(t, sm.Start(ctx, testIncident()))
			sm.Transition(ctx, terminal)
			assert.False(t, sm.IsActive())

			assert.Panics(t, func() { sm.Transition(ctx, types.PhaseObserving) })
			assert.False(t, sm.Advance(ctx, types.PhaseObserving))
			assert.False(t, sm.Fail(ctx, "again"))
			assert.Equal(t, terminal, sm.Phase())
		})
	}
}

func TestFullCycleAndRetryLoopKeepsContext(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, testIncident()))

	require.NoError(t, sm.AddEvidence(ctx, types.NewEvidence("ev-1", "metrics",
		types.MetricContent{Name: "error_rate", Current: 0.2}, types.Confidence(0.9))))
	drive(t, sm, types.PhaseOrienting, types.PhaseDeciding)
	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-1", Confidence: 0.8, SuggestedAction: types.ActionRollback}))
	drive(t, sm, types.PhaseActing)
	require.NoError(t, sm.AddAction(ctx, types.Action{ID: "a-1", Type: types.ActionRollback}))
	drive(t, sm, types.PhaseVerifying)

	assert.Equal(t, 1, sm.IncrementVerificationRetry())
	drive(t, sm, types.PhaseObserving)

	snap := sm.Snapshot()
	assert.Len(t, snap.Evidence, 1)
	assert.Len(t, snap.Hypotheses, 1)
	assert.Len(t, snap.Actions, 1)
	assert.Equal(t, 1, snap.VerificationRetries)
	assert.Equal(t, 1, snap.Incident.PhaseRetries)

	require.NoError(t, sm.AddEvidence(ctx, types.NewEvidence("ev-2", "logs",
		types.LogContent{Pattern: "timeout", Count: 3}, nil)))
	assert.Len(t, sm.Snapshot().Evidence, 2)
}

func TestMutatorsRequireActiveInvestigation(t *testing.T) {
	sm, _, _ := newTestMachine(t)
	ctx := context.Background()

	assert.ErrorIs(t, sm.AddEvidence(ctx, types.Evidence{}), ErrNotActive)
	assert.ErrorIs(t, sm.AddHypothesis(ctx, types.Hypothesis{}), ErrNotActive)
	assert.ErrorIs(t, sm.AddAction(ctx, types.Action{}), ErrNotActive)

	require.NoError(t, sm.Start(ctx, testIncident()))
	sm.Fail(ctx, "stopped")
	assert.ErrorIs(t, sm.AddEvidence(ctx, types.Evidence{}), ErrNotActive)
}

func TestConfirmHypothesisKeepsExactlyOneConfirmed(t *testing.T) {
	sm, sink, rec := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, testIncident()))
	drive(t, sm, types.PhaseOrienting, types.PhaseDeciding)

	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-1", Status: types.HypothesisConfirmed}))
	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-2"}))
	h, err := sm.ConfirmHypothesis(ctx, "h-2")
	require.NoError(t, err)
	assert.Equal(t, types.HypothesisConfirmed, h.Status)

	snap := sm.Snapshot()
	confirmed := 0
	for _, h := range snap.Hypotheses {
		if h.Status == types.HypothesisConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)
	got, ok := snap.ConfirmedHypothesis()
	require.True(t, ok)
	assert.Equal(t, "h-2", got.ID)

	_, err = sm.ConfirmHypothesis(ctx, "missing")
	assert.ErrorIs(t, err, ErrHypothesisNotFound)
	require.Len(t, sink.hyps, 4)
	assert.Equal(t, "h-1", sink.hyps[2].ID)
	assert.Equal(t, types.HypothesisProposed, sink.hyps[2].Status)
	assert.Len(t, rec.OfType(audit.EventHypothesisConfirmed), 1)
}

func TestDemotionReachesSink(t *testing.T) {
	sm, sink, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, testIncident()))
	drive(t, sm, types.PhaseOrienting, types.PhaseDeciding)

	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-1"}))
	_, err := sm.ConfirmHypothesis(ctx, "h-1")
	require.NoError(t, err)
	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-2", Status: types.HypothesisConfirmed}))
	require.NoError(t, sm.AddHypothesis(ctx, types.Hypothesis{ID: "h-3"}))
	_, err = sm.ConfirmHypothesis(ctx, "h-3")
	require.NoError(t, err)
	// confirming the already confirmed one writes it once
	_, err = sm.ConfirmHypothesis(ctx, "h-3")
	require.NoError(t, err)

	latest := map[string]types.HypothesisStatus{}
	sink.mu.Lock()
	for _, h := range sink.hyps {
		latest[h.ID] = h.Status
	}
	n := len(sink.hyps)
	sink.mu.Unlock()

	assert.Equal(t, map[string]types.HypothesisStatus{
		"h-1": types.HypothesisProposed,
		"h-2": types.HypothesisProposed,
		"h-3": types.HypothesisConfirmed,
	}, latest)
	// h-1 add+confirm, h-2 add with h-1 demoted, h-3 add, h-3 confirm with h-2 demoted, h-3 again
	assert.Equal(t, 8, n)

	got, ok := sm.Snapshot().ConfirmedHypothesis()
	require.True(t, ok)
	assert.Equal(t, "h-3", got.ID)
}

func TestCompleteActionAfterStopStaysRecorded(t *testing.T) {
	sm, sink, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Start(ctx, testIncident()))
	drive(t, sm, types.PhaseOrienting, types.PhaseDeciding, types.PhaseActing)
	require.NoError(t, sm.AddAction(ctx, types.Action{ID: "a-1", Type: types.ActionRestart}))

	sm.Reset(ctx, "")
	assert.Equal(t, types.PhaseFailed, sm.Phase())
	assert.Equal(t, "investigation stopped", sm.Snapshot().Incident.FailureReason)

	require.NoError(t, sm.CompleteAction(ctx, "a-1", types.ActionCompleted, "restarted"))
	last, ok := sm.Snapshot().LastAction()
	require.True(t, ok)
	assert.Equal(t, types.ActionCompleted, last.Status)
	assert.NotNil(t, last.CompletedAt)

	// Terminal status is set once.
	require.NoError(t, sm.CompleteAction(ctx, "a-1", types.ActionFailed, "late"))
	last, _ = sm.Snapshot().LastAction()
	assert.Equal(t, types.ActionCompleted, last.Status)

	assert.ErrorIs(t, sm.CompleteAction(ctx, "nope", types.ActionFailed, ""), ErrActionNotFound)
	assert.Len(t, sink.actions, 2)
}

func TestResetIsSafeFromAnyPhase(t *testing.T) {
	sm, _, rec := newTestMachine(t)
	ctx := context.Background()

	sm.Reset(ctx, "before start")
	assert.Equal(t, types.PhaseIdle, sm.Phase())

	require.NoError(t, sm.Start(ctx, testIncident()))
	sm.Transition(ctx, types.PhaseDone)
	sm.Reset(ctx, "after done")
	assert.Equal(t, types.PhaseDone, sm.Phase())
	assert.Empty(t, rec.OfType(audit.EventIncidentStopped))
}

func TestResumeAcceptsEveryNonTerminalPhase(t *testing.T) {
	phases := []types.Phase{
		types.PhaseObserving, types.PhaseOrienting, types.PhaseDeciding,
		types.PhaseActing, types.PhaseVerifying,
	}
	for _, p := range phases {
		t.Run(string(p), func(t *testing.T) {
			sm, _, _ := newTestMachine(t)
			history := History{
				Evidence:       []types.Evidence{{ID: "ev-1"}},
				Hypotheses:     []types.Hypothesis{{ID: "h-1", Status: types.HypothesisConfirmed}},
				ReasoningToken: "tok",
			}
			require.NoError(t, sm.Resume(context.Background(), testIncident(), p, 2, history))
			assert.Equal(t, p, sm.Phase())
			snap := sm.Snapshot()
			assert.Equal(t, 2, snap.VerificationRetries)
			assert.Equal(t, "tok", snap.ReasoningToken)
			assert.Len(t, snap.Evidence, 1)
		})
	}

	sm, _, _ := newTestMachine(t)
	require.NoError(t, sm.Resume(context.Background(), testIncident(), types.PhaseIdle, 0, History{}))
	assert.Equal(t, types.PhaseObserving, sm.Phase())

	for _, p := range []types.Phase{types.PhaseDone, types.PhaseFailed} {
		sm, _, _ := newTestMachine(t)
		assert.ErrorIs(t, sm.Resume(context.Background(), testIncident(), p, 0, History{}), ErrTerminalResume)
	}
}

func TestSinkFailuresAreNotFatal(t *testing.T) {
	sink := &recordingSink{failWith: errors.New("disk full")}
	sm := NewStateMachine(Options{Sink: sink})
	ctx := context.Background()

	require.NoError(t, sm.Start(ctx, testIncident()))
	require.NoError(t, sm.AddEvidence(ctx, types.Evidence{ID: "ev-1"}))
	assert.Len(t, sm.Snapshot().Evidence, 1)
}

func TestNotificationsPublished(t *testing.T) {
	bus := notify.NewBus(16)
	sub := bus.Subscribe("inc-1")
	sm := NewStateMachine(Options{Publisher: bus})
	ctx := context.Background()

	require.NoError(t, sm.Start(ctx, testIncident()))
	require.NoError(t, sm.AddEvidence(ctx, types.Evidence{ID: "ev-1"}))

	first := <-sub.Ch
	assert.Equal(t, notify.KindPhaseChanged, first.Kind)
	assert.Equal(t, types.PhaseIdle, first.From)
	assert.Equal(t, types.PhaseObserving, first.Phase)

	second := <-sub.Ch
	assert.Equal(t, notify.KindEvidenceCollected, second.Kind)
	require.NotNil(t, second.Evidence)
	assert.Equal(t, "ev-1", second.Evidence.ID)
}
