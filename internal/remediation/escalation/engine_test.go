package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/remediation"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var target = types.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "api"}

type fakeExecutor struct {
	mu      sync.Mutex
	fail    map[types.ActionType]bool
	panicOn types.ActionType
	calls   []types.ActionType
}

func (f *fakeExecutor) Execute(_ context.Context, req types.ActionRequest) (*contracts.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Type())
	if req.Type() == f.panicOn {
		panic("executor blew up")
	}
	if f.fail[req.Type()] {
		return nil, errors.New("apiserver unavailable")
	}
	return &contracts.ExecutionResult{Success: true, Message: string(req.Type()) + " ok"}, nil
}

type fakeFix struct {
	requested int
	fullCycle int
}

func (f *fakeFix) RequestFix(context.Context, string, string) (string, error) {
	f.requested++
	return fmt.Sprintf("fix-%d", f.requested), nil
}
func (f *fakeFix) GetStatus(context.Context, string) (contracts.FixStatus, error) {
	return contracts.FixPending, nil
}
func (f *fakeFix) RunFullCycle(context.Context, string) (*contracts.FixCycleResult, error) {
	f.fullCycle++
	return &contracts.FixCycleResult{Success: true, FilesUpdated: []string{"main.go"}}, nil
}
func (f *fakeFix) TriggerRedeploy(context.Context, string) (*contracts.RedeployResult, error) {
	return &contracts.RedeployResult{Success: true}, nil
}

type fakeRevisions struct {
	revs []contracts.Revision
	err  error
}

func (f *fakeRevisions) Revisions(context.Context, types.TargetRef) ([]contracts.Revision, error) {
	return f.revs, f.err
}

// sequenceChecker returns the given error rates in order, repeating the last.
type sequenceChecker struct {
	rates []float64
	err   error
	calls int
}

func (c *sequenceChecker) QuickCheck(context.Context, types.TargetRef) (verification.Measurement, bool, error) {
	if c.err != nil {
		c.calls++
		return verification.Measurement{}, false, c.err
	}
	i := c.calls
	if i >= len(c.rates) {
		i = len(c.rates) - 1
	}
	c.calls++
	r := c.rates[i]
	return verification.Measurement{ErrorRate: r, Total: 40, Errors: int(r * 40)}, r <= 0.05, nil
}

type memLedger struct {
	limit    int
	begun    []types.ActionRequest
	finished map[string]types.ActionStatus
}

func (l *memLedger) Begin(_ context.Context, req types.ActionRequest) (string, error) {
	if l.limit > 0 && len(l.begun) >= l.limit {
		return "", ErrActionBudget
	}
	l.begun = append(l.begun, req)
	return fmt.Sprintf("act-%d", len(l.begun)), nil
}

func (l *memLedger) Finish(_ context.Context, id string, status types.ActionStatus, _ string) {
	if l.finished == nil {
		l.finished = map[string]types.ActionStatus{}
	}
	l.finished[id] = status
}

type harness struct {
	exec    *fakeExecutor
	fix     *fakeFix
	revs    *fakeRevisions
	checker *sequenceChecker
	ledger  *memLedger
	audit   *audit.Recorder
	slept   []time.Duration
	now     time.Time
}

func newHarness(rates ...float64) *harness {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &harness{
		exec:    &fakeExecutor{fail: map[types.ActionType]bool{}},
		fix:     &fakeFix{},
		revs:    &fakeRevisions{revs: []contracts.Revision{{Number: 1, CreatedAt: now.Add(-48 * time.Hour)}, {Number: 2, CreatedAt: now.Add(-time.Hour), Current: true}}},
		checker: &sequenceChecker{rates: rates},
		ledger:  &memLedger{},
		audit:   audit.NewRecorder(),
		now:     now,
	}
}

func (h *harness) engine(allowed []types.ActionType, manual bool) *Engine {
	return NewEngine(Config{
		AllowedActions:           allowed,
		IncludeCodeFix:           true,
		RollbackFreshness:        2 * time.Minute,
		OperationalStabilization: 15 * time.Second,
		CodeFixStabilization:     time.Minute,
		ScaleStep:                2,
	}, Deps{
		Dispatcher: &remediation.Dispatcher{Executor: h.exec, FixCycle: h.fix, ManualApproval: manual},
		Revisions:  h.revs,
		Checker:    h.checker,
		AuditLog:   h.audit,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		},
		Now: func() time.Time { return h.now },
	})
}

func (h *harness) request(managed bool) Request {
	return Request{
		Incident:   types.Incident{ID: "inc-1", Title: "5xx", Target: target, ManagedApp: managed},
		Hypothesis: types.Hypothesis{ID: "h-1", Title: "bad deploy", Confidence: 0.6},
		Ledger:     h.ledger,
	}
}

func attemptTypes(res *Result) []types.ActionType {
	out := make([]types.ActionType, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		out = append(out, a.ActionType)
	}
	return out
}

var operational = []types.ActionType{types.ActionRollback, types.ActionRestart, types.ActionScale}

func TestTiersFilteredByAllowList(t *testing.T) {
	h := newHarness(0)
	e := h.engine([]types.ActionType{types.ActionScale, types.ActionRestart}, false)
	assert.Equal(t, []types.ActionType{types.ActionRestart, types.ActionScale, types.ActionCodeFix}, e.Tiers())

	noFix := NewEngine(Config{AllowedActions: operational, IncludeCodeFix: true}, Deps{Dispatcher: &remediation.Dispatcher{Executor: h.exec}})
	assert.Equal(t, operational, noFix.Tiers())

	empty := NewEngine(Config{}, Deps{Dispatcher: &remediation.Dispatcher{Executor: h.exec}})
	_, err := empty.Run(context.Background(), h.request(false))
	assert.ErrorIs(t, err, ErrNoTiers)
}

func TestRollbackSucceedsFirst(t *testing.T) {
	h := newHarness(0.3, 0.0)
	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, types.ActionRollback, res.FinalAction)
	assert.Equal(t, []types.ActionType{types.ActionRollback}, attemptTypes(res))
	assert.InDelta(t, 0.3, res.PreEscalationErrorRate, 1e-9)
	assert.True(t, res.Attempts[0].Verified)
	assert.Equal(t, []time.Duration{15 * time.Second}, h.slept)
	assert.Equal(t, types.ActionCompleted, h.ledger.finished["act-1"])
}

func TestFreshDeploymentSkipsRollback(t *testing.T) {
	h := newHarness(0.3, 0.3, 0.0)
	h.revs.revs[1].CreatedAt = h.now.Add(-30 * time.Second)

	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)

	assert.NotContains(t, attemptTypes(res), types.ActionRollback)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, types.ActionRollback, res.Skips[0].ActionType)
	assert.Contains(t, res.Skips[0].Reason, "roll back to itself")
	assert.Len(t, h.audit.OfType(audit.EventEscalationSkip), 1)
}

func TestSingleRevisionSkipsRollback(t *testing.T) {
	h := newHarness(0.3, 0.0)
	h.revs.revs = h.revs.revs[:1]

	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.Equal(t, []types.ActionType{types.ActionRestart}, attemptTypes(res))
	assert.Contains(t, res.Skips[0].Reason, "only 1 revision")
}

func TestRevisionErrorStillAttemptsRollback(t *testing.T) {
	h := newHarness(0.3, 0.0)
	h.revs.err = errors.New("forbidden")

	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.Equal(t, []types.ActionType{types.ActionRollback}, attemptTypes(res))
}

func TestEscalatesInOrderWithoutRepeats(t *testing.T) {
	h := newHarness(0.3)
	h.exec.fail[types.ActionRollback] = true
	h.exec.panicOn = types.ActionRestart

	res, err := h.engine(operational, true).Run(context.Background(), h.request(false))
	require.NoError(t, err)

	// rollback errors, restart panics, scale fails its quick check, code_fix is requested.
	assert.Equal(t, []types.ActionType{types.ActionRollback, types.ActionRestart, types.ActionScale, types.ActionCodeFix}, attemptTypes(res))
	assert.False(t, res.Attempts[0].Success)
	assert.Contains(t, res.Attempts[1].Message, "panicked")
	assert.True(t, res.Attempts[2].Success)
	assert.False(t, res.Attempts[2].Verified)
	assert.True(t, res.Success)
	assert.Equal(t, "fix-1", res.PendingFixID)
	assert.Equal(t, types.ActionFailed, h.ledger.finished["act-1"])

	scale, ok := h.ledger.begun[2].Params.(types.ScaleParams)
	require.True(t, ok)
	assert.Equal(t, int32(2), scale.Delta)
}

func TestPendingCodeFixReturnsWithoutVerification(t *testing.T) {
	h := newHarness(0.3)
	e := h.engine([]types.ActionType{}, true)

	res, err := e.Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.ActionCodeFix, res.FinalAction)
	assert.Equal(t, "fix-1", res.PendingFixID)
	assert.Empty(t, h.slept, "no stabilization wait for a pending fix")
	assert.Equal(t, 1, h.checker.calls, "only the baseline measurement")
	assert.Zero(t, h.fix.fullCycle)
}

func TestTemporaryFixContinuesToCodeFix(t *testing.T) {
	h := newHarness(0.2, 0.0)
	h.revs.revs = h.revs.revs[:1]

	res, err := h.engine(operational, true).Run(context.Background(), h.request(true))
	require.NoError(t, err)

	assert.Equal(t, []types.ActionType{types.ActionRestart, types.ActionCodeFix}, attemptTypes(res))
	assert.True(t, res.Attempts[0].Verified)
	assert.Equal(t, types.ActionCodeFix, res.FinalAction)
	var skipped []types.ActionType
	for _, s := range res.Skips {
		skipped = append(skipped, s.ActionType)
	}
	assert.Equal(t, []types.ActionType{types.ActionRollback, types.ActionScale}, skipped)
}

func TestTransientIssueAcceptsOperationalFix(t *testing.T) {
	h := newHarness(0.0)
	h.revs.revs = h.revs.revs[:1]

	res, err := h.engine(operational, true).Run(context.Background(), h.request(true))
	require.NoError(t, err)
	assert.Equal(t, []types.ActionType{types.ActionRestart}, attemptTypes(res))
	assert.Equal(t, types.ActionRestart, res.FinalAction)
}

func TestUnmanagedAppAcceptsOperationalFix(t *testing.T) {
	h := newHarness(0.2, 0.0)
	h.revs.revs = h.revs.revs[:1]

	res, err := h.engine(operational, true).Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.Equal(t, types.ActionRestart, res.FinalAction)
}

func TestAutomaticCodeFixIsVerified(t *testing.T) {
	h := newHarness(0.3, 0.0)
	res, err := h.engine(nil, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "fix-1", res.AppliedFixID)
	require.NotNil(t, res.FixAppliedAt)
	assert.Equal(t, []time.Duration{time.Minute}, h.slept)
	assert.Equal(t, 1, h.fix.fullCycle)
}

func TestAllTiersExhausted(t *testing.T) {
	h := newHarness(0.3)
	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Len(t, res.Attempts, 4)
	assert.Contains(t, res.Message, "exhausted")
}

func TestActionBudgetStopsRun(t *testing.T) {
	h := newHarness(0.3)
	h.ledger.limit = 2

	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.BudgetExhausted)
	assert.Len(t, res.Attempts, 2)
}

func TestUnmeasurableQuickCheckDefersToVerification(t *testing.T) {
	h := newHarness()
	h.checker.err = verification.ErrNoTraffic

	res, err := h.engine(operational, false).Run(context.Background(), h.request(false))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, -1.0, res.PreEscalationErrorRate)
	assert.Equal(t, types.ActionRollback, res.FinalAction)
	assert.False(t, res.Attempts[0].Verified)
	assert.Contains(t, res.Attempts[0].Message, "deferring to verification")
}
