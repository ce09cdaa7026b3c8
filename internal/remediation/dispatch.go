// Package remediation routes remediation requests to the collaborator that
// executes them: operational actions to the cluster executor, code fixes to
// the fix cycle.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	// ErrNoExecutor is returned for operational actions without an executor.
	ErrNoExecutor = errors.New("no action executor configured")

	// ErrNoFixCycle is returned for code fixes without a fix-cycle collaborator.
	ErrNoFixCycle = errors.New("no fix-cycle collaborator configured")
)

// Outcome is the result of one dispatched action.
type Outcome struct {
	Success bool
	Message string

	// FixID is set for code fixes. Pending means the fix awaits the external
	// (possibly human-gated) cycle; AppliedAt is set when the fix was run
	// and redeployed synchronously.
	FixID     string
	Pending   bool
	AppliedAt *time.Time
}

// Dispatcher executes action requests with a per-call timeout.
type Dispatcher struct {
	Executor contracts.Executor
	FixCycle contracts.FixCycle

	// ManualApproval leaves code fixes pending for the external cycle
	// instead of running the full cycle and redeploy inline.
	ManualApproval bool
	CallTimeout    time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// CanFix reports whether code fixes can be dispatched.
func (d *Dispatcher) CanFix() bool {
	return d != nil && d.FixCycle != nil
}

// Dispatch runs req. Collaborator errors are returned wrapped; an executed
// but unsuccessful action is a nil error with Success false.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.ActionRequest) (Outcome, error) {
	if req.Type() == types.ActionCodeFix {
		return d.dispatchFix(ctx, req)
	}
	if d.Executor == nil {
		return Outcome{}, ErrNoExecutor
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	res, err := d.Executor.Execute(callCtx, req)
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("executor").Inc()
		return Outcome{}, fmt.Errorf("execute %s on %s: %w", req.Type(), req.Target.Key(), err)
	}
	return Outcome{Success: res.Success, Message: res.Message}, nil
}

func (d *Dispatcher) dispatchFix(ctx context.Context, req types.ActionRequest) (Outcome, error) {
	if d.FixCycle == nil {
		return Outcome{}, ErrNoFixCycle
	}
	params, _ := req.Params.(types.CodeFixParams)

	callCtx, cancel := d.callContext(ctx)
	fixID, err := d.FixCycle.RequestFix(callCtx, req.Target.Key(), params.Prompt)
	cancel()
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("fix_cycle").Inc()
		return Outcome{}, fmt.Errorf("request fix for %s: %w", req.Target.Key(), err)
	}
	logger := d.logger().With(zap.String("incident_id", req.IncidentID), zap.String("fix_id", fixID))

	if d.ManualApproval {
		logger.Info("code fix requested, awaiting external approval")
		return Outcome{
			Success: true,
			Pending: true,
			FixID:   fixID,
			Message: fmt.Sprintf("code fix %s requested; awaiting approval", fixID),
		}, nil
	}

	callCtx, cancel = d.callContext(ctx)
	cycle, err := d.FixCycle.RunFullCycle(callCtx, fixID)
	cancel()
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("fix_cycle").Inc()
		return Outcome{FixID: fixID}, fmt.Errorf("run fix cycle %s: %w", fixID, err)
	}
	if !cycle.Success {
		return Outcome{FixID: fixID, Message: fmt.Sprintf("fix cycle %s did not produce a change", fixID)}, nil
	}

	callCtx, cancel = d.callContext(ctx)
	redeploy, err := d.FixCycle.TriggerRedeploy(callCtx, fixID)
	cancel()
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("fix_cycle").Inc()
		return Outcome{FixID: fixID}, fmt.Errorf("redeploy fix %s: %w", fixID, err)
	}
	if !redeploy.Success {
		return Outcome{FixID: fixID, Message: fmt.Sprintf("redeploy of fix %s failed", fixID)}, nil
	}

	now := d.now()
	logger.Info("code fix applied", zap.Int("files_updated", len(cycle.FilesUpdated)))
	return Outcome{
		Success:   true,
		FixID:     fixID,
		AppliedAt: &now,
		Message:   fmt.Sprintf("code fix %s applied (%d files) and redeployed", fixID, len(cycle.FilesUpdated)),
	}, nil
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.CallTimeout)
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// FixPrompt builds the code-fix prompt from a hypothesis.
func FixPrompt(inc types.Incident, h types.Hypothesis) string {
	return fmt.Sprintf("Incident %q on %s: %s. Root cause: %s. Produce a minimal code change that removes the fault.",
		inc.Title, inc.Target.Key(), h.Title, h.RootCause)
}

// RequestFor builds the typed request for an action type.
func RequestFor(inc types.Incident, h types.Hypothesis, t types.ActionType, scaleStep int) (types.ActionRequest, error) {
	var params types.ActionParams
	switch t {
	case types.ActionRollback:
		params = types.RollbackParams{}
	case types.ActionRestart:
		params = types.RestartParams{}
	case types.ActionScale:
		if scaleStep <= 0 {
			scaleStep = 1
		}
		params = types.ScaleParams{Delta: int32(scaleStep)}
	case types.ActionCodeFix:
		params = types.CodeFixParams{Prompt: FixPrompt(inc, h)}
	default:
		return types.ActionRequest{}, fmt.Errorf("unknown action type %q", t)
	}
	return types.ActionRequest{
		IncidentID: inc.ID,
		Target:     inc.Target,
		Params:     params,
		Reason:     h.Title,
	}, nil
}
