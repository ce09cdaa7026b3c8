package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// verify asks for a verdict and either finishes, loops back to OBSERVING,
// or fails once the retry bound is reached.
func (o *Orchestrator) verify(ctx context.Context) {
	snap := o.sm.Snapshot()
	inc := snap.Incident

	var v types.Verdict
	if o.deps.Verifier == nil {
		v = types.Verdict{Detail: "no verification engine configured", Signal: types.SignalNone, ErrorRate: -1}
	} else {
		v = o.deps.Verifier.Verify(ctx, verification.Request{
			Incident:         inc,
			ReasoningToken:   snap.ReasoningToken,
			ReuseMeasurement: true,
			MeasuredAfter:    o.actedAt,
		})
	}
	if ctx.Err() != nil {
		return
	}

	result := audit.ResultFailure
	if v.Passed {
		result = audit.ResultSuccess
	} else if v.AwaitingApproval {
		result = audit.ResultPending
	}
	o.deps.AuditLog.Log(ctx, audit.NewEvent(audit.EventVerificationVerdict).
		WithIncident(inc.ID, string(types.PhaseVerifying)).
		WithMetadata("signal", string(v.Signal)).
		WithMetadata("error_rate", v.ErrorRate).
		WithResult(result).
		WithDescription(v.Detail))
	o.deps.Publisher.Publish(notify.Notification{
		IncidentID: inc.ID,
		Kind:       notify.KindVerificationVerdict,
		Phase:      types.PhaseVerifying,
		Message:    v.Detail,
		Verdict:    &v,
		Timestamp:  o.deps.Now(),
	})
	o.insight(ctx, "verification", "%s", v.Detail)

	if v.Passed {
		o.advance(ctx, types.PhaseDone)
		return
	}

	if inc.FixCycleID != "" && fixAbandoned(contracts.FixStatus(v.FixStatus)) {
		// Unlink so the next Act may request a fresh fix.
		o.sm.LinkFix(ctx, "", nil)
	}
	o.adviseRollback(ctx, inc, snap, v)

	retries := o.sm.IncrementVerificationRetry()
	if retries >= o.cfg.MaxVerificationRetries {
		o.fail(ctx, fmt.Sprintf("verification failed %d times: %s", retries, v.Detail))
		return
	}
	o.deps.Logger.Info("verification failed, observing again",
		zap.String("incident_id", inc.ID),
		zap.Int("retry", retries),
		zap.Int("max_retries", o.cfg.MaxVerificationRetries),
		zap.String("detail", v.Detail),
	)
	o.advance(ctx, types.PhaseObserving)
}

// adviseRollback consults the rollback decider about the last action. The
// advice is recorded and handed to the next Decide as a hint; it never
// triggers a rollback by itself.
func (o *Orchestrator) adviseRollback(ctx context.Context, inc types.Incident, snap investigation.Context, v types.Verdict) {
	if o.deps.RollbackDecider == nil {
		return
	}
	last, ok := snap.LastAction()
	if !ok {
		return
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	advice, err := o.deps.RollbackDecider.Evaluate(callCtx, last, v)
	if err != nil {
		o.collaboratorFailed("rollback_decider", err)
		return
	}
	if advice == nil {
		return
	}
	o.deps.AuditLog.Log(ctx, audit.NewEvent(audit.EventRollbackAdvice).
		WithIncident(inc.ID, string(types.PhaseVerifying)).
		WithAction(string(last.Type)).
		WithMetadata("recommended", advice.Recommended).
		WithResult(audit.ResultPending).
		WithDescription(advice.Reason))
	if advice.Recommended {
		o.sm.AddHint("rollback advised: " + advice.Reason)
	}
}

func fixAbandoned(s contracts.FixStatus) bool {
	switch s {
	case contracts.FixRejected, contracts.FixFailed, contracts.FixReverted:
		return true
	}
	return false
}
