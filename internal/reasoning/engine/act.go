package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/remediation"
	"github.com/kubilitics/kubilitics-responder/internal/remediation/escalation"
	"github.com/kubilitics/kubilitics-responder/internal/safety/cooldown"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// act dispatches remediation for the confirmed hypothesis.
func (o *Orchestrator) act(ctx context.Context) {
	o.actedAt = o.deps.Now()
	snap := o.sm.Snapshot()
	inc := snap.Incident

	h, ok := snap.ConfirmedHypothesis()
	if !ok {
		o.fail(ctx, "no confirmed hypothesis to act on")
		return
	}

	if o.fixInFlight(ctx, inc) {
		o.skipAction(ctx, inc, fmt.Sprintf("fix %s is still in progress, not requesting another", inc.FixCycleID))
		o.advance(ctx, types.PhaseVerifying)
		return
	}

	if len(snap.Actions) >= o.cfg.MaxActionsPerIncident {
		o.fail(ctx, fmt.Sprintf("action cap of %d reached", o.cfg.MaxActionsPerIncident))
		return
	}

	if o.deps.Cooldown != nil {
		if err := o.deps.Cooldown.Acquire(inc.Target, inc.ID); err != nil {
			if !errors.Is(err, cooldown.ErrTargetBusy) {
				o.fail(ctx, fmt.Sprintf("acquire remediation lease: %v", err))
				return
			}
			o.skipAction(ctx, inc, err.Error())
			o.advance(ctx, types.PhaseVerifying)
			return
		}
		defer o.deps.Cooldown.Release(inc.Target, inc.ID)
	}

	if o.cfg.EscalationEnabled && o.deps.Escalation != nil && h.Confidence < o.cfg.EscalationThreshold {
		o.escalate(ctx, inc, h)
		return
	}
	o.single(ctx, inc, h)
}

// escalate walks the remediation ladder.
func (o *Orchestrator) escalate(ctx context.Context, inc types.Incident, h types.Hypothesis) {
	res, err := o.deps.Escalation.Run(ctx, escalation.Request{
		Incident:   inc,
		Hypothesis: h,
		Ledger:     &actionLedger{o: o, hypothesisID: h.ID, escalation: true},
	})
	if errors.Is(err, escalation.ErrNoTiers) {
		o.deps.Logger.Warn("no escalation tiers allowed, dispatching a single action",
			zap.String("incident_id", inc.ID))
		o.single(ctx, inc, h)
		return
	}
	if err != nil {
		o.fail(ctx, fmt.Sprintf("escalation: %v", err))
		return
	}

	switch {
	case res.PendingFixID != "":
		o.sm.LinkFix(ctx, res.PendingFixID, nil)
	case res.AppliedFixID != "":
		o.sm.LinkFix(ctx, res.AppliedFixID, res.FixAppliedAt)
	}
	o.insight(ctx, "escalation", "%d attempts, %d skips, final action %q: %s",
		len(res.Attempts), len(res.Skips), res.FinalAction, res.Message)

	if ctx.Err() != nil {
		return
	}
	if res.BudgetExhausted {
		o.fail(ctx, fmt.Sprintf("action cap of %d reached during escalation", o.cfg.MaxActionsPerIncident))
		return
	}
	if !res.Success {
		o.fail(ctx, "escalation failed: "+res.Message)
		return
	}
	o.advance(ctx, types.PhaseVerifying)
}

// single dispatches the hypothesis' suggested action, or the first allowed
// tier when the suggestion is not allowed.
func (o *Orchestrator) single(ctx context.Context, inc types.Incident, h types.Hypothesis) {
	action, ok := o.directAction(h.SuggestedAction)
	if !ok {
		o.fail(ctx, fmt.Sprintf("suggested action %q is not allowed and no allowed action remains", h.SuggestedAction))
		return
	}
	req, err := remediation.RequestFor(inc, h, action, o.cfg.ScaleStep)
	if err != nil {
		o.fail(ctx, err.Error())
		return
	}

	ledger := &actionLedger{o: o, hypothesisID: h.ID}
	actionID, err := ledger.Begin(ctx, req)
	if err != nil {
		if errors.Is(err, escalation.ErrActionBudget) {
			o.fail(ctx, fmt.Sprintf("action cap of %d reached", o.cfg.MaxActionsPerIncident))
		}
		return
	}

	outcome, err := o.dispatch(ctx, req)
	status, msg := types.ActionCompleted, outcome.Message
	switch {
	case err != nil:
		status, msg = types.ActionFailed, err.Error()
	case !outcome.Success:
		status = types.ActionFailed
	}
	ledger.Finish(ctx, actionID, status, msg)

	if outcome.FixID != "" {
		o.sm.LinkFix(ctx, outcome.FixID, outcome.AppliedAt)
	}
	o.insight(ctx, "action", "%s %s: %s", action, status, msg)

	// A failed action still goes to verification, whose verdict drives the
	// retry loop.
	o.advance(ctx, types.PhaseVerifying)
}

func (o *Orchestrator) dispatch(ctx context.Context, req types.ActionRequest) (out remediation.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s dispatch panicked: %v", req.Type(), r)
		}
	}()
	return o.deps.Dispatcher.Dispatch(ctx, req)
}

func (o *Orchestrator) directAction(suggested types.ActionType) (types.ActionType, bool) {
	if slices.Contains(o.cfg.AllowedActions, suggested) {
		return suggested, true
	}
	for _, t := range types.EscalationOrder {
		if slices.Contains(o.cfg.AllowedActions, t) {
			if t == types.ActionCodeFix && !o.deps.Dispatcher.CanFix() {
				continue
			}
			return t, true
		}
	}
	return "", false
}

// fixInFlight reports whether the incident links a fix that has not reached
// a terminal status. An unreadable status counts as in flight.
func (o *Orchestrator) fixInFlight(ctx context.Context, inc types.Incident) bool {
	if inc.FixCycleID == "" || !o.deps.Dispatcher.CanFix() {
		return false
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	status, err := o.deps.Dispatcher.FixCycle.GetStatus(callCtx, inc.FixCycleID)
	if err != nil {
		o.collaboratorFailed("fix_cycle", err)
		return true
	}
	return !status.IsTerminal()
}

func (o *Orchestrator) skipAction(ctx context.Context, inc types.Incident, reason string) {
	o.deps.AuditLog.Log(ctx, audit.NewEvent(audit.EventActionSkipped).
		WithIncident(inc.ID, string(types.PhaseActing)).
		WithResource(inc.Target.Name, inc.Target.Kind, inc.Target.Namespace).
		WithResult(audit.ResultDenied).
		WithDescription(reason))
	o.insight(ctx, "action_skipped", "%s", reason)
	o.deps.Logger.Info("action skipped", zap.String("incident_id", inc.ID), zap.String("reason", reason))
}

// actionLedger records dispatched actions on the state machine and enforces
// the per-incident action cap.
type actionLedger struct {
	o            *Orchestrator
	hypothesisID string
	escalation   bool
}

func (l *actionLedger) Begin(ctx context.Context, req types.ActionRequest) (string, error) {
	if n := len(l.o.sm.Snapshot().Actions); n >= l.o.cfg.MaxActionsPerIncident {
		return "", fmt.Errorf("%w: %d of %d actions used", escalation.ErrActionBudget, n, l.o.cfg.MaxActionsPerIncident)
	}
	a := types.Action{
		ID:           l.o.deps.NewID(),
		Type:         req.Type(),
		Target:       req.Target,
		Params:       req.Params,
		Status:       types.ActionExecuting,
		HypothesisID: l.hypothesisID,
		Escalation:   l.escalation,
		CreatedAt:    l.o.deps.Now(),
	}
	if err := l.o.sm.AddAction(ctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

func (l *actionLedger) Finish(ctx context.Context, actionID string, status types.ActionStatus, message string) {
	if err := l.o.sm.CompleteAction(ctx, actionID, status, message); err != nil {
		l.o.deps.Logger.Warn("complete action failed", zap.String("action_id", actionID), zap.Error(err))
	}
}
