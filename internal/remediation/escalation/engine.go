package escalation

// Package escalation walks the remediation ladder rollback → restart →
// scale → code_fix, filtered by the allow-list, one tier at a time.
//
// Before the first tier the synthetic error rate is measured once and kept
// as the pre-escalation baseline; a restart may reset in-process fault
// state, so later "is it really fixed" checks need a baseline taken before
// any action. Each tier is executed, given time to stabilise and checked
// with a fresh traffic measurement. A restart or scale that passes on a
// managed app whose baseline showed errors only masks a code-level bug, so
// the ladder continues to code_fix. Tier failures never abort the run.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/internal/remediation"
	"github.com/kubilitics/kubilitics-responder/internal/verification"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	// ErrNoTiers is returned when the allow-list leaves nothing to try.
	ErrNoTiers = errors.New("no escalation tiers available")

	// ErrActionBudget is returned by a Ledger that refuses another action.
	ErrActionBudget = errors.New("action budget exhausted")
)

// Ledger records the actions a run dispatches. Begin may refuse with
// ErrActionBudget, which ends the run.
type Ledger interface {
	Begin(ctx context.Context, req types.ActionRequest) (actionID string, err error)
	Finish(ctx context.Context, actionID string, status types.ActionStatus, message string)
}

// Checker measures fresh synthetic traffic. *verification.Engine implements it.
type Checker interface {
	QuickCheck(ctx context.Context, target types.TargetRef) (verification.Measurement, bool, error)
}

// Config is the escalation policy.
type Config struct {
	AllowedActions []types.ActionType
	IncludeCodeFix bool

	RollbackFreshness        time.Duration
	OperationalStabilization time.Duration
	CodeFixStabilization     time.Duration
	ScaleStep                int
	CallTimeout              time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Dispatcher *remediation.Dispatcher
	Revisions  contracts.RevisionSource
	Checker    Checker
	AuditLog   audit.Logger
	Publisher  notify.Publisher
	Logger     *zap.Logger

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Request is one escalation run.
type Request struct {
	Incident   types.Incident
	Hypothesis types.Hypothesis
	Ledger     Ledger
}

// Result is the trace of a run.
type Result struct {
	Success  bool                       `json:"success"`
	Attempts []types.RemediationAttempt `json:"attempts"`
	Skips    []types.TierSkip           `json:"skips,omitempty"`

	// PreEscalationErrorRate is -1 when it could not be measured.
	PreEscalationErrorRate float64          `json:"pre_escalation_error_rate"`
	FinalAction            types.ActionType `json:"final_action,omitempty"`
	PendingFixID           string           `json:"pending_fix_id,omitempty"`
	AppliedFixID           string           `json:"applied_fix_id,omitempty"`
	FixAppliedAt           *time.Time       `json:"fix_applied_at,omitempty"`
	BudgetExhausted        bool             `json:"budget_exhausted,omitempty"`
	Message                string           `json:"message"`
}

// Engine is the escalating remediation engine.
type Engine struct {
	cfg  Config
	deps Deps
}

// NewEngine creates an escalation engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if deps.AuditLog == nil {
		deps.AuditLog = audit.NewRecorder()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Checker == nil {
		deps.Checker = unmeasured{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{cfg: cfg, deps: deps}
}

// Tiers returns the ladder after allow-list filtering. code_fix joins the
// ladder whenever it is enabled for escalation and a fix cycle exists, even
// if it is not allowed as a direct action.
func (e *Engine) Tiers() []types.ActionType {
	allowed := make(map[types.ActionType]bool, len(e.cfg.AllowedActions))
	for _, a := range e.cfg.AllowedActions {
		allowed[a] = true
	}
	tiers := make([]types.ActionType, 0, len(types.EscalationOrder))
	for _, t := range types.EscalationOrder {
		switch {
		case t == types.ActionCodeFix:
			if e.deps.Dispatcher.CanFix() && (e.cfg.IncludeCodeFix || allowed[t]) {
				tiers = append(tiers, t)
			}
		case allowed[t]:
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Run walks the ladder until a tier is verified or all tiers are spent.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	tiers := e.Tiers()
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	inc := req.Incident
	logger := e.deps.Logger.With(zap.String("incident_id", inc.ID), zap.String("target", inc.Target.Key()))

	res := &Result{PreEscalationErrorRate: -1}
	if m, _, err := e.deps.Checker.QuickCheck(ctx, inc.Target); err == nil {
		res.PreEscalationErrorRate = m.ErrorRate
	} else {
		logger.Warn("pre-escalation error rate unavailable", zap.Error(err))
	}
	logger.Info("escalation started",
		zap.Int("tiers", len(tiers)),
		zap.Float64("pre_escalation_error_rate", res.PreEscalationErrorRate),
	)

	for i := 0; i < len(tiers); i++ {
		if err := ctx.Err(); err != nil {
			res.Message = fmt.Sprintf("escalation cancelled: %v", err)
			return res, nil
		}
		tier := tiers[i]

		if tier == types.ActionRollback {
			if reason, skip := e.rollbackSkip(ctx, inc.Target); skip {
				e.recordSkip(ctx, inc.ID, res, tier, reason)
				continue
			}
		}

		attempt, outcome, deferred, err := e.attempt(ctx, req, tier)
		if errors.Is(err, ErrActionBudget) {
			res.BudgetExhausted = true
			res.Message = fmt.Sprintf("action budget exhausted before %s", tier)
			return res, nil
		}
		res.Attempts = append(res.Attempts, attempt)
		e.publishAttempt(ctx, inc.ID, attempt)

		if !attempt.Success {
			continue
		}

		if tier == types.ActionCodeFix {
			if outcome.Pending {
				res.Success = true
				res.FinalAction = tier
				res.PendingFixID = outcome.FixID
				res.Message = attempt.Message
				return res, nil
			}
			res.AppliedFixID = outcome.FixID
			res.FixAppliedAt = outcome.AppliedAt
			if attempt.Verified || deferred {
				res.Success = true
				res.FinalAction = tier
				res.Message = attempt.Message
				return res, nil
			}
			continue
		}

		if !attempt.Verified && !deferred {
			continue
		}

		if tier.IsOperational() && inc.ManagedApp && res.PreEscalationErrorRate > 0 {
			if j := indexOf(tiers, types.ActionCodeFix, i+1); j > 0 {
				for _, skipped := range tiers[i+1 : j] {
					e.recordSkip(ctx, inc.ID, res, skipped,
						fmt.Sprintf("%s only masked a code-level fault (baseline error rate %.1f%%)", tier, res.PreEscalationErrorRate*100))
				}
				logger.Info("temporary fix detected, continuing to code_fix", zap.String("tier", string(tier)))
				i = j - 1
				continue
			}
		}

		res.Success = true
		res.FinalAction = tier
		res.Message = attempt.Message
		return res, nil
	}

	res.Message = fmt.Sprintf("all %d escalation tiers exhausted", len(tiers))
	return res, nil
}

// attempt dispatches one tier and runs its quick check. deferred reports a
// successful tier whose quick check could not be measured; the verify phase
// decides those.
func (e *Engine) attempt(ctx context.Context, req Request, tier types.ActionType) (attempt types.RemediationAttempt, outcome remediation.Outcome, deferred bool, err error) {
	inc := req.Incident
	start := e.deps.Now()
	attempt = types.RemediationAttempt{ActionType: tier, Timestamp: start}

	actionReq, err := remediation.RequestFor(inc, req.Hypothesis, tier, e.cfg.ScaleStep)
	if err != nil {
		attempt.Message = err.Error()
		return attempt, outcome, false, nil
	}
	actionID, err := req.Ledger.Begin(ctx, actionReq)
	if err != nil {
		return attempt, outcome, false, err
	}
	attempt.ActionID = actionID

	outcome, err = e.safeDispatch(ctx, actionReq)
	switch {
	case err != nil:
		attempt.Message = err.Error()
	case !outcome.Success:
		attempt.Message = outcome.Message
	default:
		attempt.Success = true
		attempt.Message = outcome.Message
	}

	if attempt.Success && !outcome.Pending {
		wait := e.cfg.OperationalStabilization
		if tier == types.ActionCodeFix {
			wait = e.cfg.CodeFixStabilization
		}
		if err := e.deps.Sleep(ctx, wait); err != nil {
			attempt.Message = fmt.Sprintf("%s; stabilization interrupted: %v", attempt.Message, err)
		} else {
			attempt.Verified, deferred, attempt.Message = e.check(ctx, inc.Target, attempt.Message)
		}
	}
	attempt.Duration = e.deps.Now().Sub(start)

	status := types.ActionCompleted
	if !attempt.Success {
		status = types.ActionFailed
	}
	req.Ledger.Finish(ctx, actionID, status, attempt.Message)

	result := "failed"
	switch {
	case attempt.Verified:
		result = "verified"
	case attempt.Success:
		result = "unverified"
	}
	metrics.EscalationAttemptsTotal.WithLabelValues(string(tier), result).Inc()
	return attempt, outcome, deferred, nil
}

// safeDispatch turns a panicking collaborator into a tier failure.
func (e *Engine) safeDispatch(ctx context.Context, req types.ActionRequest) (out remediation.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s tier panicked: %v", req.Type(), r)
		}
	}()
	return e.deps.Dispatcher.Dispatch(ctx, req)
}

// check runs the post-tier quick check.
func (e *Engine) check(ctx context.Context, target types.TargetRef, msg string) (verified, deferred bool, detail string) {
	m, ok, err := e.deps.Checker.QuickCheck(ctx, target)
	if err != nil {
		return false, true, fmt.Sprintf("%s; quick check unavailable (%v), deferring to verification", msg, err)
	}
	if ok {
		return true, false, fmt.Sprintf("%s; quick check passed at %.1f%% errors", msg, m.ErrorRate*100)
	}
	return false, false, fmt.Sprintf("%s; quick check failed at %.1f%% errors", msg, m.ErrorRate*100)
}

// rollbackSkip reports whether a rollback would provide no signal.
func (e *Engine) rollbackSkip(ctx context.Context, target types.TargetRef) (string, bool) {
	if e.deps.Revisions == nil {
		return "", false
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	revs, err := e.deps.Revisions.Revisions(callCtx, target)
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("revisions").Inc()
		e.deps.Logger.Warn("revision metadata unavailable, attempting rollback",
			zap.String("target", target.Key()), zap.Error(err))
		return "", false
	}
	if len(revs) <= 1 {
		return fmt.Sprintf("only %d revision, nothing to roll back to", len(revs)), true
	}
	for _, r := range revs {
		if !r.Current {
			continue
		}
		if age := e.deps.Now().Sub(r.CreatedAt); age < e.cfg.RollbackFreshness {
			return fmt.Sprintf("current revision %d is %s old (< %s), rollback would roll back to itself",
				r.Number, age.Round(time.Second), e.cfg.RollbackFreshness), true
		}
	}
	return "", false
}

func (e *Engine) recordSkip(ctx context.Context, incidentID string, res *Result, tier types.ActionType, reason string) {
	res.Skips = append(res.Skips, types.TierSkip{ActionType: tier, Reason: reason})
	metrics.EscalationAttemptsTotal.WithLabelValues(string(tier), "skipped").Inc()
	e.deps.AuditLog.Log(ctx, audit.NewEvent(audit.EventEscalationSkip).
		WithIncident(incidentID, string(types.PhaseActing)).
		WithAction(string(tier)).
		WithResult(audit.ResultDenied).
		WithDescription(reason))
	e.deps.Publisher.Publish(notify.Notification{
		IncidentID: incidentID,
		Kind:       notify.KindEscalationStep,
		Phase:      types.PhaseActing,
		Message:    fmt.Sprintf("skipped %s: %s", tier, reason),
	})
}

func (e *Engine) publishAttempt(ctx context.Context, incidentID string, a types.RemediationAttempt) {
	result := audit.ResultFailure
	if a.Success {
		result = audit.ResultSuccess
	}
	e.deps.AuditLog.Log(ctx, audit.NewEvent(audit.EventEscalationStep).
		WithIncident(incidentID, string(types.PhaseActing)).
		WithAction(string(a.ActionType)).
		WithMetadata("verified", a.Verified).
		WithDuration(a.Duration).
		WithResult(result).
		WithDescription(a.Message))
	e.deps.Publisher.Publish(notify.Notification{
		IncidentID: incidentID,
		Kind:       notify.KindEscalationStep,
		Phase:      types.PhaseActing,
		Attempt:    &a,
		Message:    a.Message,
	})
}

type unmeasured struct{}

func (unmeasured) QuickCheck(context.Context, types.TargetRef) (verification.Measurement, bool, error) {
	return verification.Measurement{}, false, verification.ErrNoTraffic
}

func indexOf(tiers []types.ActionType, t types.ActionType, from int) int {
	for i := from; i < len(tiers); i++ {
		if tiers[i] == t {
			return i
		}
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
