package rollback

// Package rollback evaluates whether a failed verification warrants an
// immediate rollback of the action under test.
//
// The evaluation is advisory: the orchestrator records the advice in the
// audit trail and passes it to the next Decide cycle as a hint. It never
// executes a rollback itself.
//
// Rollback Trigger Conditions:
//   - Error rate above the degradation threshold after a restart, scale or
//     applied code fix
//   - An applied code fix whose verification failed on fresh traffic
//
// No advice is given for a passing verdict, for an action that was itself a
// rollback, or when no error rate could be measured.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// DefaultThresholds are the degradation thresholds keyed by metric.
var DefaultThresholds = map[string]float64{
	"error_rate": 0.05,
}

// Entry is one evaluation kept in the decider's history.
type Entry struct {
	ActionID    string           `json:"action_id"`
	ActionType  types.ActionType `json:"action_type"`
	Recommended bool             `json:"recommended"`
	Reason      string           `json:"reason"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Decider is the default RollbackDecider.
type Decider struct {
	mu         sync.RWMutex
	history    []Entry
	thresholds map[string]float64
	now        func() time.Time
}

var _ contracts.RollbackDecider = (*Decider)(nil)

// NewDecider creates a decider with DefaultThresholds.
func NewDecider() *Decider {
	thresholds := make(map[string]float64, len(DefaultThresholds))
	for k, v := range DefaultThresholds {
		thresholds[k] = v
	}
	return &Decider{thresholds: thresholds, now: time.Now}
}

// SetDegradationThreshold overrides the threshold for metric.
func (d *Decider) SetDegradationThreshold(metric string, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("threshold for %s must be in (0,1], got %v", metric, threshold)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds[metric] = threshold
	return nil
}

// Evaluate implements contracts.RollbackDecider.
func (d *Decider) Evaluate(_ context.Context, action types.Action, verdict types.Verdict) (*contracts.RollbackAdvice, error) {
	d.mu.RLock()
	threshold := d.thresholds["error_rate"]
	d.mu.RUnlock()

	advice := d.advise(action, verdict, threshold)

	d.mu.Lock()
	d.history = append(d.history, Entry{
		ActionID:    action.ID,
		ActionType:  action.Type,
		Recommended: advice.Recommended,
		Reason:      advice.Reason,
		Timestamp:   d.now(),
	})
	d.mu.Unlock()
	return advice, nil
}

func (d *Decider) advise(action types.Action, verdict types.Verdict, threshold float64) *contracts.RollbackAdvice {
	switch {
	case verdict.Passed:
		return &contracts.RollbackAdvice{Reason: "verification passed"}
	case action.Type == types.ActionRollback:
		return &contracts.RollbackAdvice{Reason: "failing action was already a rollback"}
	case verdict.AwaitingApproval:
		return &contracts.RollbackAdvice{Reason: "code fix has not been applied yet"}
	}

	if action.Type == types.ActionCodeFix && verdict.FixStatus == string(contracts.FixApplied) {
		return &contracts.RollbackAdvice{
			Recommended: true,
			Reason:      fmt.Sprintf("applied code fix did not resolve the incident: %s", verdict.Detail),
		}
	}
	if verdict.ErrorRate < 0 {
		return &contracts.RollbackAdvice{Reason: "no error rate measured"}
	}
	if verdict.ErrorRate > threshold {
		return &contracts.RollbackAdvice{
			Recommended: true,
			Reason: fmt.Sprintf("error rate %.1f%% exceeds %.1f%% after %s",
				verdict.ErrorRate*100, threshold*100, action.Type),
		}
	}
	return &contracts.RollbackAdvice{
		Reason: fmt.Sprintf("error rate %.1f%% within %.1f%%", verdict.ErrorRate*100, threshold*100),
	}
}

// History returns the most recent evaluations, newest last.
func (d *Decider) History(limit int) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	start := 0
	if limit > 0 && len(d.history) > limit {
		start = len(d.history) - limit
	}
	out := make([]Entry, len(d.history)-start)
	copy(out, d.history[start:])
	return out
}
