package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType is a remediation kind. The order of EscalationOrder is the
// escalation ladder from least to most invasive.
type ActionType string

const (
	ActionRollback ActionType = "rollback"
	ActionRestart  ActionType = "restart"
	ActionScale    ActionType = "scale"
	ActionCodeFix  ActionType = "code_fix"
)

// EscalationOrder is the fixed tier order.
var EscalationOrder = []ActionType{ActionRollback, ActionRestart, ActionScale, ActionCodeFix}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionRollback, ActionRestart, ActionScale, ActionCodeFix:
		return true
	}
	return false
}

// IsOperational reports whether the action changes runtime state without
// changing code.
func (t ActionType) IsOperational() bool {
	return t == ActionRestart || t == ActionScale
}

// ActionStatus is the lifecycle of one action record.
type ActionStatus string

const (
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// ActionParams is the tagged union of per-type parameters.
type ActionParams interface {
	ActionType() ActionType
}

// RollbackParams rolls a deployment back. ToRevision 0 means previous revision.
type RollbackParams struct {
	ToRevision int64 `json:"to_revision,omitempty"`
}

func (RollbackParams) ActionType() ActionType { return ActionRollback }

// RestartParams triggers a rolling restart.
type RestartParams struct{}

func (RestartParams) ActionType() ActionType { return ActionRestart }

// ScaleParams sets a replica count, or adds Delta replicas when Replicas is 0.
type ScaleParams struct {
	Replicas int32 `json:"replicas,omitempty"`
	Delta    int32 `json:"delta,omitempty"`
}

func (ScaleParams) ActionType() ActionType { return ActionScale }

// CodeFixParams asks the fix-cycle collaborator for a code change.
type CodeFixParams struct {
	Prompt string `json:"prompt"`
	FixID  string `json:"fix_id,omitempty"`
}

func (CodeFixParams) ActionType() ActionType { return ActionCodeFix }

// ParamsFor returns the zero parameter shape for an action type.
func ParamsFor(t ActionType) (ActionParams, error) {
	switch t {
	case ActionRollback:
		return RollbackParams{}, nil
	case ActionRestart:
		return RestartParams{}, nil
	case ActionScale:
		return ScaleParams{Delta: 1}, nil
	case ActionCodeFix:
		return CodeFixParams{}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", t)
}

// DecodeActionParams restores a params variant from its tag and JSON body.
func DecodeActionParams(t ActionType, data []byte) (ActionParams, error) {
	var (
		params ActionParams
		err    error
	)
	switch t {
	case ActionRollback:
		var p RollbackParams
		err = json.Unmarshal(data, &p)
		params = p
	case ActionRestart:
		params = RestartParams{}
	case ActionScale:
		var p ScaleParams
		err = json.Unmarshal(data, &p)
		params = p
	case ActionCodeFix:
		var p CodeFixParams
		err = json.Unmarshal(data, &p)
		params = p
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", t, err)
	}
	return params, nil
}

// ActionRequest is what an execution collaborator receives.
type ActionRequest struct {
	IncidentID string       `json:"incident_id"`
	Target     TargetRef    `json:"target"`
	Params     ActionParams `json:"params"`
	Reason     string       `json:"reason,omitempty"`
}

// Type returns the action type carried by the params.
func (r ActionRequest) Type() ActionType {
	if r.Params == nil {
		return ""
	}
	return r.Params.ActionType()
}

// Action records one remediation attempt. Records are append-only; only the
// status and result of the latest attempt are finalised once.
type Action struct {
	ID           string       `json:"id"`
	Type         ActionType   `json:"type"`
	Target       TargetRef    `json:"target"`
	Params       ActionParams `json:"params"`
	Status       ActionStatus `json:"status"`
	Result       string       `json:"result,omitempty"`
	HypothesisID string       `json:"hypothesis_id,omitempty"`
	Escalation   bool         `json:"escalation,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// UnmarshalJSON decodes the params variant using the type tag.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var raw struct {
		alias
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Action(raw.alias)
	if len(raw.Params) == 0 || string(raw.Params) == "null" {
		a.Params = nil
		return nil
	}
	params, err := DecodeActionParams(a.Type, raw.Params)
	if err != nil {
		return err
	}
	a.Params = params
	return nil
}

// RemediationAttempt is one entry of an escalation trace.
type RemediationAttempt struct {
	ActionType ActionType    `json:"action_type"`
	ActionID   string        `json:"action_id,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Message    string        `json:"message"`
	Verified   bool          `json:"verified"`
}

// TierSkip records why a tier was not attempted.
type TierSkip struct {
	ActionType ActionType `json:"action_type"`
	Reason     string     `json:"reason"`
}
