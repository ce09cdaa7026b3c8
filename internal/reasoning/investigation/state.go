package investigation

import (
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Package investigation holds the phase state machine of one incident
// investigation and the working set (Context) it owns.
//
// Phase graph:
//
//   IDLE → OBSERVING → ORIENTING → DECIDING → ACTING → VERIFYING
//                 ↑                                        │
//                 └──────────── retry loop ────────────────┘
//
//   Any active phase → DONE | FAILED. DONE and FAILED are absorbing.
//
// The Context is mutated only through StateMachine methods. Every append is
// mirrored to the audit sink, the audit logger and the notification bus.
// An illegal transition is a programming error and panics with a
// *TransitionError.

var (
	// ErrAlreadyActive is returned by Start and Resume while an investigation is running.
	ErrAlreadyActive = errors.New("investigation already active")

	// ErrNotActive is returned by mutators when no investigation is running.
	ErrNotActive = errors.New("investigation not active")

	// ErrTerminalResume is returned when asked to resume at DONE or FAILED.
	ErrTerminalResume = errors.New("cannot resume a terminal phase")

	// ErrHypothesisNotFound is returned by ConfirmHypothesis for an unknown ID.
	ErrHypothesisNotFound = errors.New("hypothesis not found")

	// ErrActionNotFound is returned by CompleteAction for an unknown ID.
	ErrActionNotFound = errors.New("action not found")
)

// TransitionError is the panic value of an illegal phase transition.
type TransitionError struct {
	IncidentID string
	From       types.Phase
	To         types.Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition for incident %s: %s → %s", e.IncidentID, e.From, e.To)
}

// validTransitions lists the non-terminal edges. Edges to DONE and FAILED
// are added for every active phase in CanTransition.
var validTransitions = map[types.Phase][]types.Phase{
	types.PhaseIdle:      {types.PhaseObserving},
	types.PhaseObserving: {types.PhaseOrienting},
	types.PhaseOrienting: {types.PhaseDeciding},
	types.PhaseDeciding:  {types.PhaseActing},
	types.PhaseActing:    {types.PhaseVerifying},
	types.PhaseVerifying: {types.PhaseObserving},
	types.PhaseDone:      {},
	types.PhaseFailed:    {},
}

// CanTransition reports whether from → to is an edge of the phase graph.
func CanTransition(from, to types.Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return from.IsActive()
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Context is the mutable working set of one investigation run.
type Context struct {
	Incident       types.Incident     `json:"incident"`
	Evidence       []types.Evidence   `json:"evidence"`
	Hypotheses     []types.Hypothesis `json:"hypotheses"`
	Actions        []types.Action     `json:"actions"`
	ReasoningToken string             `json:"reasoning_token,omitempty"`

	VerificationRetries int `json:"verification_retries"`
	MaxRetries          int `json:"max_retries"`

	// Hints carry advisory findings (rollback advice) into the next Decide.
	Hints []string `json:"hints,omitempty"`
}

// ConfirmedHypothesis returns the confirmed hypothesis, if any.
func (c Context) ConfirmedHypothesis() (types.Hypothesis, bool) {
	for i := len(c.Hypotheses) - 1; i >= 0; i-- {
		if c.Hypotheses[i].Status == types.HypothesisConfirmed {
			return c.Hypotheses[i], true
		}
	}
	return types.Hypothesis{}, false
}

// LastAction returns the most recent action, if any.
func (c Context) LastAction() (types.Action, bool) {
	if len(c.Actions) == 0 {
		return types.Action{}, false
	}
	return c.Actions[len(c.Actions)-1], true
}

func (c *Context) clone() Context {
	out := *c
	out.Evidence = append([]types.Evidence(nil), c.Evidence...)
	out.Hypotheses = make([]types.Hypothesis, len(c.Hypotheses))
	for i, h := range c.Hypotheses {
		h.EvidenceRefs = append([]string(nil), h.EvidenceRefs...)
		out.Hypotheses[i] = h
	}
	out.Actions = append([]types.Action(nil), c.Actions...)
	out.Hints = append([]string(nil), c.Hints...)
	if c.Incident.FixAppliedAt != nil {
		t := *c.Incident.FixAppliedAt
		out.Incident.FixAppliedAt = &t
	}
	if c.Incident.ResolvedAt != nil {
		t := *c.Incident.ResolvedAt
		out.Incident.ResolvedAt = &t
	}
	return out
}

// History is the persisted part of a Context used to resume after restart.
type History struct {
	Evidence       []types.Evidence
	Hypotheses     []types.Hypothesis
	Actions        []types.Action
	ReasoningToken string
}
