package types

// Package types defines the public data model shared between the responder
// core, its collaborators and API consumers.

import "time"

// Phase is a position in the investigation phase graph.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseObserving Phase = "OBSERVING"
	PhaseOrienting Phase = "ORIENTING"
	PhaseDeciding  Phase = "DECIDING"
	PhaseActing    Phase = "ACTING"
	PhaseVerifying Phase = "VERIFYING"
	PhaseDone      Phase = "DONE"
	PhaseFailed    Phase = "FAILED"
)

// IsTerminal reports whether the phase is absorbing.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// IsActive reports whether the phase belongs to a running investigation.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseObserving, PhaseOrienting, PhaseDeciding, PhaseActing, PhaseVerifying:
		return true
	}
	return false
}

// Severity of an incident or a visual anomaly.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// TargetRef identifies the workload an incident is about.
type TargetRef struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"` // "Deployment" unless stated otherwise
	Name      string `json:"name"`
}

// Key returns a stable identifier used for cross-investigation bookkeeping.
func (t TargetRef) Key() string {
	kind := t.Kind
	if kind == "" {
		kind = "Deployment"
	}
	return t.Namespace + "/" + kind + "/" + t.Name
}

// Incident is the subject of one investigation.
type Incident struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Severity Severity  `json:"severity"`
	Target   TargetRef `json:"target"`

	// ManagedApp marks generated/managed applications whose operational fixes
	// may only mask a code-level bug.
	ManagedApp bool `json:"managed_app"`

	Phase        Phase `json:"phase"`
	PhaseRetries int   `json:"phase_retries"`

	// FixCycleID links an external fix-cycle started for this incident.
	FixCycleID   string     `json:"fix_cycle_id,omitempty"`
	FixAppliedAt *time.Time `json:"fix_applied_at,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Namespace is a shorthand for the target namespace.
func (i *Incident) Namespace() string {
	return i.Target.Namespace
}

// HypothesisStatus is the review state of a hypothesis.
type HypothesisStatus string

const (
	HypothesisProposed  HypothesisStatus = "proposed"
	HypothesisConfirmed HypothesisStatus = "confirmed"
)

// Hypothesis is a candidate root cause.
type Hypothesis struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	RootCause       string           `json:"root_cause"`
	Confidence      float64          `json:"confidence"`
	Status          HypothesisStatus `json:"status"`
	SuggestedAction ActionType       `json:"suggested_action"`
	EvidenceRefs    []string         `json:"evidence_refs,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
