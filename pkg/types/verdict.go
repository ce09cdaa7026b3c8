package types

import "time"

// VerificationSignal names the signal that decided a verdict.
type VerificationSignal string

const (
	SignalStatusProbe VerificationSignal = "status_probe"
	SignalTraffic     VerificationSignal = "traffic"
	SignalFrames      VerificationSignal = "frames"
	SignalEvolution   VerificationSignal = "evolution"
	SignalNone        VerificationSignal = "none"
)

// Verdict is the outcome of one verification run. It is consumed immediately;
// only Detail is persisted as the audit record of why.
type Verdict struct {
	Passed     bool               `json:"passed"`
	Detail     string             `json:"detail"`
	Confidence float64            `json:"confidence"`
	Signal     VerificationSignal `json:"signal"`

	// ErrorRate is the synthetic-traffic error ratio when one was measured, -1 otherwise.
	ErrorRate float64 `json:"error_rate"`

	// AwaitingApproval distinguishes "nobody approved the fix" from a failed fix.
	AwaitingApproval bool       `json:"awaiting_approval,omitempty"`
	FixStatus        string     `json:"fix_status,omitempty"`
	FixAppliedAt     *time.Time `json:"fix_applied_at,omitempty"`
}
