package contracts

// Package contracts defines the collaborator contracts the investigation core
// consumes. Implementations live outside the core (internal/integration/...,
// internal/knowledge, internal/db) or in other services.

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ─── Reasoning ────────────────────────────────────────────────────────────────

// Frame is one captured dashboard image.
type Frame struct {
	Panel      string    `json:"panel"`
	MimeType   string    `json:"mime_type"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// VisualAnomaly is one anomaly reported by frame analysis.
type VisualAnomaly struct {
	Description string         `json:"description"`
	Severity    types.Severity `json:"severity"`
	Panel       string         `json:"panel,omitempty"`
	Confidence  float64        `json:"confidence"`
}

// FrameAnalysis is the result of analyzeFrames.
type FrameAnalysis struct {
	Anomalies      []VisualAnomaly    `json:"anomalies"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	DashboardState string             `json:"dashboard_state,omitempty"`
	ReasoningToken string             `json:"reasoning_token,omitempty"`
}

// HypothesisRequest carries everything the hypothesis generator needs.
type HypothesisRequest struct {
	IncidentID      string             `json:"incident_id"`
	Evidence        []types.Evidence   `json:"evidence"`
	PriorHypotheses []types.Hypothesis `json:"prior_hypotheses,omitempty"`
	ReasoningToken  string             `json:"reasoning_token,omitempty"`
	Budget          int                `json:"budget"`
	AllowedActions  []types.ActionType `json:"allowed_actions"`
	CausalSummary   string             `json:"causal_summary,omitempty"`
	MatchedPatterns []PatternMatch     `json:"matched_patterns,omitempty"`
	Hints           []string           `json:"hints,omitempty"`
}

// HypothesisResult is the result of generateHypotheses.
type HypothesisResult struct {
	Hypotheses     []types.Hypothesis `json:"hypotheses"`
	ReasoningToken string             `json:"reasoning_token,omitempty"`
}

// LogPattern is a recurring pattern extracted by the reasoning collaborator.
type LogPattern struct {
	Pattern     string  `json:"pattern"`
	Occurrences int     `json:"occurrences"`
	Confidence  float64 `json:"confidence"`
}

// Reasoning is the AI reasoning collaborator.
type Reasoning interface {
	AnalyzeFrames(ctx context.Context, incidentID string, frames []Frame, reasoningToken string) (*FrameAnalysis, error)
	GenerateHypotheses(ctx context.Context, req HypothesisRequest) (*HypothesisResult, error)
	AnalyzeLogs(ctx context.Context, incidentID string, evidence []types.Evidence, reasoningToken string) ([]LogPattern, error)
}

// FrameSource captures dashboard frames for an incident.
type FrameSource interface {
	Capture(ctx context.Context, target types.TargetRef) ([]Frame, error)
}

// ─── Evidence ingestion ───────────────────────────────────────────────────────

// LogError is a grouped error pattern.
type LogError struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
	Sample  string `json:"sample"`
}

// LogSpike is a pattern whose rate jumped.
type LogSpike struct {
	Pattern string  `json:"pattern"`
	Rate    float64 `json:"rate"` // lines per minute
}

// LogAnalysis is the output of the log parser.
type LogAnalysis struct {
	Errors  []LogError `json:"errors"`
	Spikes  []LogSpike `json:"spikes"`
	Summary string     `json:"summary"`
}

// LogSource fetches raw log lines for a target.
type LogSource interface {
	FetchLogs(ctx context.Context, target types.TargetRef, since time.Time) ([]string, error)
}

// LogParser turns raw log lines into grouped errors and spikes.
type LogParser interface {
	Analyze(rawLogs []string) (*LogAnalysis, error)
}

// MetricSummary is one processed metric.
type MetricSummary struct {
	Current      float64 `json:"current"`
	Average      float64 `json:"avg"`
	Trend        string  `json:"trend"` // "rising" | "falling" | "flat"
	AnomalyScore float64 `json:"anomaly_score"`
}

// MetricProcessor returns processed metrics for a target over a window.
type MetricProcessor interface {
	GetMetrics(ctx context.Context, target types.TargetRef, window time.Duration) (map[string]MetricSummary, error)
}

// RawEvent is an unparsed cluster event as fetched from the source.
type RawEvent struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Object    string    `json:"object"`
	Message   string    `json:"message"`
	Count     int32     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ClusterEvent is a parsed cluster event.
type ClusterEvent struct {
	Warning   bool      `json:"warning"`
	Reason    string    `json:"reason"`
	Object    string    `json:"object"`
	Message   string    `json:"message"`
	Count     int32     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSource fetches raw cluster events for a target.
type EventSource interface {
	FetchEvents(ctx context.Context, target types.TargetRef, since time.Time) ([]RawEvent, error)
}

// EventStream parses events and picks out likely incident triggers.
type EventStream interface {
	ParseEvents(raw []RawEvent) []ClusterEvent
	FindTriggers(events []ClusterEvent, since time.Time) []ClusterEvent
}

// ─── Execution ────────────────────────────────────────────────────────────────

// ExecutionResult is the outcome of an operational action.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Executor runs rollback, restart and scale actions. Code fixes go to FixCycle.
type Executor interface {
	Execute(ctx context.Context, req types.ActionRequest) (*ExecutionResult, error)
}

// Revision is one deployment revision.
type Revision struct {
	Number    int64     `json:"number"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current"`
}

// RevisionSource exposes deployment revision metadata.
type RevisionSource interface {
	Revisions(ctx context.Context, target types.TargetRef) ([]Revision, error)
}

// RolloutWaiter blocks until the target's rollout has stabilised.
type RolloutWaiter interface {
	WaitForRollout(ctx context.Context, target types.TargetRef, timeout time.Duration) error
}

// ─── Fix cycle ────────────────────────────────────────────────────────────────

// FixStatus is the lifecycle of an external code fix.
type FixStatus string

const (
	FixPending    FixStatus = "pending"
	FixAnalyzing  FixStatus = "analyzing"
	FixGenerating FixStatus = "generating"
	FixReview     FixStatus = "review"
	FixApproved   FixStatus = "approved"
	FixApplied    FixStatus = "applied"
	FixRejected   FixStatus = "rejected"
	FixFailed     FixStatus = "failed"
	FixReverted   FixStatus = "reverted"
)

// IsTerminal reports whether the fix will not change status on its own.
func (s FixStatus) IsTerminal() bool {
	switch s {
	case FixApplied, FixRejected, FixFailed, FixReverted:
		return true
	}
	return false
}

// FixCycleResult is the outcome of running a full fix cycle.
type FixCycleResult struct {
	Success      bool     `json:"success"`
	FilesUpdated []string `json:"files_updated,omitempty"`
}

// RedeployResult is the outcome of a redeploy request.
type RedeployResult struct {
	Success    bool   `json:"success"`
	ServiceURL string `json:"service_url,omitempty"`
}

// FixCycle is the external, possibly human-gated, code-change process.
type FixCycle interface {
	RequestFix(ctx context.Context, targetCycleID, prompt string) (string, error)
	GetStatus(ctx context.Context, fixID string) (FixStatus, error)
	RunFullCycle(ctx context.Context, fixID string) (*FixCycleResult, error)
	TriggerRedeploy(ctx context.Context, fixID string) (*RedeployResult, error)
}

// ─── Knowledge base ───────────────────────────────────────────────────────────

// PatternQuery bounds a knowledge-base lookup.
type PatternQuery struct {
	MinScore   float64  `json:"min_score"`
	MaxResults int      `json:"max_results"`
	Types      []string `json:"types,omitempty"`
}

// PatternMatch is a prior pattern that matches the current signals.
type PatternMatch struct {
	Name               string             `json:"name"`
	Type               string             `json:"type"`
	Score              float64            `json:"score"`
	RecommendedActions []types.ActionType `json:"recommended_actions"`
	TriggerConditions  []string           `json:"trigger_conditions"`
}

// KnowledgeBase finds prior patterns matching a set of signals.
type KnowledgeBase interface {
	FindMatchingPatterns(ctx context.Context, signals []string, q PatternQuery) ([]PatternMatch, error)
}

// ─── Audit / persistence ──────────────────────────────────────────────────────

// TimelineEvent is one phase transition or insight on the incident timeline.
type TimelineEvent struct {
	IncidentID string    `json:"incident_id"`
	Kind       string    `json:"kind"`
	Phase      string    `json:"phase"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditSink is the append-only persistence for an investigation.
type AuditSink interface {
	SaveIncident(ctx context.Context, inc *types.Incident) error
	AppendEvidence(ctx context.Context, incidentID string, ev types.Evidence) error
	AppendHypothesis(ctx context.Context, incidentID string, h types.Hypothesis) error
	AppendAction(ctx context.Context, incidentID string, a types.Action) error
	AppendTimeline(ctx context.Context, ev TimelineEvent) error
}

// ─── Status probe / rollback decision ─────────────────────────────────────────

// StatusReport is the result of a lightweight health query.
type StatusReport struct {
	Healthy      bool     `json:"healthy"`
	ActiveFaults []string `json:"active_faults"`
}

// StatusProbe queries the target's own fault status.
type StatusProbe interface {
	Status(ctx context.Context, target types.TargetRef) (*StatusReport, error)
}

// RollbackAdvice is the advisory output of the rollback decision collaborator.
type RollbackAdvice struct {
	Recommended bool   `json:"recommended"`
	Reason      string `json:"reason"`
}

// RollbackDecider evaluates whether an immediate rollback is warranted.
type RollbackDecider interface {
	Evaluate(ctx context.Context, action types.Action, verdict types.Verdict) (*RollbackAdvice, error)
}
