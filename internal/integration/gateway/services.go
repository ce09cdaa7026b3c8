package gateway

import (
	"context"
	"net/url"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	_ contracts.Reasoning   = (*ReasoningClient)(nil)
	_ contracts.FrameSource = (*ReasoningClient)(nil)
	_ contracts.FixCycle    = (*FixCycleClient)(nil)
	_ contracts.StatusProbe = (*StatusClient)(nil)
)

// ─── Reasoning ────────────────────────────────────────────────────────────────

// ReasoningClient calls the AI reasoning service.
type ReasoningClient struct{ http *httpJSON }

// NewReasoningClient returns nil when cfg has no reasoning URL.
func NewReasoningClient(cfg Config) *ReasoningClient {
	if cfg.ReasoningURL == "" {
		return nil
	}
	return &ReasoningClient{http: newHTTPJSON(cfg.ReasoningURL, cfg.Timeout)}
}

type framesRequest struct {
	IncidentID     string            `json:"incident_id"`
	Frames         []contracts.Frame `json:"frames"`
	ReasoningToken string            `json:"reasoning_token,omitempty"`
}

// AnalyzeFrames posts captured frames for visual analysis.
func (c *ReasoningClient) AnalyzeFrames(ctx context.Context, incidentID string, frames []contracts.Frame, token string) (*contracts.FrameAnalysis, error) {
	var out contracts.FrameAnalysis
	if err := c.http.post(ctx, "/v1/frames/analyze", framesRequest{incidentID, frames, token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateHypotheses asks for ranked root-cause hypotheses.
func (c *ReasoningClient) GenerateHypotheses(ctx context.Context, req contracts.HypothesisRequest) (*contracts.HypothesisResult, error) {
	var out contracts.HypothesisResult
	if err := c.http.post(ctx, "/v1/hypotheses", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type logsRequest struct {
	IncidentID     string           `json:"incident_id"`
	Evidence       []types.Evidence `json:"evidence"`
	ReasoningToken string           `json:"reasoning_token,omitempty"`
}

type logsResponse struct {
	Patterns []contracts.LogPattern `json:"patterns"`
}

// AnalyzeLogs asks for recurring patterns across log evidence.
func (c *ReasoningClient) AnalyzeLogs(ctx context.Context, incidentID string, evidence []types.Evidence, token string) ([]contracts.LogPattern, error) {
	var out logsResponse
	if err := c.http.post(ctx, "/v1/logs/analyze", logsRequest{incidentID, evidence, token}, &out); err != nil {
		return nil, err
	}
	return out.Patterns, nil
}

type captureResponse struct {
	Frames []contracts.Frame `json:"frames"`
}

// Capture asks the reasoning service to render the target's dashboards.
func (c *ReasoningClient) Capture(ctx context.Context, target types.TargetRef) ([]contracts.Frame, error) {
	var out captureResponse
	if err := c.http.post(ctx, "/v1/frames/capture", target, &out); err != nil {
		return nil, err
	}
	return out.Frames, nil
}

// ─── Fix cycle ────────────────────────────────────────────────────────────────

// FixCycleClient calls the code fix-cycle service.
type FixCycleClient struct{ http *httpJSON }

// NewFixCycleClient returns nil when cfg has no fix-cycle URL.
func NewFixCycleClient(cfg Config) *FixCycleClient {
	if cfg.FixCycleURL == "" {
		return nil
	}
	return &FixCycleClient{http: newHTTPJSON(cfg.FixCycleURL, cfg.Timeout)}
}

type fixRequest struct {
	TargetCycleID string `json:"target_cycle_id"`
	Prompt        string `json:"prompt"`
}

type fixResponse struct {
	FixID  string              `json:"fix_id"`
	Status contracts.FixStatus `json:"status,omitempty"`
}

// RequestFix opens a fix and returns its ID.
func (c *FixCycleClient) RequestFix(ctx context.Context, targetCycleID, prompt string) (string, error) {
	var out fixResponse
	if err := c.http.post(ctx, "/v1/fixes", fixRequest{targetCycleID, prompt}, &out); err != nil {
		return "", err
	}
	return out.FixID, nil
}

// GetStatus returns the fix's lifecycle status.
func (c *FixCycleClient) GetStatus(ctx context.Context, fixID string) (contracts.FixStatus, error) {
	var out fixResponse
	if err := c.http.get(ctx, "/v1/fixes/"+url.PathEscape(fixID), &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// RunFullCycle drives the fix through generation, review and apply.
func (c *FixCycleClient) RunFullCycle(ctx context.Context, fixID string) (*contracts.FixCycleResult, error) {
	var out contracts.FixCycleResult
	if err := c.http.post(ctx, "/v1/fixes/"+url.PathEscape(fixID)+"/cycle", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerRedeploy redeploys the service with the applied fix.
func (c *FixCycleClient) TriggerRedeploy(ctx context.Context, fixID string) (*contracts.RedeployResult, error) {
	var out contracts.RedeployResult
	if err := c.http.post(ctx, "/v1/fixes/"+url.PathEscape(fixID)+"/redeploy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Status probe ─────────────────────────────────────────────────────────────

// StatusClient queries a target's self-reported fault status.
type StatusClient struct{ http *httpJSON }

// NewStatusClient returns nil when cfg has no status URL.
func NewStatusClient(cfg Config) *StatusClient {
	if cfg.StatusURL == "" {
		return nil
	}
	return &StatusClient{http: newHTTPJSON(cfg.StatusURL, cfg.Timeout)}
}

// Status returns the target's health and active faults.
func (c *StatusClient) Status(ctx context.Context, target types.TargetRef) (*contracts.StatusReport, error) {
	q := url.Values{}
	q.Set("namespace", target.Namespace)
	q.Set("kind", target.Kind)
	q.Set("name", target.Name)
	var out contracts.StatusReport
	if err := c.http.get(ctx, "/v1/status?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
