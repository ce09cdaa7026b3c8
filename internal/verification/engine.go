package verification

// Package verification decides whether a remediation worked.
//
// Signals are consulted in a fixed order and the first decisive one wins:
//
//   1. status probe   known active faults fail immediately
//   2. traffic        synthetic error ratio vs. threshold (the definitive signal)
//   3. frames         only when traffic could not be measured
//
// A code fix linked to the incident overrides all three: while the fix is in
// flight verification cannot pass. The engine polls the fix until it is
// terminal or the fix timeout elapses, waits for the rollout of an applied
// fix and re-measures traffic as the final word.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// TrafficMeter measures synthetic traffic error rates. *Prober implements it.
type TrafficMeter interface {
	Measure(ctx context.Context, target types.TargetRef) (Measurement, error)
	Last(target types.TargetRef, maxAge time.Duration) (Measurement, bool)
}

// Config holds the decision thresholds and time budgets.
type Config struct {
	ErrorRateThreshold float64
	CallTimeout        time.Duration
	FrameAttempts      int
	FrameBackoff       time.Duration
	FixTimeout         time.Duration
	FixPollInterval    time.Duration
	RecentFixWindow    time.Duration
	RolloutTimeout     time.Duration
	MeasurementReuse   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold: 0.05,
		CallTimeout:        30 * time.Second,
		FrameAttempts:      3,
		FrameBackoff:       2 * time.Second,
		FixTimeout:         10 * time.Minute,
		FixPollInterval:    10 * time.Second,
		RecentFixWindow:    5 * time.Minute,
		RolloutTimeout:     5 * time.Minute,
		MeasurementReuse:   15 * time.Second,
	}
}

// Deps are the collaborators the engine consults. Any of them may be nil;
// a missing collaborator is a signal that cannot be measured.
type Deps struct {
	Status    contracts.StatusProbe
	Traffic   TrafficMeter
	Frames    contracts.FrameSource
	Reasoning contracts.Reasoning
	FixCycle  contracts.FixCycle
	Rollout   contracts.RolloutWaiter
	Logger    *zap.Logger

	// Sleep waits between polls and frame retries. Defaults to a
	// context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Request is one verification run.
type Request struct {
	Incident       types.Incident
	ReasoningToken string

	// ReuseMeasurement allows a cached traffic measurement younger than
	// MeasurementReuse. The evolution path always measures fresh.
	ReuseMeasurement bool

	// MeasuredAfter rejects cached measurements taken at or before this
	// instant. Zero accepts any cached measurement inside the window.
	MeasuredAfter time.Time
}

// Engine is the verification decision engine.
type Engine struct {
	cfg  Config
	deps Deps
}

// NewEngine creates a verification engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FrameAttempts <= 0 {
		cfg.FrameAttempts = def.FrameAttempts
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = def.FixTimeout
	}
	if cfg.FixPollInterval <= 0 {
		cfg.FixPollInterval = def.FixPollInterval
	}
	if cfg.RecentFixWindow <= 0 {
		cfg.RecentFixWindow = def.RecentFixWindow
	}
	if cfg.RolloutTimeout <= 0 {
		cfg.RolloutTimeout = def.RolloutTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{cfg: cfg, deps: deps}
}

// Threshold returns the configured error-rate threshold.
func (e *Engine) Threshold() float64 {
	return e.cfg.ErrorRateThreshold
}

// Verify produces a verdict for the incident's latest remediation.
func (e *Engine) Verify(ctx context.Context, req Request) types.Verdict {
	var v types.Verdict
	if fixID := req.Incident.FixCycleID; fixID != "" && e.deps.FixCycle != nil {
		if ev, active := e.verifyEvolution(ctx, req, fixID); active {
			v = ev
		} else {
			v = e.verifySignals(ctx, req, req.ReuseMeasurement)
		}
	} else {
		v = e.verifySignals(ctx, req, req.ReuseMeasurement)
	}

	metrics.VerificationVerdictsTotal.WithLabelValues(string(v.Signal), metrics.ResultLabel(v.Passed)).Inc()
	e.deps.Logger.Info("verification verdict",
		zap.String("incident_id", req.Incident.ID),
		zap.Bool("passed", v.Passed),
		zap.String("signal", string(v.Signal)),
		zap.String("detail", v.Detail),
	)
	return v
}

// QuickCheck measures fresh traffic and compares it with the threshold. It
// backs the escalation engine's per-tier check.
func (e *Engine) QuickCheck(ctx context.Context, target types.TargetRef) (Measurement, bool, error) {
	if e.deps.Traffic == nil {
		return Measurement{}, false, ErrNoTraffic
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	m, err := e.deps.Traffic.Measure(callCtx, target)
	if err != nil {
		return Measurement{}, false, err
	}
	return m, m.ErrorRate <= e.cfg.ErrorRateThreshold, nil
}

// verifyEvolution handles a linked fix. It reports active=false when the fix
// was applied long enough ago that normal signals apply again.
func (e *Engine) verifyEvolution(ctx context.Context, req Request, fixID string) (types.Verdict, bool) {
	inc := req.Incident
	status, err := e.fixStatus(ctx, fixID)
	if err != nil {
		e.deps.Logger.Warn("fix status unavailable", zap.String("fix_id", fixID), zap.Error(err))
	}

	if status == contracts.FixApplied && inc.FixAppliedAt != nil &&
		e.deps.Now().Sub(*inc.FixAppliedAt) > e.cfg.RecentFixWindow {
		return types.Verdict{}, false
	}

	if !status.IsTerminal() {
		status, err = e.pollFix(ctx, fixID, status)
		if errors.Is(err, errFixTimeout) {
			return types.Verdict{
				Passed:           false,
				Signal:           types.SignalEvolution,
				ErrorRate:        -1,
				AwaitingApproval: true,
				FixStatus:        string(status),
				Detail: fmt.Sprintf("awaiting approval, timed out after %s (fix %s is %s)",
					e.cfg.FixTimeout, fixID, statusLabel(status)),
			}, true
		}
		if err != nil {
			return types.Verdict{
				Passed:    false,
				Signal:    types.SignalEvolution,
				ErrorRate: -1,
				FixStatus: string(status),
				Detail:    fmt.Sprintf("verification interrupted while waiting for fix %s: %v", fixID, err),
			}, true
		}
	}

	if status != contracts.FixApplied {
		return types.Verdict{
			Passed:    false,
			Signal:    types.SignalEvolution,
			ErrorRate: -1,
			FixStatus: string(status),
			Detail:    fmt.Sprintf("code fix %s ended %s", fixID, status),
		}, true
	}

	appliedAt := inc.FixAppliedAt
	if appliedAt == nil {
		now := e.deps.Now()
		appliedAt = &now
	}

	if e.deps.Rollout != nil {
		rolloutCtx, cancel := context.WithTimeout(ctx, e.cfg.RolloutTimeout)
		err := e.deps.Rollout.WaitForRollout(rolloutCtx, inc.Target, e.cfg.RolloutTimeout)
		cancel()
		if err != nil {
			return types.Verdict{
				Passed:       false,
				Signal:       types.SignalEvolution,
				ErrorRate:    -1,
				FixStatus:    string(status),
				FixAppliedAt: appliedAt,
				Detail:       fmt.Sprintf("code fix %s applied but rollout did not stabilise: %v", fixID, err),
			}, true
		}
	}

	v := e.verifySignals(ctx, req, false)
	v.FixStatus = string(status)
	v.FixAppliedAt = appliedAt
	v.Detail = fmt.Sprintf("code fix %s applied and rolled out; %s", fixID, v.Detail)
	return v, true
}

var errFixTimeout = errors.New("fix timeout")

// pollFix polls until the fix is terminal. The fix timeout is a hard ceiling.
func (e *Engine) pollFix(ctx context.Context, fixID string, status contracts.FixStatus) (contracts.FixStatus, error) {
	deadline := e.deps.Now().Add(e.cfg.FixTimeout)
	for !status.IsTerminal() {
		remaining := deadline.Sub(e.deps.Now())
		if remaining <= 0 {
			return status, errFixTimeout
		}
		wait := e.cfg.FixPollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := e.deps.Sleep(ctx, wait); err != nil {
			return status, err
		}
		next, err := e.fixStatus(ctx, fixID)
		if err != nil {
			e.deps.Logger.Warn("fix status poll failed", zap.String("fix_id", fixID), zap.Error(err))
			continue
		}
		status = next
	}
	return status, nil
}

func (e *Engine) fixStatus(ctx context.Context, fixID string) (contracts.FixStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	status, err := e.deps.FixCycle.GetStatus(callCtx, fixID)
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("fix_cycle").Inc()
		return "", err
	}
	return status, nil
}

// verifySignals runs status probe, traffic and frames in order.
func (e *Engine) verifySignals(ctx context.Context, req Request, reuse bool) types.Verdict {
	target := req.Incident.Target

	if e.deps.Status != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		report, err := e.deps.Status.Status(callCtx, target)
		cancel()
		switch {
		case err != nil:
			metrics.CollaboratorFailuresTotal.WithLabelValues("status_probe").Inc()
			e.deps.Logger.Warn("status probe failed", zap.String("target", target.Key()), zap.Error(err))
		case len(report.ActiveFaults) > 0:
			return types.Verdict{
				Passed:     false,
				Signal:     types.SignalStatusProbe,
				Confidence: 0.9,
				ErrorRate:  -1,
				Detail:     "status probe reports active faults: " + strings.Join(report.ActiveFaults, ", "),
			}
		}
	}

	if m, ok := e.measure(ctx, target, reuse, req.MeasuredAfter); ok {
		passed := m.ErrorRate <= e.cfg.ErrorRateThreshold
		detail := fmt.Sprintf("synthetic error rate %.1f%% (%d/%d) within %.1f%% threshold",
			m.ErrorRate*100, m.Errors, m.Total, e.cfg.ErrorRateThreshold*100)
		if !passed {
			detail = fmt.Sprintf("synthetic error rate %.1f%% (%d/%d) exceeds %.1f%% threshold",
				m.ErrorRate*100, m.Errors, m.Total, e.cfg.ErrorRateThreshold*100)
		}
		return types.Verdict{
			Passed:     passed,
			Signal:     types.SignalTraffic,
			Confidence: 0.95,
			ErrorRate:  m.ErrorRate,
			Detail:     detail,
		}
	}

	if v, ok := e.verifyFrames(ctx, req); ok {
		return v
	}

	return types.Verdict{
		Passed:    false,
		Signal:    types.SignalNone,
		ErrorRate: -1,
		Detail:    "no verification signal available",
	}
}

func (e *Engine) measure(ctx context.Context, target types.TargetRef, reuse bool, since time.Time) (Measurement, bool) {
	if e.deps.Traffic == nil {
		return Measurement{}, false
	}
	if reuse {
		if m, ok := e.deps.Traffic.Last(target, e.cfg.MeasurementReuse); ok && (since.IsZero() || m.MeasuredAt.After(since)) {
			return m, true
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	m, err := e.deps.Traffic.Measure(callCtx, target)
	if err != nil {
		if !errors.Is(err, ErrNoTraffic) {
			metrics.CollaboratorFailuresTotal.WithLabelValues("traffic_probe").Inc()
		}
		e.deps.Logger.Warn("synthetic traffic unavailable", zap.String("target", target.Key()), zap.Error(err))
		return Measurement{}, false
	}
	return m, true
}

// verifyFrames is the visual fallback, retried with linear backoff.
func (e *Engine) verifyFrames(ctx context.Context, req Request) (types.Verdict, bool) {
	if e.deps.Frames == nil || e.deps.Reasoning == nil {
		return types.Verdict{}, false
	}
	for attempt := 1; attempt <= e.cfg.FrameAttempts; attempt++ {
		analysis, err := e.analyzeFrames(ctx, req)
		if err == nil {
			var severe []string
			for _, a := range analysis.Anomalies {
				if a.Severity == types.SeverityCritical || a.Severity == types.SeverityHigh {
					severe = append(severe, fmt.Sprintf("%s (%s)", a.Description, a.Severity))
				}
			}
			if len(severe) > 0 {
				return types.Verdict{
					Passed:     false,
					Signal:     types.SignalFrames,
					Confidence: 0.6,
					ErrorRate:  -1,
					Detail:     "dashboard still shows anomalies: " + strings.Join(severe, "; "),
				}, true
			}
			return types.Verdict{
				Passed:     true,
				Signal:     types.SignalFrames,
				Confidence: 0.6,
				ErrorRate:  -1,
				Detail:     fmt.Sprintf("no critical or high anomalies in frame analysis (attempt %d)", attempt),
			}, true
		}
		metrics.CollaboratorFailuresTotal.WithLabelValues("frames").Inc()
		e.deps.Logger.Warn("frame verification attempt failed",
			zap.String("incident_id", req.Incident.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < e.cfg.FrameAttempts {
			if err := e.deps.Sleep(ctx, e.cfg.FrameBackoff*time.Duration(attempt)); err != nil {
				return types.Verdict{}, false
			}
		}
	}
	return types.Verdict{}, false
}

func (e *Engine) analyzeFrames(ctx context.Context, req Request) (*contracts.FrameAnalysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	frames, err := e.deps.Frames.Capture(callCtx, req.Incident.Target)
	if err != nil {
		return nil, fmt.Errorf("capture frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, errors.New("no frames captured")
	}
	analysis, err := e.deps.Reasoning.AnalyzeFrames(callCtx, req.Incident.ID, frames, req.ReasoningToken)
	if err != nil {
		return nil, fmt.Errorf("analyze frames: %w", err)
	}
	return analysis, nil
}

func statusLabel(s contracts.FixStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
