package engine

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Reasoning budgets in tokens, by average evidence confidence.
const (
	BudgetDeep     = 16000
	BudgetStandard = 8000
	BudgetBrief    = 4000
)

// ReasoningBudget sizes the reasoning depth from the average confidence of
// the evidence that carries one. Weak or absent confidence buys the deepest
// analysis.
func ReasoningBudget(evidence []types.Evidence) int {
	var sum float64
	n := 0
	for _, ev := range evidence {
		if ev.Confidence != nil {
			sum += *ev.Confidence
			n++
		}
	}
	if n == 0 {
		return BudgetDeep
	}
	switch avg := sum / float64(n); {
	case avg < 0.5:
		return BudgetDeep
	case avg < 0.7:
		return BudgetStandard
	default:
		return BudgetBrief
	}
}

// orient correlates the evidence gathered so far. It only enriches the
// context; a failed log-pattern analysis is skipped.
func (o *Orchestrator) orient(ctx context.Context) {
	snap := o.sm.Snapshot()
	inc := snap.Incident

	if o.deps.Reasoning != nil {
		var logs []types.Evidence
		for _, ev := range snap.Evidence {
			if ev.Type == types.EvidenceLog && ev.Source != "reasoning" {
				logs = append(logs, ev)
			}
		}
		if len(logs) > 0 {
			callCtx, cancel := o.callContext(ctx)
			patterns, err := o.deps.Reasoning.AnalyzeLogs(callCtx, inc.ID, logs, snap.ReasoningToken)
			cancel()
			if err != nil {
				o.collaboratorFailed("reasoning.analyze_logs", err)
			}
			for _, p := range patterns {
				ev := o.newEvidence("reasoning", types.LogContent{Pattern: p.Pattern, Count: p.Occurrences}, p.Confidence)
				if err := o.sm.AddEvidence(ctx, ev); err != nil {
					break
				}
				snap.Evidence = append(snap.Evidence, ev)
			}
		}
	}

	o.orientation = o.deps.Correlator.Analyze(inc, snap.Evidence)
	o.insight(ctx, "correlation", "causal confidence %.2f over %d evidence items, %d signals",
		o.orientation.Score, len(snap.Evidence), len(o.orientation.Signals))
	o.advance(ctx, types.PhaseDeciding)
}

// decide generates hypotheses and confirms the strongest one.
func (o *Orchestrator) decide(ctx context.Context) {
	snap := o.sm.Snapshot()
	inc := snap.Incident

	if o.deps.Reasoning == nil {
		o.fail(ctx, "no reasoning collaborator configured")
		return
	}

	// Resumed runs enter here without a fresh Orient pass.
	if o.orientation.Summary == "" {
		o.orientation = o.deps.Correlator.Analyze(inc, snap.Evidence)
	}

	matches := o.matchPatterns(ctx, o.orientation.Signals)
	budget := ReasoningBudget(snap.Evidence)

	req := contracts.HypothesisRequest{
		IncidentID:      inc.ID,
		Evidence:        snap.Evidence,
		PriorHypotheses: snap.Hypotheses,
		ReasoningToken:  snap.ReasoningToken,
		Budget:          budget,
		AllowedActions:  o.cfg.AllowedActions,
		CausalSummary:   o.orientation.Summary,
		MatchedPatterns: matches,
		Hints:           o.sm.TakeHints(),
	}
	callCtx, cancel := o.callContext(ctx)
	res, err := o.deps.Reasoning.GenerateHypotheses(callCtx, req)
	cancel()
	if err != nil {
		o.collaboratorFailed("reasoning.generate_hypotheses", err)
		o.fail(ctx, fmt.Sprintf("hypothesis generation failed: %v", err))
		return
	}
	if res == nil || len(res.Hypotheses) == 0 {
		o.fail(ctx, "no hypothesis available")
		return
	}
	o.sm.SetReasoningToken(res.ReasoningToken)

	best := -1
	added := make([]types.Hypothesis, 0, len(res.Hypotheses))
	for _, h := range res.Hypotheses {
		if h.ID == "" {
			h.ID = o.deps.NewID()
		}
		h.Status = types.HypothesisProposed
		h.Confidence = o.boost(h, matches)
		if err := o.sm.AddHypothesis(ctx, h); err != nil {
			o.deps.Logger.Debug("hypothesis dropped", zap.String("incident_id", inc.ID), zap.Error(err))
			continue
		}
		added = append(added, h)
		if best < 0 || h.Confidence > added[best].Confidence {
			best = len(added) - 1
		}
	}
	if best < 0 {
		o.fail(ctx, "no hypothesis available")
		return
	}

	chosen := added[best]
	if _, err := o.sm.ConfirmHypothesis(ctx, chosen.ID); err != nil {
		o.fail(ctx, fmt.Sprintf("confirm hypothesis: %v", err))
		return
	}
	how := "confirmed"
	if chosen.Confidence < o.cfg.ConfirmThreshold {
		how = "promoted below threshold"
	}
	o.insight(ctx, "decision", "%s %q (confidence %.2f, action %s, budget %d, %d pattern matches)",
		how, chosen.Title, chosen.Confidence, chosen.SuggestedAction, budget, len(matches))
	o.deps.Logger.Info("hypothesis selected",
		zap.String("incident_id", inc.ID),
		zap.String("hypothesis_id", chosen.ID),
		zap.Float64("confidence", chosen.Confidence),
		zap.String("action", string(chosen.SuggestedAction)),
		zap.String("selection", how),
	)
	o.advance(ctx, types.PhaseActing)
}

func (o *Orchestrator) matchPatterns(ctx context.Context, signals []string) []contracts.PatternMatch {
	if o.deps.Knowledge == nil || len(signals) == 0 {
		return nil
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	matches, err := o.deps.Knowledge.FindMatchingPatterns(callCtx, signals, contracts.PatternQuery{
		MinScore:   o.cfg.KnowledgeMinScore,
		MaxResults: o.cfg.KnowledgeMaxResults,
	})
	if err != nil {
		o.collaboratorFailed("knowledge", err)
		return nil
	}
	return matches
}

// boost raises a hypothesis whose suggested action a matched pattern
// recommends, scaled by the best such match score.
func (o *Orchestrator) boost(h types.Hypothesis, matches []contracts.PatternMatch) float64 {
	conf := clamp01(h.Confidence)
	var score float64
	for _, m := range matches {
		if slices.Contains(m.RecommendedActions, h.SuggestedAction) && m.Score > score {
			score = m.Score
		}
	}
	return clamp01(conf + o.cfg.PatternBoost*score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
