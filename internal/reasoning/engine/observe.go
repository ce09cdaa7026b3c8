package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Evidence confidence for sources that do not score themselves.
const (
	logErrorConfidence     = 0.6
	logSpikeConfidence     = 0.8
	eventTriggerConfidence = 0.8
	eventWarningConfidence = 0.5
)

var errNoParser = errors.New("no log parser configured")

// observe gathers evidence from every configured source concurrently. Each
// source fills its own slot so evidence keeps a stable source order; a
// failing source contributes nothing and never cancels the others.
func (o *Orchestrator) observe(ctx context.Context) {
	snap := o.sm.Snapshot()
	inc := snap.Incident
	since := o.deps.Now().Add(-o.cfg.EvidenceWindow)

	collectors := []struct {
		name string
		run  func(context.Context) ([]types.Evidence, error)
	}{
		{"frames", func(ctx context.Context) ([]types.Evidence, error) {
			return o.observeFrames(ctx, inc, snap.ReasoningToken)
		}},
		{"logs", func(ctx context.Context) ([]types.Evidence, error) {
			return o.observeLogs(ctx, inc.Target, since)
		}},
		{"metrics", func(ctx context.Context) ([]types.Evidence, error) {
			return o.observeMetrics(ctx, inc.Target)
		}},
		{"events", func(ctx context.Context) ([]types.Evidence, error) {
			return o.observeEvents(ctx, inc.Target, since)
		}},
	}

	results := make([][]types.Evidence, len(collectors))
	var g errgroup.Group
	for i, c := range collectors {
		g.Go(func() error {
			callCtx, cancel := o.callContext(ctx)
			defer cancel()
			evidence, err := c.run(callCtx)
			if err != nil {
				o.collaboratorFailed(c.name, err)
				return nil
			}
			results[i] = evidence
			return nil
		})
	}
	_ = g.Wait()

	collected := 0
	for _, evidence := range results {
		for _, ev := range evidence {
			if err := o.sm.AddEvidence(ctx, ev); err != nil {
				o.deps.Logger.Debug("evidence dropped", zap.String("incident_id", inc.ID), zap.Error(err))
				continue
			}
			collected++
		}
	}
	o.deps.Logger.Info("observation complete",
		zap.String("incident_id", inc.ID),
		zap.Int("collected", collected),
		zap.Int("total_evidence", len(snap.Evidence)+collected),
	)
	o.advance(ctx, types.PhaseOrienting)
}

func (o *Orchestrator) observeFrames(ctx context.Context, inc types.Incident, token string) ([]types.Evidence, error) {
	if o.deps.Frames == nil || o.deps.Reasoning == nil {
		return nil, nil
	}
	frames, err := o.deps.Frames.Capture(ctx, inc.Target)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	analysis, err := o.deps.Reasoning.AnalyzeFrames(ctx, inc.ID, frames, token)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, nil
	}
	o.sm.SetReasoningToken(analysis.ReasoningToken)

	var out []types.Evidence
	for _, a := range analysis.Anomalies {
		if len(out) == o.cfg.MaxEvidencePerKind {
			break
		}
		out = append(out, o.newEvidence("vision", types.VisualContent{
			Anomaly:  a.Description,
			Severity: a.Severity,
			Panel:    a.Panel,
		}, a.Confidence))
	}
	return out, nil
}

func (o *Orchestrator) observeLogs(ctx context.Context, target types.TargetRef, since time.Time) ([]types.Evidence, error) {
	if o.deps.Logs == nil {
		return nil, nil
	}
	if o.deps.LogParser == nil {
		return nil, errNoParser
	}
	lines, err := o.deps.Logs.FetchLogs(ctx, target, since)
	if err != nil {
		return nil, err
	}
	analysis, err := o.deps.LogParser.Analyze(lines)
	if err != nil {
		return nil, err
	}

	var out []types.Evidence
	for _, e := range analysis.Errors {
		if len(out) == o.cfg.MaxEvidencePerKind {
			break
		}
		out = append(out, o.newEvidence("log-parser", types.LogContent{
			Pattern: e.Pattern,
			Count:   e.Count,
			Sample:  e.Sample,
		}, logErrorConfidence))
	}
	for _, s := range analysis.Spikes {
		out = append(out, o.newEvidence("log-parser", types.LogContent{
			Pattern: s.Pattern,
			Spike:   true,
			Rate:    s.Rate,
		}, logSpikeConfidence))
	}
	return out, nil
}

func (o *Orchestrator) observeMetrics(ctx context.Context, target types.TargetRef) ([]types.Evidence, error) {
	if o.deps.Metrics == nil {
		return nil, nil
	}
	summaries, err := o.deps.Metrics.GetMetrics(ctx, target, o.cfg.MetricWindow)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.Evidence, 0, len(names))
	for _, name := range names {
		s := summaries[name]
		out = append(out, o.newEvidence("metrics", types.MetricContent{
			Name:         name,
			Current:      s.Current,
			Average:      s.Average,
			Trend:        s.Trend,
			AnomalyScore: s.AnomalyScore,
		}, s.AnomalyScore))
	}
	return out, nil
}

// observeEvents keeps warnings and triggers. Normal events that are not
// triggers carry no signal.
func (o *Orchestrator) observeEvents(ctx context.Context, target types.TargetRef, since time.Time) ([]types.Evidence, error) {
	if o.deps.Events == nil || o.deps.EventStream == nil {
		return nil, nil
	}
	raw, err := o.deps.Events.FetchEvents(ctx, target, since)
	if err != nil {
		return nil, err
	}
	events := o.deps.EventStream.ParseEvents(raw)
	triggers := make(map[eventKey]bool)
	for _, t := range o.deps.EventStream.FindTriggers(events, since) {
		triggers[keyOf(t)] = true
	}

	var out []types.Evidence
	for _, e := range events {
		if len(out) == o.cfg.MaxEvidencePerKind {
			break
		}
		trigger := triggers[keyOf(e)]
		if !trigger && !e.Warning {
			continue
		}
		conf := eventWarningConfidence
		if trigger {
			conf = eventTriggerConfidence
		}
		ev := o.newEvidence("events", types.EventContent{
			Reason:  e.Reason,
			Object:  e.Object,
			Message: e.Message,
			Trigger: trigger,
		}, conf)
		if !e.Timestamp.IsZero() {
			ev.Timestamp = e.Timestamp
		}
		out = append(out, ev)
	}
	return out, nil
}

type eventKey struct {
	reason, object string
	at             int64
}

func keyOf(e contracts.ClusterEvent) eventKey {
	return eventKey{reason: e.Reason, object: e.Object, at: e.Timestamp.UnixNano()}
}

func (o *Orchestrator) newEvidence(source string, content types.EvidenceContent, confidence float64) types.Evidence {
	ev := types.NewEvidence(o.deps.NewID(), source, content, types.Confidence(confidence))
	ev.Timestamp = o.deps.Now().UTC()
	return ev
}
