// Package correlation builds the causal summary of the Orient phase from the
// evidence accumulated so far.
//
// Trigger events (cluster events flagged by the event stream) anchor the
// timeline. Evidence observed after the earliest trigger supports it as the
// cause; evidence that precedes it weakens it. The score is kept in [0,1]
// and starts at 0.4 once any trigger exists.
package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Result is the outcome of one correlation pass.
type Result struct {
	Summary string   `json:"summary"`
	Score   float64  `json:"score"`
	Notes   []string `json:"notes,omitempty"`

	// Signals are normalised evidence descriptors used for knowledge-base
	// lookups, e.g. "event:backoff" or "metric:error_rate:rising".
	Signals []string `json:"signals"`

	Trigger   *types.EventContent `json:"trigger,omitempty"`
	TriggerAt *time.Time          `json:"trigger_at,omitempty"`
}

// Analyzer correlates evidence.
type Analyzer struct {
	logger *zap.Logger

	// anomalyFloor is the anomaly score from which a metric counts as a signal.
	anomalyFloor float64
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger, anomalyFloor: 0.5}
}

// Analyze correlates evidence in collection order.
func (a *Analyzer) Analyze(incident types.Incident, evidence []types.Evidence) Result {
	res := Result{Signals: a.Signals(evidence)}

	counts := make(map[types.EvidenceType]int)
	var trigger *types.Evidence
	for i := range evidence {
		ev := &evidence[i]
		counts[ev.Type]++
		if c, ok := ev.Content.(types.EventContent); ok && c.Trigger {
			if trigger == nil || ev.Timestamp.Before(trigger.Timestamp) {
				trigger = ev
			}
		}
	}

	if trigger != nil {
		c := trigger.Content.(types.EventContent)
		at := trigger.Timestamp
		res.Trigger = &c
		res.TriggerAt = &at

		total, supporting := 0, 0
		for _, ev := range evidence {
			if ev.ID == trigger.ID || ev.Type == types.EvidenceEvent {
				continue
			}
			total++
			if ev.Timestamp.Before(at) {
				res.Notes = append(res.Notes, fmt.Sprintf("%s precedes trigger %s", ev.Content.Summary(), c.Reason))
				continue
			}
			supporting++
			res.Notes = append(res.Notes, fmt.Sprintf("%s follows trigger %s", ev.Content.Summary(), c.Reason))
		}
		res.Score = 0.4
		if total > 0 {
			res.Score = clamp(0.4+0.6*float64(supporting)/float64(total), 0, 1)
		}
	} else {
		res.Score = clamp(0.5*averageConfidence(evidence), 0, 1)
	}

	res.Summary = a.summarize(incident, evidence, counts, res)
	a.logger.Debug("evidence correlated",
		zap.String("incident_id", incident.ID),
		zap.Int("evidence", len(evidence)),
		zap.Float64("score", res.Score),
		zap.Int("signals", len(res.Signals)),
	)
	return res
}

// Signals derives de-duplicated, lower-case signal strings from evidence.
func (a *Analyzer) Signals(evidence []types.Evidence) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, ev := range evidence {
		switch c := ev.Content.(type) {
		case types.LogContent:
			add("log:" + c.Pattern)
			if c.Spike {
				add("log_spike:" + c.Pattern)
			}
		case types.MetricContent:
			if c.AnomalyScore >= a.anomalyFloor {
				add("metric:" + c.Name + ":" + c.Trend)
			}
		case types.EventContent:
			add("event:" + c.Reason)
			if c.Trigger {
				add("trigger:" + c.Reason)
			}
		case types.VisualContent:
			add("visual:" + string(c.Severity) + ":" + c.Anomaly)
		}
	}
	return out
}

func (a *Analyzer) summarize(inc types.Incident, evidence []types.Evidence, counts map[types.EvidenceType]int, res Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Incident %q on %s: %d evidence items", inc.Title, inc.Target.Key(), len(evidence)))

	kinds := make([]string, 0, len(counts))
	for t, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(kinds)
	if len(kinds) > 0 {
		sb.WriteString(" (" + strings.Join(kinds, ", ") + ")")
	}
	sb.WriteString(".\n")

	if res.Trigger != nil {
		sb.WriteString(fmt.Sprintf("Earliest trigger: %s on %s at %s: %s.\n",
			res.Trigger.Reason, res.Trigger.Object, res.TriggerAt.UTC().Format(time.RFC3339), res.Trigger.Message))
	} else {
		sb.WriteString("No trigger event identified.\n")
	}
	sb.WriteString(fmt.Sprintf("Causal confidence: %.2f.\n", res.Score))

	for _, ev := range strongest(evidence, 5) {
		sb.WriteString("- " + ev.Content.Summary() + "\n")
	}
	for _, n := range res.Notes {
		sb.WriteString("* " + n + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// strongest returns up to n evidence items by confidence, keeping collection
// order among equals. Items without a confidence rank last.
func strongest(evidence []types.Evidence, n int) []types.Evidence {
	ranked := make([]types.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		if ev.Content != nil {
			ranked = append(ranked, ev)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return confidenceOf(ranked[i]) > confidenceOf(ranked[j])
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func confidenceOf(ev types.Evidence) float64 {
	if ev.Confidence == nil {
		return -1
	}
	return *ev.Confidence
}

func averageConfidence(evidence []types.Evidence) float64 {
	var sum float64
	n := 0
	for _, ev := range evidence {
		if ev.Confidence != nil {
			sum += *ev.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
