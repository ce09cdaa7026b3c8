package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var (
	t0       = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	incident = types.Incident{ID: "inc-1", Title: "checkout errors", Target: types.TargetRef{Namespace: "checkout", Name: "api"}}
)

func evidenceAt(id string, at time.Duration, c types.EvidenceContent, conf float64) types.Evidence {
	ev := types.NewEvidence(id, "test", c, types.Confidence(conf))
	ev.Timestamp = t0.Add(at)
	return ev
}

func TestAnalyzeWithTrigger(t *testing.T) {
	evidence := []types.Evidence{
		evidenceAt("e1", -time.Minute, types.LogContent{Pattern: "ERROR slow query", Count: 2}, 0.3),
		evidenceAt("e2", 0, types.EventContent{Reason: "ScalingReplicaSet", Object: "deployment/api", Message: "scaled up", Trigger: true}, 0.8),
		evidenceAt("e3", time.Minute, types.MetricContent{Name: "error_rate", Current: 0.2, Trend: "rising", AnomalyScore: 0.9}, 0.9),
		evidenceAt("e4", 2*time.Minute, types.LogContent{Pattern: "ERROR nil pointer", Count: 40, Spike: true, Rate: 20}, 0.7),
		evidenceAt("e5", 3*time.Minute, types.EventContent{Reason: "BackOff", Object: "pod/api-1", Message: "restarting"}, 0.6),
	}

	res := NewAnalyzer(nil).Analyze(incident, evidence)

	require.NotNil(t, res.Trigger)
	assert.Equal(t, "ScalingReplicaSet", res.Trigger.Reason)
	assert.Equal(t, t0, *res.TriggerAt)
	// two of three non-event items follow the trigger
	assert.InDelta(t, 0.8, res.Score, 1e-9)
	assert.Len(t, res.Notes, 3)
	assert.Contains(t, res.Summary, "Earliest trigger: ScalingReplicaSet on deployment/api")
	assert.Contains(t, res.Summary, "event=2, log=2, metric=1")
	assert.Contains(t, res.Summary, "metric error_rate")

	assert.Equal(t, []string{
		"log:error slow query",
		"event:scalingreplicaset",
		"trigger:scalingreplicaset",
		"metric:error_rate:rising",
		"log:error nil pointer",
		"log_spike:error nil pointer",
		"event:backoff",
	}, res.Signals)
}

func TestAnalyzeEarliestTriggerWins(t *testing.T) {
	evidence := []types.Evidence{
		evidenceAt("e1", time.Minute, types.EventContent{Reason: "Killing", Trigger: true}, 0.5),
		evidenceAt("e2", 0, types.EventContent{Reason: "OOMKilling", Trigger: true}, 0.5),
	}
	res := NewAnalyzer(nil).Analyze(incident, evidence)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, "OOMKilling", res.Trigger.Reason)
	assert.Equal(t, 0.4, res.Score)
}

func TestAnalyzeWithoutTrigger(t *testing.T) {
	evidence := []types.Evidence{
		evidenceAt("e1", 0, types.MetricContent{Name: "latency_p99", Trend: "flat", AnomalyScore: 0.2}, 0.6),
		evidenceAt("e2", 0, types.VisualContent{Anomaly: "Error spike", Severity: types.SeverityHigh}, 0.8),
	}
	res := NewAnalyzer(nil).Analyze(incident, evidence)

	assert.Nil(t, res.Trigger)
	assert.InDelta(t, 0.35, res.Score, 1e-9)
	assert.Contains(t, res.Summary, "No trigger event identified")
	// the flat metric is below the anomaly floor
	assert.Equal(t, []string{"visual:high:error spike"}, res.Signals)
}

func TestAnalyzeEmpty(t *testing.T) {
	res := NewAnalyzer(nil).Analyze(incident, nil)
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Signals)
	assert.Contains(t, res.Summary, "0 evidence items")
}
