package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIncident(id string, phase types.Phase, started time.Time) *types.Incident {
	return &types.Incident{
		ID:        id,
		Title:     "checkout 5xx",
		Severity:  types.SeverityHigh,
		Target:    types.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "checkout-api"},
		Phase:     phase,
		StartedAt: started,
	}
}

// ─── Incidents ────────────────────────────────────────────────────────────────

func TestSaveIncidentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inc := testIncident("inc-1", types.PhaseObserving, started)
	if err := s.SaveIncident(ctx, inc); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	applied := started.Add(5 * time.Minute)
	inc.Phase = types.PhaseVerifying
	inc.PhaseRetries = 2
	inc.FixCycleID = "fix-7"
	inc.FixAppliedAt = &applied
	if err := s.SaveIncident(ctx, inc); err != nil {
		t.Fatalf("SaveIncident update: %v", err)
	}

	got, err := s.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.Phase != types.PhaseVerifying || got.PhaseRetries != 2 {
		t.Errorf("expected VERIFYING with 2 retries, got %s/%d", got.Phase, got.PhaseRetries)
	}
	if got.FixCycleID != "fix-7" || got.FixAppliedAt == nil || !got.FixAppliedAt.Equal(applied) {
		t.Errorf("fix link not persisted: %q %v", got.FixCycleID, got.FixAppliedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}
	if got.Target.Key() != "checkout/Deployment/checkout-api" {
		t.Errorf("unexpected target %s", got.Target.Key())
	}
	if got.ResolvedAt != nil {
		t.Errorf("expected nil resolved_at, got %v", got.ResolvedAt)
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIncident(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	phases := []types.Phase{types.PhaseDone, types.PhaseActing, types.PhaseFailed, types.PhaseObserving}
	for i, p := range phases {
		inc := testIncident("inc-"+string(rune('A'+i)), p, base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveIncident(ctx, inc); err != nil {
			t.Fatalf("SaveIncident: %v", err)
		}
	}

	active, err := s.ListActiveIncidents(ctx)
	if err != nil {
		t.Fatalf("ListActiveIncidents: %v", err)
	}
	if len(active) != 2 || active[0].ID != "inc-B" || active[1].ID != "inc-D" {
		t.Fatalf("expected inc-B, inc-D oldest first, got %+v", active)
	}

	all, err := s.ListIncidents(ctx, IncidentQuery{})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 4 || all[0].ID != "inc-D" {
		t.Fatalf("expected 4 incidents newest first, got %d", len(all))
	}

	done, err := s.ListIncidents(ctx, IncidentQuery{Phase: types.PhaseDone, Namespace: "checkout"})
	if err != nil {
		t.Fatalf("ListIncidents filtered: %v", err)
	}
	if len(done) != 1 || done[0].ID != "inc-A" {
		t.Fatalf("expected only inc-A, got %+v", done)
	}

	page, err := s.ListIncidents(ctx, IncidentQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListIncidents paged: %v", err)
	}
	if len(page) != 2 || page[0].ID != "inc-C" {
		t.Fatalf("unexpected page %+v", page)
	}
}

// ─── History ──────────────────────────────────────────────────────────────────

func TestLoadHistoryRestoresUnions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveIncident(ctx, testIncident("inc-1", types.PhaseActing, now)); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	ev1 := types.NewEvidence("e1", "metrics", types.MetricContent{Name: "error_rate", Current: 0.3, AnomalyScore: 0.9}, types.Confidence(0.9))
	ev2 := types.NewEvidence("e2", "logs", types.LogContent{Pattern: "timeout", Count: 12}, nil)
	for _, ev := range []types.Evidence{ev1, ev2, ev1} {
		if err := s.AppendEvidence(ctx, "inc-1", ev); err != nil {
			t.Fatalf("AppendEvidence: %v", err)
		}
	}

	h := types.Hypothesis{ID: "h1", Title: "bad deploy", Confidence: 0.8, Status: types.HypothesisProposed, SuggestedAction: types.ActionRollback}
	if err := s.AppendHypothesis(ctx, "inc-1", h); err != nil {
		t.Fatalf("AppendHypothesis: %v", err)
	}
	h.Status = types.HypothesisConfirmed
	if err := s.AppendHypothesis(ctx, "inc-1", h); err != nil {
		t.Fatalf("AppendHypothesis confirm: %v", err)
	}

	a := types.Action{ID: "a1", Type: types.ActionScale, Target: testIncident("", "", now).Target,
		Params: types.ScaleParams{Delta: 2}, Status: types.ActionExecuting, HypothesisID: "h1", CreatedAt: now}
	if err := s.AppendAction(ctx, "inc-1", a); err != nil {
		t.Fatalf("AppendAction: %v", err)
	}
	a.Status = types.ActionCompleted
	a.Result = "scaled"
	if err := s.AppendAction(ctx, "inc-1", a); err != nil {
		t.Fatalf("AppendAction complete: %v", err)
	}

	hist, err := s.LoadHistory(ctx, "inc-1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(hist.Evidence) != 2 {
		t.Fatalf("expected 2 evidence, got %d", len(hist.Evidence))
	}
	mc, ok := hist.Evidence[0].Content.(types.MetricContent)
	if !ok || mc.Name != "error_rate" || *hist.Evidence[0].Confidence != 0.9 {
		t.Errorf("metric evidence not restored: %+v", hist.Evidence[0])
	}
	if _, ok := hist.Evidence[1].Content.(types.LogContent); !ok || hist.Evidence[1].Confidence != nil {
		t.Errorf("log evidence not restored: %+v", hist.Evidence[1])
	}

	if len(hist.Hypotheses) != 1 || hist.Hypotheses[0].Status != types.HypothesisConfirmed {
		t.Errorf("expected one confirmed hypothesis, got %+v", hist.Hypotheses)
	}

	if len(hist.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(hist.Actions))
	}
	got := hist.Actions[0]
	if got.Status != types.ActionCompleted || got.Result != "scaled" {
		t.Errorf("action not finalised: %+v", got)
	}
	if p, ok := got.Params.(types.ScaleParams); !ok || p.Delta != 2 {
		t.Errorf("scale params not restored: %#v", got.Params)
	}
}

func TestLoadHistoryUnknownIncident(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadHistory(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveIncident(ctx, testIncident("inc-1", types.PhaseObserving, now)); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	events := []contracts.TimelineEvent{
		{IncidentID: "inc-1", Kind: "phase_transition", Phase: "OBSERVING", Detail: "IDLE → OBSERVING", Timestamp: now},
		{IncidentID: "inc-1", Kind: "correlation", Phase: "ORIENTING", Detail: "deploy preceded errors", Timestamp: now.Add(time.Second)},
	}
	for _, ev := range events {
		if err := s.AppendTimeline(ctx, ev); err != nil {
			t.Fatalf("AppendTimeline: %v", err)
		}
	}

	got, err := s.Timeline(ctx, "inc-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(got) != 2 || got[1].Kind != "correlation" || !got[1].Timestamp.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected timeline %+v", got)
	}
}

func TestAppendRequiresIncident(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendTimeline(context.Background(), contracts.TimelineEvent{IncidentID: "ghost", Kind: "x", Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown incident")
	}
}
