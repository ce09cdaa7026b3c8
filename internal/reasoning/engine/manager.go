package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ErrInvalidIncident is returned by Start for an incident without a target.
var ErrInvalidIncident = errors.New("invalid incident")

// Store is the read side of persistence used to resume after a restart.
type Store interface {
	ListActiveIncidents(ctx context.Context) ([]types.Incident, error)
	LoadHistory(ctx context.Context, incidentID string) (investigation.History, error)
}

// Manager runs one Orchestrator per incident, at most maxConcurrent at a
// time. Investigations beyond the limit wait in OBSERVING for a slot.
// Only the most recent RetainFinished finished runs stay in memory.
type Manager struct {
	cfg    Config
	deps   Deps
	store  Store
	logger *zap.Logger
	sem    chan struct{}
	retain int

	mu       sync.RWMutex
	runs     map[string]*run
	starting map[string]struct{}
	finished []*run

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

type run struct {
	id     string
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. store may be nil when resume is not needed.
func NewManager(cfg Config, deps Deps, store Store, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		store:     store,
		logger:    logger,
		sem:       make(chan struct{}, maxConcurrent),
		retain:    cfg.withDefaults().RetainFinished,
		runs:      make(map[string]*run),
		starting:  make(map[string]struct{}),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Start begins investigating incident in the background and returns it as
// it stands after entering OBSERVING. The run is detached from ctx.
func (m *Manager) Start(ctx context.Context, incident types.Incident) (types.Incident, error) {
	if incident.Target.Namespace == "" || incident.Target.Name == "" {
		return incident, fmt.Errorf("%w: target namespace and name are required", ErrInvalidIncident)
	}
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.Title == "" {
		incident.Title = "Incident on " + incident.Target.Key()
	}

	if !m.reserve(incident.ID) {
		return incident, fmt.Errorf("%w: %s", ErrAlreadyRunning, incident.ID)
	}
	// Start persists the incident; the reservation keeps the ID exclusive
	// without holding m.mu across sink I/O.
	orch := NewOrchestrator(m.cfg, m.deps)
	if err := orch.sm.Start(ctx, incident); err != nil {
		m.release(incident.ID, nil)
		return incident, err
	}
	m.release(incident.ID, orch)
	return orch.sm.Snapshot().Incident, nil
}

// ResumeActive resumes every non-terminal incident found in the store at its
// persisted phase. It returns the number resumed; incidents that fail to
// load are logged and skipped.
func (m *Manager) ResumeActive(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	incidents, err := m.store.ListActiveIncidents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active incidents: %w", err)
	}

	resumed := 0
	for _, inc := range incidents {
		history, err := m.store.LoadHistory(ctx, inc.ID)
		if err != nil {
			m.logger.Warn("skipping incident resume", zap.String("incident_id", inc.ID), zap.Error(err))
			continue
		}
		if !m.reserve(inc.ID) {
			continue
		}
		orch := NewOrchestrator(m.cfg, m.deps)
		if err := orch.sm.Resume(ctx, inc, inc.Phase, inc.PhaseRetries, history); err != nil {
			m.release(inc.ID, nil)
			m.logger.Warn("skipping incident resume", zap.String("incident_id", inc.ID), zap.Error(err))
			continue
		}
		m.release(inc.ID, orch)
		resumed++
	}
	m.logger.Info("active incidents resumed", zap.Int("resumed", resumed), zap.Int("found", len(incidents)))
	return resumed, nil
}

// reserve claims id for a start or resume in progress. It fails when id is
// already being started or is still investigating.
func (m *Manager) reserve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.starting[id]; ok {
		return false
	}
	if r, ok := m.runs[id]; ok && r.orch.sm.IsActive() {
		return false
	}
	m.starting[id] = struct{}{}
	return true
}

// release drops the reservation and launches orch when it is non-nil.
func (m *Manager) release(id string, orch *Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starting, id)
	if orch != nil {
		m.launchLocked(id, orch)
	}
}

func (m *Manager) launchLocked(id string, orch *Orchestrator) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{id: id, orch: orch, cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer m.retire(r)
		defer cancel()

		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-m.sem }()

		metrics.ActiveInvestigations.Inc()
		defer metrics.ActiveInvestigations.Dec()
		defer m.recoverRun(id, orch)

		orch.Run(ctx)
	}()
}

// retire queues a finished run and evicts the oldest finished runs beyond
// the retention limit. Interrupted runs stay so they can still be inspected.
func (m *Manager) retire(r *run) {
	if !r.orch.sm.Phase().IsTerminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[r.id] != r {
		return
	}
	m.finished = append(m.finished, r)
	for len(m.finished) > m.retain {
		old := m.finished[0]
		m.finished[0] = nil
		m.finished = m.finished[1:]
		if m.runs[old.id] == old {
			delete(m.runs, old.id)
		}
	}
}

// recoverRun keeps a broken phase graph from taking the process down. The
// incident ends FAILED and the panic is logged with its stack.
func (m *Manager) recoverRun(id string, orch *Orchestrator) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error("investigation panicked",
		zap.String("incident_id", id),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
	orch.sm.Fail(context.Background(), fmt.Sprintf("internal error: %v", r))
}

// Get returns a snapshot of an investigation's context.
func (m *Manager) Get(id string) (investigation.Context, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return investigation.Context{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return r.orch.sm.Snapshot(), nil
}

// List returns all known incidents, newest first.
func (m *Manager) List() []types.Incident {
	m.mu.RLock()
	out := make([]types.Incident, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.orch.sm.Snapshot().Incident)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop resets a running investigation to FAILED and cancels its loop.
// Actions already dispatched stay recorded.
func (m *Manager) Stop(ctx context.Context, id string) (types.Incident, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return types.Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	r.orch.sm.Reset(ctx, "investigation stopped by operator")
	r.cancel()
	return r.orch.sm.Snapshot().Incident, nil
}

// Wait blocks until the investigation's loop exits or ctx is done. A run
// already evicted from memory reports ErrIncidentNotFound.
func (m *Manager) Wait(ctx context.Context, id string) (types.Incident, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return types.Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	select {
	case <-r.done:
		return r.orch.sm.Snapshot().Incident, nil
	case <-ctx.Done():
		return r.orch.sm.Snapshot().Incident, ctx.Err()
	}
}

// Shutdown interrupts every loop without changing phases, so the incidents
// resume on the next start, and waits for the loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancelAll()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
