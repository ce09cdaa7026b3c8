package audit

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Logger. It keeps every event it receives and is
// used where no audit file is configured and in tests.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) LogIncidentStarted(ctx context.Context, incidentID, target string) error {
	return r.Log(ctx, incidentStarted(incidentID, target))
}

func (r *Recorder) LogIncidentResolved(ctx context.Context, incidentID string, duration time.Duration) error {
	return r.Log(ctx, incidentResolved(incidentID, duration))
}

func (r *Recorder) LogIncidentFailed(ctx context.Context, incidentID, reason string) error {
	return r.Log(ctx, incidentFailed(incidentID, reason))
}

func (r *Recorder) LogPhaseTransition(ctx context.Context, incidentID, from, to string) error {
	return r.Log(ctx, phaseTransition(incidentID, from, to))
}

func (r *Recorder) LogActionDispatched(ctx context.Context, incidentID, action, target string) error {
	return r.Log(ctx, actionDispatched(incidentID, action, target))
}

func (r *Recorder) Sync() error  { return nil }
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
