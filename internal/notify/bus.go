// Package notify is the outbound notification channel of the investigation
// core. The orchestrator and state machine publish; API streams, metrics and
// tests subscribe per incident.
package notify

import (
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Kind identifies a notification.
type Kind string

const (
	KindPhaseChanged        Kind = "phase_changed"
	KindEvidenceCollected   Kind = "evidence_collected"
	KindHypothesisAdded     Kind = "hypothesis_added"
	KindActionExecuted      Kind = "action_executed"
	KindEscalationStep      Kind = "escalation_step"
	KindVerificationVerdict Kind = "verification_verdict"
	KindInvestigationDone   Kind = "investigation_done"
)

// Notification is one message on the bus. Exactly one payload field is set
// for the kinds that carry one.
type Notification struct {
	IncidentID string      `json:"incident_id"`
	Kind       Kind        `json:"kind"`
	From       types.Phase `json:"from,omitempty"`
	Phase      types.Phase `json:"phase"`
	Message    string      `json:"message,omitempty"`

	Evidence   *types.Evidence           `json:"evidence,omitempty"`
	Hypothesis *types.Hypothesis         `json:"hypothesis,omitempty"`
	Action     *types.Action             `json:"action,omitempty"`
	Attempt    *types.RemediationAttempt `json:"attempt,omitempty"`
	Verdict    *types.Verdict            `json:"verdict,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives notifications for one incident, or for all incidents
// when created with SubscribeAll. Ch is closed by Close or Unsubscribe.
type Subscriber struct {
	Ch chan Notification

	key string
}

const allKey = "*"

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(n Notification)
}

// Bus fans notifications out to subscribers. Slow subscribers drop messages
// rather than block an investigation.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscriber
	buffer      int
}

// NewBus creates a bus whose subscriber channels hold buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subscribers: make(map[string][]*Subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers a channel for one incident's notifications.
func (b *Bus) Subscribe(incidentID string) *Subscriber {
	return b.add(incidentID)
}

// SubscribeAll registers a channel for every incident's notifications.
func (b *Bus) SubscribeAll() *Subscriber {
	return b.add(allKey)
}

func (b *Bus) add(key string) *Subscriber {
	sub := &Subscriber{Ch: make(chan Notification, b.buffer), key: key}
	b.mu.Lock()
	b.subscribers[key] = append(b.subscribers[key], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call after Close.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.key]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.key] = append(subs[:i:i], subs[i+1:]...)
			close(s.Ch)
			return
		}
	}
}

// Publish delivers n to the incident's subscribers and to SubscribeAll
// subscribers. It never blocks.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{n.IncidentID, allKey} {
		for _, s := range b.subscribers[key] {
			select {
			case s.Ch <- n:
			default:
			}
		}
	}
}

// Close closes every subscriber of the given incident.
func (b *Bus) Close(incidentID string) {
	b.mu.Lock()
	subs := b.subscribers[incidentID]
	delete(b.subscribers, incidentID)
	b.mu.Unlock()
	for _, s := range subs {
		close(s.Ch)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Notification) {}
