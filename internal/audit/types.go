package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Incident lifecycle events
	EventIncidentStarted  EventType = "incident.started"
	EventIncidentResumed  EventType = "incident.resumed"
	EventIncidentResolved EventType = "incident.resolved"
	EventIncidentFailed   EventType = "incident.failed"
	EventIncidentStopped  EventType = "incident.stopped"

	// Phase events
	EventPhaseTransition EventType = "phase.transition"

	// Context observation events
	EventEvidenceRecorded    EventType = "evidence.recorded"
	EventHypothesisRecorded  EventType = "hypothesis.recorded"
	EventHypothesisConfirmed EventType = "hypothesis.confirmed"

	// Action events
	EventActionDispatched EventType = "action.dispatched"
	EventActionCompleted  EventType = "action.completed"
	EventActionFailed     EventType = "action.failed"
	EventActionSkipped    EventType = "action.skipped"

	// Escalation events
	EventEscalationStep EventType = "escalation.step"
	EventEscalationSkip EventType = "escalation.skip"

	// Verification events
	EventVerificationVerdict EventType = "verification.verdict"
	EventRollbackAdvice      EventType = "verification.rollback_advice"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Incident information
	IncidentID string `json:"incident_id,omitempty"`
	Phase      string `json:"phase,omitempty"`

	// Resource information
	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Namespace    string `json:"namespace,omitempty"`

	// Action details
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithIncident sets the incident and the phase it was in.
func (e *Event) WithIncident(id, phase string) *Event {
	e.IncidentID = id
	e.Phase = phase
	if e.CorrelationID == "" {
		e.CorrelationID = id
	}
	return e
}

// WithResource sets the resource being acted upon
func (e *Event) WithResource(resource, resourceType, namespace string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	e.Namespace = namespace
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
