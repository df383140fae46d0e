// Package event implements the in-process pub/sub bus and the durable
// ndjson journal that together form the orchestrator's audit trail.
package event

import (
	"fmt"
	"time"
)

// Type identifies the kind of event. The set is closed; the state store
// enforces membership with a CHECK constraint.
type Type string

const (
	TypeWorkflowCreated      Type = "workflow_created"
	TypeWorkflowStateChanged Type = "workflow_state_changed"
	TypePhaseStarted         Type = "phase_started"
	TypePhaseCompleted       Type = "phase_completed"
	TypePhaseFailed          Type = "phase_failed"
	TypeWorkflowPaused       Type = "workflow_paused"
	TypeWorkflowResumed      Type = "workflow_resumed"
	TypeWorkflowCancelled    Type = "workflow_cancelled"
	TypeWorkflowArchived     Type = "workflow_archived"
	TypeResourceAllocated    Type = "resource_allocated"
	TypeResourceReleased     Type = "resource_released"
	TypeErrorOccurred        Type = "error_occurred"
)

// Severity classifies an event for filtering and log routing.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

var knownTypes = map[Type]struct{}{
	TypeWorkflowCreated:      {},
	TypeWorkflowStateChanged: {},
	TypePhaseStarted:         {},
	TypePhaseCompleted:       {},
	TypePhaseFailed:          {},
	TypeWorkflowPaused:       {},
	TypeWorkflowResumed:      {},
	TypeWorkflowCancelled:    {},
	TypeWorkflowArchived:     {},
	TypeResourceAllocated:    {},
	TypeResourceReleased:     {},
	TypeErrorOccurred:        {},
}

// KnownTypes returns every valid event type. The order is stable.
func KnownTypes() []Type {
	return []Type{
		TypeWorkflowCreated,
		TypeWorkflowStateChanged,
		TypePhaseStarted,
		TypePhaseCompleted,
		TypePhaseFailed,
		TypeWorkflowPaused,
		TypeWorkflowResumed,
		TypeWorkflowCancelled,
		TypeWorkflowArchived,
		TypeResourceAllocated,
		TypeResourceReleased,
		TypeErrorOccurred,
	}
}

// ValidType reports whether t belongs to the closed event vocabulary.
func ValidType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// ValidSeverity reports whether s is a recognized severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}

// Event is an immutable audit entry. Seq is assigned by the state store on
// append; events published before persistence carry Seq=0.
type Event struct {
	Seq        int64          `json:"seq" db:"seq"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	EventType  Type           `json:"event_type" db:"event_type"`
	Severity   Severity       `json:"severity" db:"severity"`
	PhaseName  string         `json:"phase_name,omitempty" db:"phase_name"`
	FromState  string         `json:"from_state,omitempty" db:"from_state"`
	ToState    string         `json:"to_state,omitempty" db:"to_state"`
	Message    string         `json:"message,omitempty" db:"message"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// New builds an event with the current timestamp and INFO severity.
func New(eventType Type, workflowID string) Event {
	return Event{
		WorkflowID: workflowID,
		EventType:  eventType,
		Severity:   SeverityInfo,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the closed vocabularies before an event is published or
// persisted.
func (e Event) Validate() error {
	if !ValidType(e.EventType) {
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.Severity != "" && !ValidSeverity(e.Severity) {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("event %s missing workflow_id", e.EventType)
	}
	return nil
}

// WithSeverity returns a copy of the event with the given severity.
func (e Event) WithSeverity(s Severity) Event {
	e.Severity = s
	return e
}

// WithPhase returns a copy of the event scoped to a phase.
func (e Event) WithPhase(name string) Event {
	e.PhaseName = name
	return e
}

// WithTransition returns a copy carrying a state transition.
func (e Event) WithTransition(from, to string) Event {
	e.FromState = from
	e.ToState = to
	return e
}

// WithMessage returns a copy carrying a human-readable message.
func (e Event) WithMessage(format string, args ...any) Event {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithMetadata returns a copy with a metadata key set. The metadata map is
// cloned so the original event stays immutable.
func (e Event) WithMetadata(key string, value any) Event {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}
