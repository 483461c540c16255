package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventInstanceStarted    EventKind = "instance_started"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFaulted        EventKind = "step_faulted"
	EventInstanceSuspended  EventKind = "instance_suspended"
	EventInstanceResumed    EventKind = "instance_resumed"
	EventInstanceCompleted  EventKind = "instance_completed"
	EventInstanceFaulted    EventKind = "instance_faulted"
	EventInstanceCancelled  EventKind = "instance_cancelled"
	EventSubscriberOverflow EventKind = "subscriber_overflow"
)

// Event is a state-change notification emitted by the engine. Events are not
// persisted; delivery is best-effort to whoever is subscribed at the time.
type Event struct {
	InstanceID uuid.UUID      `json:"instance_id"`
	Kind       EventKind      `json:"kind"`
	StepID     string         `json:"step_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(instanceID uuid.UUID, kind EventKind, stepID string, payload map[string]any) Event {
	return Event{
		InstanceID: instanceID,
		Kind:       kind,
		StepID:     stepID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
}
