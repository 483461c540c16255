package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKeyHTTP builds the trigger key for an HTTP route.
func TriggerKeyHTTP(route string) string { return "http:" + route }

// TriggerKeyTimer builds the trigger key for a timer bookmark. Pointer id
// keeps the key unique per waiting branch.
func TriggerKeyTimer(pointerID uuid.UUID) string { return "timer:" + pointerID.String() }

// Bookmark records that an instance is suspended waiting on an external
// trigger. Token is the expected-state value presented on consumption;
// the store only removes the bookmark when both id and token match, which
// makes Consume a compare-and-remove rather than read-then-delete.
type Bookmark struct {
	ID         uuid.UUID      `json:"id"`
	InstanceID uuid.UUID      `json:"instance_id"`
	StepID     string         `json:"step_id"`
	TriggerKey string         `json:"trigger_key"`
	Payload    map[string]any `json:"payload,omitempty"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
	Token      string         `json:"token"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewBookmark mints a bookmark with a fresh consumption token.
func NewBookmark(instanceID uuid.UUID, stepID, triggerKey string, payload map[string]any, dueAt *time.Time) Bookmark {
	return Bookmark{
		ID:         uuid.New(),
		InstanceID: instanceID,
		StepID:     stepID,
		TriggerKey: triggerKey,
		Payload:    payload,
		DueAt:      dueAt,
		Token:      uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
	}
}
