package domain

import (
	"time"

	"github.com/google/uuid"
)

type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "RUNNING"
	StatusSuspended InstanceStatus = "SUSPENDED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFaulted   InstanceStatus = "FAULTED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFaulted || s == StatusCancelled
}

type PointerState string

const (
	PointerRunnable     PointerState = "RUNNABLE"
	PointerWaitingEvent PointerState = "WAITING_EVENT"
	PointerWaitingJoin  PointerState = "WAITING_JOIN"
	PointerRetired      PointerState = "RETIRED"
)

// ExecutionPointer is the cursor for one active branch of an instance.
// Forked pointers stage their output bindings in Scope; the join merges
// scopes into the instance variables ordered by CreatedIndex.
type ExecutionPointer struct {
	ID            uuid.UUID      `json:"id"`
	StepID        string         `json:"step_id"`
	State         PointerState   `json:"state"`
	BookmarkID    uuid.UUID      `json:"bookmark_id,omitempty"`
	// ResumePayload non-nil marks the trigger as already fired; an empty
	// map is meaningful, so no omitempty here.
	ResumePayload map[string]any `json:"resume_payload"`
	JoinGroup     string         `json:"join_group,omitempty"`
	Scope         map[string]any `json:"scope,omitempty"`
	CreatedIndex  int            `json:"created_index"`
	Faulted       bool           `json:"faulted,omitempty"`
}

// WorkflowInstance is the durable record of one execution. Sequence is the
// optimistic-concurrency token: every save must present the sequence it
// loaded, and the store rejects the write if the stored value has moved on.
type WorkflowInstance struct {
	ID                uuid.UUID          `json:"id"`
	DefinitionID      string             `json:"definition_id"`
	DefinitionVersion int                `json:"definition_version"`
	Status            InstanceStatus     `json:"status"`
	Variables         map[string]any     `json:"variables"`
	Pointers          []ExecutionPointer `json:"pointers"`
	Sequence          int64              `json:"sequence"`
	Fault             string             `json:"fault,omitempty"`
	NextPointerIndex  int                `json:"next_pointer_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance creates a Running instance with a single pointer parked on
// the definition's start step.
func NewInstance(def *WorkflowDefinition, input map[string]any) *WorkflowInstance {
	if input == nil {
		input = map[string]any{}
	}
	inst := &WorkflowInstance{
		ID:                uuid.New(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            StatusRunning,
		Variables:         input,
		Sequence:          1,
		CreatedAt:         time.Now().UTC(),
	}
	inst.AddPointer(def.StartStep, "")
	return inst
}

// AddPointer appends a runnable pointer and assigns its creation index.
func (w *WorkflowInstance) AddPointer(stepID, joinGroup string) *ExecutionPointer {
	w.Pointers = append(w.Pointers, ExecutionPointer{
		ID:           uuid.New(),
		StepID:       stepID,
		State:        PointerRunnable,
		JoinGroup:    joinGroup,
		CreatedIndex: w.NextPointerIndex,
	})
	w.NextPointerIndex++
	return &w.Pointers[len(w.Pointers)-1]
}

// Pointer returns the pointer with the given id, or nil.
func (w *WorkflowInstance) Pointer(id uuid.UUID) *ExecutionPointer {
	for i := range w.Pointers {
		if w.Pointers[i].ID == id {
			return &w.Pointers[i]
		}
	}
	return nil
}

// PointerByBookmark returns the pointer waiting on the given bookmark, or nil.
func (w *WorkflowInstance) PointerByBookmark(bookmarkID uuid.UUID) *ExecutionPointer {
	for i := range w.Pointers {
		if w.Pointers[i].BookmarkID == bookmarkID {
			return &w.Pointers[i]
		}
	}
	return nil
}

// NextRunnable returns the first runnable pointer, or nil when every branch
// is waiting or retired.
func (w *WorkflowInstance) NextRunnable() *ExecutionPointer {
	for i := range w.Pointers {
		if w.Pointers[i].State == PointerRunnable {
			return &w.Pointers[i]
		}
	}
	return nil
}

// AllRetired reports whether no branch has work left or pending.
func (w *WorkflowInstance) AllRetired() bool {
	for i := range w.Pointers {
		if w.Pointers[i].State != PointerRetired {
			return false
		}
	}
	return true
}
