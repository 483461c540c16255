package dto

import (
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
)

// StepRequest mirrors domain.Step with a human-friendly duration string.
type StepRequest struct {
	ID                string            `json:"id" binding:"required"`
	Kind              domain.StepKind   `json:"kind" binding:"required"`
	Inputs            map[string]string `json:"inputs"`
	Outcomes          []string          `json:"outcomes"`
	Transitions       map[string]string `json:"transitions"`
	DefaultTransition string            `json:"default_transition"`
	DanglingAllowed   bool              `json:"dangling_allowed"`
	PropagateFault    bool              `json:"propagate_fault"`
	Route             string            `json:"route"`
	Duration          string            `json:"duration"` // e.g. "5s"
	Task              string            `json:"task"`
	ResultVar         string            `json:"result_var"`
	Branches          []string          `json:"branches"`
	JoinGroup         string            `json:"join_group"`
}

type PublishDefinitionRequest struct {
	ID         string        `json:"id" binding:"required"`
	Name       string        `json:"name"`
	StartStep  string        `json:"start_step" binding:"required"`
	MultiStart bool          `json:"multi_start"`
	Steps      []StepRequest `json:"steps" binding:"required,min=1"`
}

type PublishDefinitionResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type StartInstanceRequest struct {
	Version int            `json:"version"`
	Input   map[string]any `json:"input"`
}

type RunResponse struct {
	InstanceID uuid.UUID             `json:"instance_id"`
	Status     domain.InstanceStatus `json:"status"`
	Yielded    bool                  `json:"yielded,omitempty"`
	Fault      string                `json:"fault,omitempty"`
}

type TriggerResponse struct {
	Results []TriggerResultEntry `json:"results"`
}

type TriggerResultEntry struct {
	InstanceID uuid.UUID             `json:"instance_id"`
	Started    bool                  `json:"started"`
	Status     domain.InstanceStatus `json:"status,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// InstanceResponse is the status-and-bindings snapshot.
type InstanceResponse struct {
	ID                uuid.UUID             `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion int                   `json:"definition_version"`
	Status            domain.InstanceStatus `json:"status"`
	Variables         map[string]any        `json:"variables"`
	Fault             string                `json:"fault,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// ErrorResponse is the structured error body: a message plus the error
// kind from the workflow taxonomy.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
