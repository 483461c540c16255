package domain

import (
	"time"
)

type StepKind string

const (
	KindHTTPTrigger StepKind = "httpTrigger"
	KindTimer       StepKind = "timer"
	KindTask        StepKind = "task"
	KindDecision    StepKind = "decision"
	KindSetVariable StepKind = "setVariable"
	KindFork        StepKind = "fork"
	KindJoin        StepKind = "join"
	KindTerminal    StepKind = "terminal"
)

// OutcomeDone is the single outcome reported by steps that have no branching.
const OutcomeDone = "done"

// Step is one node in a definition graph. Transitions map an activity
// outcome to the id of the next step; DefaultTransition catches outcomes
// with no exact match.
type Step struct {
	ID     string            `json:"id"`
	Kind   StepKind          `json:"kind"`
	Inputs map[string]string `json:"inputs,omitempty"` // name -> expression

	// Outcomes declares the results this step may report. Used at publish
	// time to prove every outcome resolves to a transition.
	Outcomes []string `json:"outcomes,omitempty"`

	Transitions       map[string]string `json:"transitions,omitempty"`
	DefaultTransition string            `json:"default_transition,omitempty"`
	DanglingAllowed   bool              `json:"dangling_allowed,omitempty"`
	PropagateFault    bool              `json:"propagate_fault,omitempty"`

	// httpTrigger
	Route string `json:"route,omitempty"`

	// timer
	Duration time.Duration `json:"duration,omitempty"`

	// task
	Task string `json:"task,omitempty"`

	// decision: the chosen outcome is also written to ResultVar when set
	ResultVar string `json:"result_var,omitempty"`

	// fork / join
	Branches  []string `json:"branches,omitempty"`
	JoinGroup string   `json:"join_group,omitempty"`
}

// WorkflowDefinition is immutable once published. Editing a definition
// produces a new version under the same id; running instances stay pinned
// to the version they started with.
type WorkflowDefinition struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Name      string          `json:"name"`
	StartStep string          `json:"start_step"`
	Steps     map[string]Step `json:"steps"`

	// MultiStart permits several published versions of this definition to
	// share the start route. Fan-out behavior is decided by the host, not
	// the engine.
	MultiStart bool `json:"multi_start,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// StartRoute returns the HTTP route of the start step, or "" if the
// definition does not start from an HTTP trigger.
func (d *WorkflowDefinition) StartRoute() string {
	start, ok := d.Steps[d.StartStep]
	if !ok || start.Kind != KindHTTPTrigger {
		return ""
	}
	return start.Route
}
