package engine

import (
	"context"
	"fmt"
	"time"

	"flowhost/internal/domain"
)

// ActivityContext is what a step activity sees: the evaluated inputs plus
// enough of the instance to make decisions. Activities never touch storage.
type ActivityContext struct {
	Instance *domain.WorkflowInstance
	Pointer  *domain.ExecutionPointer
	Step     domain.Step
	Inputs   map[string]any
	Now      time.Time
}

// ActivityResult is the tri-state outcome of one step execution: completed
// with an outcome and output bindings, suspended on a trigger key, or
// faulted.
type ActivityResult struct {
	Outcome string
	Outputs map[string]any

	TriggerKey string
	Payload    map[string]any
	DueAt      *time.Time

	Err error
}

func completed(outcome string, outputs map[string]any) ActivityResult {
	return ActivityResult{Outcome: outcome, Outputs: outputs}
}

func suspended(triggerKey string, payload map[string]any, dueAt *time.Time) ActivityResult {
	return ActivityResult{TriggerKey: triggerKey, Payload: payload, DueAt: dueAt}
}

func faulted(err error) ActivityResult {
	return ActivityResult{Err: err}
}

// Activity executes the logic behind one step kind.
type Activity interface {
	Execute(ctx context.Context, ac ActivityContext) ActivityResult
}

// TaskHandler is the host-supplied function behind a "task" step.
type TaskHandler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Registry maps step kinds to activities. Fork, join and terminal steps are
// structural and handled by the engine itself.
type Registry struct {
	activities map[domain.StepKind]Activity
}

// NewRegistry wires the built-in activities. tasks maps handler names used
// by task steps to their implementations.
func NewRegistry(tasks map[string]TaskHandler) *Registry {
	return &Registry{activities: map[domain.StepKind]Activity{
		domain.KindHTTPTrigger: httpTriggerActivity{},
		domain.KindTimer:       timerActivity{},
		domain.KindDecision:    decisionActivity{},
		domain.KindSetVariable: setVariableActivity{},
		domain.KindTask:        taskActivity{handlers: tasks},
	}}
}

// Register replaces or adds the activity for a step kind.
func (r *Registry) Register(kind domain.StepKind, act Activity) {
	r.activities[kind] = act
}

func (r *Registry) Get(kind domain.StepKind) (Activity, bool) {
	act, ok := r.activities[kind]
	return act, ok
}

// httpTriggerActivity suspends until the route fires. The engine marks a
// resumed pointer with a non-nil resume payload, which doubles as the
// "trigger already fired" signal (start triggers are pre-fired on start).
type httpTriggerActivity struct{}

func (httpTriggerActivity) Execute(_ context.Context, ac ActivityContext) ActivityResult {
	if ac.Pointer.ResumePayload != nil {
		return completed(domain.OutcomeDone, ac.Pointer.ResumePayload)
	}
	return suspended(domain.TriggerKeyHTTP(ac.Step.Route), nil, nil)
}

// timerActivity suspends with a due timestamp; the timer dispatcher resumes
// it once due.
type timerActivity struct{}

func (timerActivity) Execute(_ context.Context, ac ActivityContext) ActivityResult {
	if ac.Pointer.ResumePayload != nil {
		return completed(domain.OutcomeDone, nil)
	}
	due := ac.Now.Add(ac.Step.Duration)
	return suspended(domain.TriggerKeyTimer(ac.Pointer.ID),
		map[string]any{"due": due.Format(time.RFC3339Nano)}, &due)
}

// decisionActivity reports the evaluated "outcome" input as the step
// outcome, and records it under ResultVar when configured.
type decisionActivity struct{}

func (decisionActivity) Execute(_ context.Context, ac ActivityContext) ActivityResult {
	raw, ok := ac.Inputs["outcome"]
	if !ok {
		return faulted(fmt.Errorf("decision step %q has no outcome input", ac.Step.ID))
	}
	outcome, ok := raw.(string)
	if !ok {
		return faulted(fmt.Errorf("decision step %q outcome is %T, want string", ac.Step.ID, raw))
	}
	var outputs map[string]any
	if ac.Step.ResultVar != "" {
		outputs = map[string]any{ac.Step.ResultVar: outcome}
	}
	return completed(outcome, outputs)
}

// setVariableActivity writes every evaluated input into the bindings.
type setVariableActivity struct{}

func (setVariableActivity) Execute(_ context.Context, ac ActivityContext) ActivityResult {
	return completed(domain.OutcomeDone, ac.Inputs)
}

// taskActivity dispatches to a named host handler.
type taskActivity struct {
	handlers map[string]TaskHandler
}

func (a taskActivity) Execute(ctx context.Context, ac ActivityContext) ActivityResult {
	handler, ok := a.handlers[ac.Step.Task]
	if !ok {
		return faulted(fmt.Errorf("unknown task handler %q", ac.Step.Task))
	}
	outputs, err := handler(ctx, ac.Inputs)
	if err != nil {
		return faulted(fmt.Errorf("task %q: %w", ac.Step.Task, err))
	}
	return completed(domain.OutcomeDone, outputs)
}
