// Package engine implements the workflow execution core: it advances an
// instance through its definition graph step by step, suspends it on
// bookmarks, resumes it exactly once per bookmark, and reports state
// changes to the event sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"
	"flowhost/internal/metrics"

	"github.com/google/uuid"
)

// Config bounds a single run and tunes lock contention behavior.
type Config struct {
	// StepBudget caps the number of steps one Run may execute before it
	// persists partial progress and yields.
	StepBudget int

	// LockWait bounds how long Run and Resume wait for the per-instance
	// lock. Zero rejects immediately with InstanceBusy.
	LockWait time.Duration

	// Clock defaults to time.Now; tests inject their own.
	Clock func() time.Time
}

const defaultStepBudget = 1000

// RunResult reports how a run ended. Yielded means the step budget ran out
// with work remaining; the host should invoke Run again.
type RunResult struct {
	Status  domain.InstanceStatus
	Yielded bool
	Fault   string
}

// Engine receives every collaborator explicitly at construction.
type Engine struct {
	definitions ports.DefinitionStore
	instances   ports.InstanceStore
	bookmarks   ports.BookmarkStore
	evaluator   ports.Evaluator
	sink        ports.EventSink
	registry    *Registry

	locks   *instanceLocks
	cancels *cancelRegistry
	cfg     Config
}

func New(
	definitions ports.DefinitionStore,
	instances ports.InstanceStore,
	bookmarks ports.BookmarkStore,
	evaluator ports.Evaluator,
	sink ports.EventSink,
	registry *Registry,
	cfg Config,
) *Engine {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = defaultStepBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		definitions: definitions,
		instances:   instances,
		bookmarks:   bookmarks,
		evaluator:   evaluator,
		sink:        sink,
		registry:    registry,
		locks:       newInstanceLocks(),
		cancels:     newCancelRegistry(),
		cfg:         cfg,
	}
}

// Start creates an instance of the definition and runs it. When the start
// step is an HTTP trigger it is pre-fired with the input, so a trigger
// request both creates and advances the instance in one call.
func (e *Engine) Start(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any) (uuid.UUID, RunResult, error) {
	inst := domain.NewInstance(def, input)
	if start := def.Steps[def.StartStep]; start.Kind == domain.KindHTTPTrigger {
		payload := input
		if payload == nil {
			payload = map[string]any{}
		}
		inst.Pointers[0].ResumePayload = payload
	}
	if err := e.instances.Create(ctx, inst); err != nil {
		return uuid.Nil, RunResult{}, err
	}
	e.publish(domain.NewEvent(inst.ID, domain.EventInstanceStarted, def.StartStep, nil))

	res, err := e.Run(ctx, inst.ID)
	return inst.ID, res, err
}

// Run advances the instance until it suspends, finishes, faults, or
// exhausts the step budget. A second caller for a busy instance waits at
// most Config.LockWait and then gets InstanceBusy.
func (e *Engine) Run(ctx context.Context, instanceID uuid.UUID) (RunResult, error) {
	release, err := e.locks.acquire(ctx, instanceID, e.cfg.LockWait)
	if err != nil {
		return RunResult{}, err
	}
	defer release()
	return e.runLocked(ctx, instanceID, nil)
}

// Resume consumes the bookmark and continues the waiting branch with the
// given payload. Consumption is the exactly-once gate: a second resume for
// the same bookmark gets BookmarkNotFound no matter how the calls race.
// When anything fails after consumption the bookmark is put back, so the
// retry the error asks for can still find its trigger.
func (e *Engine) Resume(ctx context.Context, bookmarkID uuid.UUID, token string, payload map[string]any) (RunResult, error) {
	bm, err := e.bookmarks.Consume(ctx, bookmarkID, token)
	if err != nil {
		return RunResult{}, err
	}

	release, err := e.locks.acquire(ctx, bm.InstanceID, e.cfg.LockWait)
	if err != nil {
		e.restoreBookmark(ctx, *bm)
		return RunResult{}, err
	}
	defer release()

	res, err := e.runLocked(ctx, bm.InstanceID, func(inst *domain.WorkflowInstance) {
		ptr := inst.PointerByBookmark(bm.ID)
		if ptr == nil {
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		ptr.ResumePayload = payload
		ptr.BookmarkID = uuid.Nil
		ptr.State = domain.PointerRunnable
		if inst.Status == domain.StatusSuspended {
			inst.Status = domain.StatusRunning
		}
		e.publish(domain.NewEvent(inst.ID, domain.EventInstanceResumed, ptr.StepID, nil))
	})
	if err != nil {
		e.restoreBookmark(ctx, *bm)
		return RunResult{}, err
	}
	return res, nil
}

// restoreBookmark puts a consumed bookmark back after a failed resume.
// Dropping it would leave the pointer waiting on a trigger that can never
// fire again.
func (e *Engine) restoreBookmark(ctx context.Context, bm domain.Bookmark) {
	if err := e.bookmarks.Upsert(ctx, bm); err != nil {
		log.Printf("engine: restore bookmark %s for instance %s: %v", bm.ID, bm.InstanceID, err)
	}
}

// Cancel flags the instance, waits for any in-flight run to reach a step
// boundary and bail out, then persists the cancellation and removes all
// outstanding bookmarks. Safe to call at any time.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID) (RunResult, error) {
	e.cancels.set(instanceID)

	release, err := e.locks.acquire(ctx, instanceID, -1)
	if err != nil {
		e.cancels.clear(instanceID)
		return RunResult{}, err
	}
	defer release()
	defer e.cancels.clear(instanceID)

	inst, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return RunResult{}, err
	}
	if inst.Status.Terminal() {
		return RunResult{Status: inst.Status, Fault: inst.Fault}, nil
	}

	seq := inst.Sequence
	inst.Status = domain.StatusCancelled
	for i := range inst.Pointers {
		inst.Pointers[i].State = domain.PointerRetired
	}
	if err := e.bookmarks.DeleteForInstance(ctx, instanceID); err != nil {
		return RunResult{}, err
	}
	if err := e.instances.Save(ctx, inst, seq); err != nil {
		return RunResult{}, err
	}
	e.publish(domain.NewEvent(instanceID, domain.EventInstanceCancelled, "", nil))
	return RunResult{Status: domain.StatusCancelled}, nil
}

// runLocked is the core loop. The caller must hold the instance lock.
// preRun, when set, mutates the freshly loaded instance before stepping
// (used by Resume to wake the bookmarked pointer).
func (e *Engine) runLocked(ctx context.Context, instanceID uuid.UUID, preRun func(*domain.WorkflowInstance)) (RunResult, error) {
	started := e.cfg.Clock()

	inst, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return RunResult{}, err
	}
	// Terminal instances are immutable; re-running is a no-op.
	if inst.Status.Terminal() {
		return RunResult{Status: inst.Status, Fault: inst.Fault}, nil
	}
	if preRun != nil {
		preRun(inst)
	}

	def, err := e.definitions.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return RunResult{}, err
	}

	seq := inst.Sequence
	steps := 0
	yielded := false

	for {
		// Cancellation wins at every step boundary. The Cancel call
		// waiting on our lock does the store writes; this run must not
		// persist anything further.
		if e.cancels.isSet(inst.ID) {
			return RunResult{Status: domain.StatusCancelled}, nil
		}
		ptr := inst.NextRunnable()
		if ptr == nil {
			break
		}
		if steps >= e.cfg.StepBudget {
			yielded = true
			break
		}
		steps++
		e.executeStep(ctx, inst, def, ptr)
	}

	if inst.Status != domain.StatusFaulted {
		switch {
		case inst.AllRetired():
			inst.Status = domain.StatusCompleted
		case yielded:
			inst.Status = domain.StatusRunning
		default:
			inst.Status = domain.StatusSuspended
		}
	}

	if err := e.instances.Save(ctx, inst, seq); err != nil {
		return RunResult{}, err
	}

	if inst.Status.Terminal() {
		// No bookmark of a terminal instance may ever fire again.
		if err := e.bookmarks.DeleteForInstance(ctx, inst.ID); err != nil {
			log.Printf("engine: delete bookmarks for %s: %v", inst.ID, err)
		}
		e.cancels.clear(inst.ID)
		switch inst.Status {
		case domain.StatusCompleted:
			e.publish(domain.NewEvent(inst.ID, domain.EventInstanceCompleted, "", nil))
		case domain.StatusFaulted:
			e.publish(domain.NewEvent(inst.ID, domain.EventInstanceFaulted, "", map[string]any{"fault": inst.Fault}))
		}
	} else if inst.Status == domain.StatusSuspended {
		e.publish(domain.NewEvent(inst.ID, domain.EventInstanceSuspended, "", nil))
	}

	metrics.RunsTotal.WithLabelValues(string(inst.Status)).Inc()
	metrics.RunDuration.Observe(e.cfg.Clock().Sub(started).Seconds())

	return RunResult{Status: inst.Status, Yielded: yielded, Fault: inst.Fault}, nil
}

func (e *Engine) executeStep(ctx context.Context, inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, ptr *domain.ExecutionPointer) {
	step, ok := def.Steps[ptr.StepID]
	if !ok {
		e.faultStep(inst, ptr, domain.Step{ID: ptr.StepID},
			fmt.Errorf("pointer references unknown step %q", ptr.StepID))
		return
	}
	metrics.StepsTotal.WithLabelValues(string(step.Kind)).Inc()

	switch step.Kind {
	case domain.KindFork:
		ptr.State = domain.PointerRetired
		for _, branch := range step.Branches {
			np := inst.AddPointer(branch, step.JoinGroup)
			np.Scope = map[string]any{}
		}
		e.publish(domain.NewEvent(inst.ID, domain.EventStepCompleted, step.ID, nil))
	case domain.KindJoin:
		e.arriveAtJoin(inst, def, ptr, step)
	case domain.KindTerminal:
		e.retirePointer(inst, ptr)
		e.publish(domain.NewEvent(inst.ID, domain.EventStepCompleted, step.ID, nil))
	default:
		e.executeActivity(ctx, inst, def, ptr, step)
	}
}

func (e *Engine) executeActivity(ctx context.Context, inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, ptr *domain.ExecutionPointer, step domain.Step) {
	inputs, err := e.evaluateInputs(step, inst, ptr)
	if err != nil {
		e.faultStep(inst, ptr, step, fmt.Errorf("%w: %v", domain.ErrEvaluation, err))
		return
	}

	activity, ok := e.registry.Get(step.Kind)
	if !ok {
		e.faultStep(inst, ptr, step, fmt.Errorf("no activity registered for kind %q", step.Kind))
		return
	}

	res := activity.Execute(ctx, ActivityContext{
		Instance: inst,
		Pointer:  ptr,
		Step:     step,
		Inputs:   inputs,
		Now:      e.cfg.Clock(),
	})

	switch {
	case res.Err != nil:
		e.faultStep(inst, ptr, step, res.Err)
	case res.TriggerKey != "":
		bm := domain.NewBookmark(inst.ID, step.ID, res.TriggerKey, res.Payload, res.DueAt)
		if err := e.bookmarks.Upsert(ctx, bm); err != nil {
			e.faultStep(inst, ptr, step, fmt.Errorf("persist bookmark: %w", err))
			return
		}
		ptr.State = domain.PointerWaitingEvent
		ptr.BookmarkID = bm.ID
		ptr.ResumePayload = nil
	default:
		e.mergeBindings(inst, ptr, res.Outputs)
		ptr.ResumePayload = nil
		e.publish(domain.NewEvent(inst.ID, domain.EventStepCompleted, step.ID, map[string]any{"outcome": res.Outcome}))
		e.advance(inst, def, ptr, step, res.Outcome)
	}
}

// advance moves the pointer along the transition selected by the outcome.
// Reaching a terminal step retires the pointer.
func (e *Engine) advance(inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, ptr *domain.ExecutionPointer, step domain.Step, outcome string) {
	target, ok := step.Transitions[outcome]
	if !ok && step.DefaultTransition != "" {
		target, ok = step.DefaultTransition, true
	}
	if !ok {
		if step.DanglingAllowed {
			// Declared dangling: the branch simply ends here.
			e.retirePointer(inst, ptr)
			return
		}
		e.faultStep(inst, ptr, step,
			fmt.Errorf("%w: step %q outcome %q", domain.ErrTransitionNotFound, step.ID, outcome))
		return
	}
	if def.Steps[target].Kind == domain.KindTerminal {
		e.retirePointer(inst, ptr)
		return
	}
	ptr.StepID = target
}

// retirePointer ends one branch. The retired branch may have been the last
// one a join was waiting on, so parked members of its group are woken to
// re-check. Every path that ends a branch must come through here; retiring
// in place would leave the join waiting on a pointer that can never arrive.
func (e *Engine) retirePointer(inst *domain.WorkflowInstance, ptr *domain.ExecutionPointer) {
	ptr.State = domain.PointerRetired
	if ptr.JoinGroup == "" {
		return
	}
	for i := range inst.Pointers {
		p := &inst.Pointers[i]
		if p.JoinGroup == ptr.JoinGroup && p.State == domain.PointerWaitingJoin {
			p.State = domain.PointerRunnable
		}
	}
}

// arriveAtJoin parks the pointer and, once every pointer of the join group
// has arrived or retired, merges the surviving scopes in creation order and
// continues as a single pointer. Re-arrival of the same pointer is a no-op.
func (e *Engine) arriveAtJoin(inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, ptr *domain.ExecutionPointer, step domain.Step) {
	ptr.State = domain.PointerWaitingJoin

	var members []*domain.ExecutionPointer
	for i := range inst.Pointers {
		p := &inst.Pointers[i]
		if p.JoinGroup != step.JoinGroup {
			continue
		}
		if p.State == domain.PointerRunnable || p.State == domain.PointerWaitingEvent {
			return // a branch is still in flight
		}
		if p.State == domain.PointerWaitingJoin {
			members = append(members, p)
		}
	}

	// Last writer wins by pointer creation order; faulted branches retired
	// before reaching the join contribute nothing.
	sort.Slice(members, func(i, j int) bool {
		return members[i].CreatedIndex < members[j].CreatedIndex
	})
	for _, m := range members {
		for k, v := range m.Scope {
			inst.Variables[k] = v
		}
		m.Scope = nil
		m.State = domain.PointerRetired
	}

	e.publish(domain.NewEvent(inst.ID, domain.EventStepCompleted, step.ID, nil))

	cont := inst.AddPointer(step.ID, "")
	e.advance(inst, def, cont, step, domain.OutcomeDone)
}

// faultStep retires the failing pointer and faults the instance. Sibling
// branches keep running unless the step propagates its fault, in which case
// every remaining pointer is cancelled.
func (e *Engine) faultStep(inst *domain.WorkflowInstance, ptr *domain.ExecutionPointer, step domain.Step, err error) {
	ptr.Faulted = true
	inst.Status = domain.StatusFaulted
	inst.Fault = err.Error()

	metrics.FaultsTotal.WithLabelValues(faultCause(err)).Inc()
	e.publish(domain.NewEvent(inst.ID, domain.EventStepFaulted, step.ID, map[string]any{"error": err.Error()}))
	log.Printf("engine: instance %s faulted at step %s: %v", inst.ID, step.ID, err)

	if step.PropagateFault {
		for i := range inst.Pointers {
			inst.Pointers[i].State = domain.PointerRetired
		}
		return
	}
	e.retirePointer(inst, ptr)
}

// evaluateInputs resolves every input expression against the instance
// variables overlaid with the pointer's fork scope.
func (e *Engine) evaluateInputs(step domain.Step, inst *domain.WorkflowInstance, ptr *domain.ExecutionPointer) (map[string]any, error) {
	if len(step.Inputs) == 0 {
		return map[string]any{}, nil
	}
	bindings := inst.Variables
	if len(ptr.Scope) > 0 {
		bindings = make(map[string]any, len(inst.Variables)+len(ptr.Scope))
		for k, v := range inst.Variables {
			bindings[k] = v
		}
		for k, v := range ptr.Scope {
			bindings[k] = v
		}
	}

	out := make(map[string]any, len(step.Inputs))
	for name, expr := range step.Inputs {
		v, err := e.evaluator.Evaluate(expr, bindings)
		if err != nil {
			return nil, fmt.Errorf("input %q: %v", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// mergeBindings writes step outputs into the fork scope when the pointer
// belongs to a join group, otherwise straight into the instance variables.
func (e *Engine) mergeBindings(inst *domain.WorkflowInstance, ptr *domain.ExecutionPointer, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	if ptr.JoinGroup != "" {
		if ptr.Scope == nil {
			ptr.Scope = map[string]any{}
		}
		for k, v := range outputs {
			ptr.Scope[k] = v
		}
		return
	}
	for k, v := range outputs {
		inst.Variables[k] = v
	}
}

func (e *Engine) publish(event domain.Event) {
	if e.sink != nil {
		e.sink.Publish(event)
	}
}

func faultCause(err error) string {
	switch {
	case errors.Is(err, domain.ErrTransitionNotFound):
		return "transition_not_found"
	case errors.Is(err, domain.ErrEvaluation):
		return "evaluation"
	default:
		return "activity"
	}
}
