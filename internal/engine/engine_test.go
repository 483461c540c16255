package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"
	"flowhost/internal/expression"
	"flowhost/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorderSink collects events for assertions.
type recorderSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorderSink) Publish(event domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorderSink) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorderSink) firstInstanceID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return uuid.Nil
	}
	return r.events[0].InstanceID
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testHost struct {
	definitions *memory.DefinitionStore
	instances   *memory.InstanceStore
	bookmarks   *memory.BookmarkStore
	sink        *recorderSink
	engine      *Engine
	clock       *fakeClock
}

func newTestHost(t *testing.T, cfg Config, tasks map[string]TaskHandler) *testHost {
	t.Helper()
	h := &testHost{
		definitions: memory.NewDefinitionStore(),
		instances:   memory.NewInstanceStore(),
		bookmarks:   memory.NewBookmarkStore(),
		sink:        &recorderSink{},
		clock:       &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	if cfg.Clock == nil {
		cfg.Clock = h.clock.Now
	}
	h.engine = New(h.definitions, h.instances, h.bookmarks, expression.NewBasic(), h.sink, NewRegistry(tasks), cfg)
	return h
}

func (h *testHost) publish(t *testing.T, def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	t.Helper()
	id, version, err := h.definitions.Publish(context.Background(), def)
	require.NoError(t, err)
	stored, err := h.definitions.Get(context.Background(), id, version)
	require.NoError(t, err)
	return stored
}

func orderDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "order",
		StartStep: "receive",
		Steps: map[string]domain.Step{
			"receive": {
				ID: "receive", Kind: domain.KindHTTPTrigger, Route: "order",
				Transitions: map[string]string{domain.OutcomeDone: "decide"},
			},
			"decide": {
				ID: "decide", Kind: domain.KindDecision,
				Inputs:      map[string]string{"outcome": "amount > 100 ? 'approve' : 'auto'"},
				ResultVar:   "route",
				Outcomes:    []string{"approve", "auto"},
				Transitions: map[string]string{"approve": "approved", "auto": "auto_done"},
			},
			"approved":  {ID: "approved", Kind: domain.KindTerminal},
			"auto_done": {ID: "auto_done", Kind: domain.KindTerminal},
		},
	}
}

func TestDecisionRoutesBySubmittedAmount(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, orderDefinition())

	id, res, err := h.engine.Start(context.Background(), def, map[string]any{"amount": 50.0})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)

	inst, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "auto", inst.Variables["route"])

	id, res, err = h.engine.Start(context.Background(), def, map[string]any{"amount": 500.0})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)

	inst, err = h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "approve", inst.Variables["route"])
}

func TestTimerSuspendsThenCompletes(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, &domain.WorkflowDefinition{
		ID:        "delayed",
		StartStep: "wait",
		Steps: map[string]domain.Step{
			"wait": {
				ID: "wait", Kind: domain.KindTimer, Duration: 5 * time.Second,
				Transitions: map[string]string{domain.OutcomeDone: "end"},
			},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	})

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, res.Status)

	due, err := h.bookmarks.DueTimers(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "timer must not be due yet")

	h.clock.Advance(5 * time.Second)
	due, err = h.bookmarks.DueTimers(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err = h.engine.Resume(context.Background(), due[0].ID, due[0].Token, map[string]any{"fired": true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)

	inst, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, inst.Status)

	// No residual bookmark may remain once the instance is terminal.
	h.clock.Advance(time.Hour)
	due, err = h.bookmarks.DueTimers(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

// forkDefinition splits into a variable-setting branch and a branch running
// the "boom" task. Branch order controls which pointer executes first.
func forkDefinition(branches []string, propagate bool) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "parallel",
		StartStep: "split",
		Steps: map[string]domain.Step{
			"split": {ID: "split", Kind: domain.KindFork, Branches: branches, JoinGroup: "g"},
			"left": {
				ID: "left", Kind: domain.KindSetVariable,
				Inputs:      map[string]string{"x": "'from-left'"},
				Transitions: map[string]string{domain.OutcomeDone: "merge"},
			},
			"right": {
				ID: "right", Kind: domain.KindTask, Task: "boom", PropagateFault: propagate,
				Transitions: map[string]string{domain.OutcomeDone: "merge"},
			},
			"merge": {
				ID: "merge", Kind: domain.KindJoin, JoinGroup: "g",
				Transitions: map[string]string{domain.OutcomeDone: "end"},
			},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	}
}

func boomTask() map[string]TaskHandler {
	return map[string]TaskHandler{
		"boom": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("exploded")
		},
	}
}

func TestForkJoinSurvivesNonPropagatingFault(t *testing.T) {
	h := newTestHost(t, Config{}, boomTask())
	def := h.publish(t, forkDefinition([]string{"left", "right"}, false))

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFaulted, res.Status)
	assert.Contains(t, res.Fault, "exploded")

	// The join still completed with the surviving branch's bindings.
	inst, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "from-left", inst.Variables["x"])
	assert.True(t, inst.AllRetired())
}

func TestForkJoinPropagatingFaultCancelsSiblings(t *testing.T) {
	h := newTestHost(t, Config{}, boomTask())
	// The faulting branch runs first so propagation has a live sibling to cancel.
	def := h.publish(t, forkDefinition([]string{"right", "left"}, true))

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFaulted, res.Status)

	inst, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	_, merged := inst.Variables["x"]
	assert.False(t, merged, "cancelled sibling must not contribute bindings")
	assert.True(t, inst.AllRetired())
}

func TestForkBranchEndingAtTerminalStillJoins(t *testing.T) {
	// "right" never reaches the join: directly terminal in one variant,
	// transitioning to a terminal step in the other. Either way the join
	// must complete with the surviving branch's bindings.
	branchSteps := map[string]domain.Step{
		"terminal branch": {ID: "right", Kind: domain.KindTerminal},
		"terminal target": {ID: "right", Kind: domain.KindSetVariable,
			Transitions: map[string]string{domain.OutcomeDone: "end"}},
	}

	for name, right := range branchSteps {
		t.Run(name, func(t *testing.T) {
			h := newTestHost(t, Config{}, nil)
			def := h.publish(t, &domain.WorkflowDefinition{
				ID:        "shortcut",
				StartStep: "split",
				Steps: map[string]domain.Step{
					"split": {ID: "split", Kind: domain.KindFork, Branches: []string{"left", "right"}, JoinGroup: "g"},
					"left": {
						ID: "left", Kind: domain.KindSetVariable,
						Inputs:      map[string]string{"x": "'from-left'"},
						Transitions: map[string]string{domain.OutcomeDone: "merge"},
					},
					"right": right,
					"merge": {
						ID: "merge", Kind: domain.KindJoin, JoinGroup: "g",
						Transitions: map[string]string{domain.OutcomeDone: "end"},
					},
					"end": {ID: "end", Kind: domain.KindTerminal},
				},
			})

			id, res, err := h.engine.Start(context.Background(), def, nil)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, res.Status)

			inst, err := h.instances.Load(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, "from-left", inst.Variables["x"])
			assert.True(t, inst.AllRetired())
		})
	}
}

func TestTransitionNotFoundFaultsInstance(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, &domain.WorkflowDefinition{
		ID:        "dangling",
		StartStep: "decide",
		Steps: map[string]domain.Step{
			"decide": {
				ID: "decide", Kind: domain.KindDecision,
				Inputs:      map[string]string{"outcome": "'surprise'"},
				Transitions: map[string]string{"expected": "end"},
			},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	})

	_, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFaulted, res.Status)
	assert.Contains(t, res.Fault, "transition not found")
}

func TestEvaluationErrorFaultsInstance(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, &domain.WorkflowDefinition{
		ID:        "badexpr",
		StartStep: "decide",
		Steps: map[string]domain.Step{
			"decide": {
				ID: "decide", Kind: domain.KindDecision,
				Inputs:            map[string]string{"outcome": "no_such_var ? 'a' : 'b'"},
				DefaultTransition: "end",
			},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	})

	_, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFaulted, res.Status)
	assert.Contains(t, res.Fault, "evaluation failed")
}

// loopDefinition cycles a task through a decision that always chooses the
// loop edge; the stop edge keeps a terminal reachable for validation.
func loopDefinition(task string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "looper",
		StartStep: "tick",
		Steps: map[string]domain.Step{
			"tick": {ID: "tick", Kind: domain.KindTask, Task: task,
				Transitions: map[string]string{domain.OutcomeDone: "gate"}},
			"gate": {ID: "gate", Kind: domain.KindDecision,
				Inputs:      map[string]string{"outcome": "'loop'"},
				Transitions: map[string]string{"loop": "tick", "stop": "end"}},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	}
}

func noopTask() map[string]TaskHandler {
	return map[string]TaskHandler{
		"noop": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}
}

func TestStepBudgetYields(t *testing.T) {
	h := newTestHost(t, Config{StepBudget: 4}, noopTask())
	def := h.publish(t, loopDefinition("noop"))

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	assert.True(t, res.Yielded)
	assert.Equal(t, domain.StatusRunning, res.Status)

	// The host continues the instance on a later run; it yields again.
	res, err = h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Yielded)
	assert.Equal(t, domain.StatusRunning, res.Status)
}

func TestRerunTerminalInstanceIsNoop(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, orderDefinition())

	id, res, err := h.engine.Start(context.Background(), def, map[string]any{"amount": 50.0})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, res.Status)

	before, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)

	res, err = h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)

	after, err := h.instances.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.Sequence, after.Sequence, "re-run must not write")
}

func suspendingDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "approval",
		StartStep: "init",
		Steps: map[string]domain.Step{
			"init": {
				ID: "init", Kind: domain.KindSetVariable,
				Inputs:      map[string]string{"state": "'pending'"},
				Transitions: map[string]string{domain.OutcomeDone: "wait"},
			},
			"wait": {
				ID: "wait", Kind: domain.KindHTTPTrigger, Route: "approve",
				Transitions: map[string]string{domain.OutcomeDone: "end"},
			},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	}
}

func TestBookmarkConsumedExactlyOnce(t *testing.T) {
	h := newTestHost(t, Config{LockWait: time.Second}, nil)
	def := h.publish(t, suspendingDefinition())

	_, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, res.Status)

	bms, err := h.bookmarks.Resolve(context.Background(), domain.TriggerKeyHTTP("approve"))
	require.NoError(t, err)
	require.Len(t, bms, 1)
	bm := bms[0]

	const racers = 16
	var wins, notFound atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Resume(context.Background(), bm.ID, bm.Token, map[string]any{"ok": true})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrBookmarkNotFound):
				notFound.Add(1)
			default:
				t.Errorf("unexpected resume error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one resume must win")
	assert.Equal(t, int64(racers-1), notFound.Load())
}

func TestResumeUnderContentionKeepsBookmark(t *testing.T) {
	h := newTestHost(t, Config{LockWait: 0}, nil)
	def := h.publish(t, suspendingDefinition())

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, res.Status)

	bms, err := h.bookmarks.Resolve(context.Background(), domain.TriggerKeyHTTP("approve"))
	require.NoError(t, err)
	require.Len(t, bms, 1)
	bm := bms[0]

	// Hold the instance lock so the resume loses the try-lock.
	release, err := h.engine.locks.acquire(context.Background(), id, 0)
	require.NoError(t, err)

	_, err = h.engine.Resume(context.Background(), bm.ID, bm.Token, nil)
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)

	// The trigger survived the busy rejection; a retry with the same
	// bookmark must succeed once the lock frees up.
	release()
	res, err = h.engine.Resume(context.Background(), bm.ID, bm.Token, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

// conflictingInstanceStore fails the next Save with a concurrency conflict
// once armed, then behaves normally.
type conflictingInstanceStore struct {
	ports.InstanceStore
	armed atomic.Bool
}

func (s *conflictingInstanceStore) Save(ctx context.Context, inst *domain.WorkflowInstance, expectedSequence int64) error {
	if s.armed.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: lost update race", domain.ErrConcurrencyConflict)
	}
	return s.InstanceStore.Save(ctx, inst, expectedSequence)
}

func TestResumeAfterSaveConflictKeepsBookmark(t *testing.T) {
	definitions := memory.NewDefinitionStore()
	instances := &conflictingInstanceStore{InstanceStore: memory.NewInstanceStore()}
	bookmarks := memory.NewBookmarkStore()
	eng := New(definitions, instances, bookmarks,
		expression.NewBasic(), nil, NewRegistry(nil), Config{})

	ctx := context.Background()
	_, version, err := definitions.Publish(ctx, suspendingDefinition())
	require.NoError(t, err)
	def, err := definitions.Get(ctx, "approval", version)
	require.NoError(t, err)

	_, res, err := eng.Start(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, res.Status)

	bms, err := bookmarks.Resolve(ctx, domain.TriggerKeyHTTP("approve"))
	require.NoError(t, err)
	require.Len(t, bms, 1)
	bm := bms[0]

	instances.armed.Store(true)
	_, err = eng.Resume(ctx, bm.ID, bm.Token, nil)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	// The failed save put the bookmark back; the retry wins.
	res, err = eng.Resume(ctx, bm.ID, bm.Token, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestConcurrentRunsSerializeStepExecution(t *testing.T) {
	var running, maxRunning, ticks atomic.Int64
	tasks := map[string]TaskHandler{
		"slow": func(context.Context, map[string]any) (map[string]any, error) {
			if n := running.Add(1); n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			ticks.Add(1)
			return nil, nil
		},
	}
	// Budget of two covers one task plus the gate decision per run.
	h := newTestHost(t, Config{StepBudget: 2, LockWait: 5 * time.Second, Clock: time.Now}, tasks)
	def := h.publish(t, loopDefinition("slow"))

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, res.Yielded)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Run(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxRunning.Load(), "step execution must never interleave")
	assert.Equal(t, int64(5), ticks.Load(), "one task step per run invocation")
}

func TestZeroLockWaitRejectsBusyInstance(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tasks := map[string]TaskHandler{
		"hold": func(context.Context, map[string]any) (map[string]any, error) {
			close(entered)
			<-release
			return nil, nil
		},
	}
	h := newTestHost(t, Config{LockWait: 0, Clock: time.Now}, tasks)
	def := h.publish(t, &domain.WorkflowDefinition{
		ID:        "holder",
		StartStep: "hold",
		Steps: map[string]domain.Step{
			"hold": {ID: "hold", Kind: domain.KindTask, Task: "hold",
				Transitions: map[string]string{domain.OutcomeDone: "end"}},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, res, err := h.engine.Start(context.Background(), def, nil)
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, res.Status)
	}()

	// The instance-started event fires before the run takes the lock, so the
	// id is visible while the task handler still holds the instance busy.
	<-entered
	id := h.sink.firstInstanceID()
	require.NotEqual(t, uuid.Nil, id)

	_, err := h.engine.Run(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)

	close(release)
	<-done

	res, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestCancelSuspendedInstance(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, suspendingDefinition())

	id, res, err := h.engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, res.Status)

	res, err = h.engine.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	// The route no longer resolves any bookmark.
	bms, err := h.bookmarks.Resolve(context.Background(), domain.TriggerKeyHTTP("approve"))
	require.NoError(t, err)
	assert.Empty(t, bms)

	// Re-running or re-cancelling a terminal instance is a no-op.
	res, err = h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	res, err = h.engine.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)
}

func TestEventsFollowLifecycle(t *testing.T) {
	h := newTestHost(t, Config{}, nil)
	def := h.publish(t, orderDefinition())

	_, _, err := h.engine.Start(context.Background(), def, map[string]any{"amount": 500.0})
	require.NoError(t, err)

	kinds := h.sink.kinds()
	assert.Contains(t, kinds, domain.EventInstanceStarted)
	assert.Contains(t, kinds, domain.EventStepCompleted)
	assert.Contains(t, kinds, domain.EventInstanceCompleted)
}
