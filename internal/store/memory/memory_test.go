package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triggerDefinition(id, route string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        id,
		StartStep: "start",
		Steps: map[string]domain.Step{
			"start": {ID: "start", Kind: domain.KindHTTPTrigger, Route: route,
				Transitions: map[string]string{domain.OutcomeDone: "end"}},
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	}
}

func TestPublishAllocatesVersions(t *testing.T) {
	s := NewDefinitionStore()
	ctx := context.Background()

	_, v1, err := s.Publish(ctx, triggerDefinition("wf", "orders"))
	require.NoError(t, err)
	_, v2, err := s.Publish(ctx, triggerDefinition("wf", "orders"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)

	latest, err := s.Get(ctx, "wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	first, err := s.Get(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	_, err = s.Get(ctx, "wf", 3)
	assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
	_, err = s.Get(ctx, "missing", 0)
	assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	s := NewDefinitionStore()

	_, _, err := s.Publish(context.Background(), &domain.WorkflowDefinition{
		ID:        "broken",
		StartStep: "missing",
		Steps: map[string]domain.Step{
			"end": {ID: "end", Kind: domain.KindTerminal},
		},
	})
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)

	_, err = s.Get(context.Background(), "broken", 0)
	assert.ErrorIs(t, err, domain.ErrDefinitionNotFound, "invalid definitions are never stored")
}

func TestPublishRejectsRouteOwnedByOtherDefinition(t *testing.T) {
	s := NewDefinitionStore()
	ctx := context.Background()

	_, _, err := s.Publish(ctx, triggerDefinition("first", "orders"))
	require.NoError(t, err)

	// Same id may republish on the same route; another id may not.
	_, _, err = s.Publish(ctx, triggerDefinition("first", "orders"))
	assert.NoError(t, err)
	_, _, err = s.Publish(ctx, triggerDefinition("second", "orders"))
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)
}

func TestFindByRouteReturnsNewestFirst(t *testing.T) {
	s := NewDefinitionStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := s.Publish(ctx, triggerDefinition("wf", "orders"))
		require.NoError(t, err)
	}

	defs, err := s.FindByRoute(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, 3, defs[0].Version)
	assert.Equal(t, 1, defs[2].Version)

	defs, err = s.FindByRoute(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestStoredDefinitionIsIsolatedFromCaller(t *testing.T) {
	s := NewDefinitionStore()
	ctx := context.Background()

	def := triggerDefinition("wf", "orders")
	_, _, err := s.Publish(ctx, def)
	require.NoError(t, err)

	// Mutating the caller's copy must not leak into the store.
	def.Steps["start"] = domain.Step{ID: "start", Kind: domain.KindTerminal}

	stored, err := s.Get(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.KindHTTPTrigger, stored.Steps["start"].Kind)
}

func testInstance() *domain.WorkflowInstance {
	return domain.NewInstance(triggerDefinition("wf", "orders"), map[string]any{"k": "v"})
}

func TestInstanceSaveGuardsSequence(t *testing.T) {
	s := NewInstanceStore()
	ctx := context.Background()

	inst := testInstance()
	require.NoError(t, s.Create(ctx, inst))

	loaded, err := s.Load(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), loaded.Sequence)

	loaded.Variables["k"] = "v2"
	require.NoError(t, s.Save(ctx, loaded, 1))
	assert.Equal(t, int64(2), loaded.Sequence, "save advances the caller's sequence")

	// A writer still holding the old sequence loses.
	stale := testInstance()
	stale.ID = inst.ID
	err = s.Save(ctx, stale, 1)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	final, err := s.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", final.Variables["k"])
	assert.Equal(t, int64(2), final.Sequence)
}

func TestInstanceSaveRaceHasOneWinner(t *testing.T) {
	s := NewInstanceStore()
	ctx := context.Background()

	inst := testInstance()
	require.NoError(t, s.Create(ctx, inst))

	const writers = 8
	var wins, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot, err := s.Load(ctx, inst.ID)
			if err != nil {
				t.Error(err)
				return
			}
			// Every writer presents sequence 1; only the first save matches.
			switch err := s.Save(ctx, snapshot, 1); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected save error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one save at sequence 1 may win")
	assert.Equal(t, int64(writers-1), conflicts.Load())
}

func TestLoadUnknownInstance(t *testing.T) {
	s := NewInstanceStore()
	_, err := s.Load(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestConsumeIsCompareAndRemove(t *testing.T) {
	s := NewBookmarkStore()
	ctx := context.Background()

	bm := domain.NewBookmark(uuid.New(), "wait", domain.TriggerKeyHTTP("approve"), nil, nil)
	require.NoError(t, s.Upsert(ctx, bm))

	// Wrong token leaves the bookmark in place.
	_, err := s.Consume(ctx, bm.ID, "wrong")
	assert.ErrorIs(t, err, domain.ErrBookmarkNotFound)

	got, err := s.Consume(ctx, bm.ID, bm.Token)
	require.NoError(t, err)
	assert.Equal(t, bm.ID, got.ID)

	_, err = s.Consume(ctx, bm.ID, bm.Token)
	assert.ErrorIs(t, err, domain.ErrBookmarkNotFound)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	s := NewBookmarkStore()
	ctx := context.Background()

	bm := domain.NewBookmark(uuid.New(), "wait", domain.TriggerKeyHTTP("approve"), nil, nil)
	require.NoError(t, s.Upsert(ctx, bm))

	const racers = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, bm.ID, bm.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestDueTimersFiltersByKeyAndTime(t *testing.T) {
	s := NewBookmarkStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	duePtr := uuid.New()
	dueTimer := domain.NewBookmark(uuid.New(), "wait", domain.TriggerKeyTimer(duePtr), nil, &past)
	lateTimer := domain.NewBookmark(uuid.New(), "wait", domain.TriggerKeyTimer(uuid.New()), nil, &future)
	httpWait := domain.NewBookmark(uuid.New(), "wait", domain.TriggerKeyHTTP("approve"), nil, &past)
	require.NoError(t, s.Upsert(ctx, dueTimer))
	require.NoError(t, s.Upsert(ctx, lateTimer))
	require.NoError(t, s.Upsert(ctx, httpWait))

	due, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueTimer.ID, due[0].ID)
}

func TestDeleteForInstanceRemovesAllBookmarks(t *testing.T) {
	s := NewBookmarkStore()
	ctx := context.Background()

	instance := uuid.New()
	other := uuid.New()
	require.NoError(t, s.Upsert(ctx, domain.NewBookmark(instance, "a", domain.TriggerKeyHTTP("one"), nil, nil)))
	require.NoError(t, s.Upsert(ctx, domain.NewBookmark(instance, "b", domain.TriggerKeyHTTP("two"), nil, nil)))
	require.NoError(t, s.Upsert(ctx, domain.NewBookmark(other, "c", domain.TriggerKeyHTTP("three"), nil, nil)))

	require.NoError(t, s.DeleteForInstance(ctx, instance))

	for _, route := range []string{"one", "two"} {
		bms, err := s.Resolve(ctx, domain.TriggerKeyHTTP(route))
		require.NoError(t, err)
		assert.Empty(t, bms)
	}
	bms, err := s.Resolve(ctx, domain.TriggerKeyHTTP("three"))
	require.NoError(t, err)
	assert.Len(t, bms, 1)
}
