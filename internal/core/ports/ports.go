package ports

import (
	"context"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
)

// DefinitionStore holds immutable, versioned workflow definitions.
type DefinitionStore interface {
	// Publish validates and stores a definition, allocating the next
	// version for its id. Invalid definitions are rejected and never stored.
	Publish(ctx context.Context, def *domain.WorkflowDefinition) (string, int, error)

	// Get loads a specific version. Version 0 means "latest published".
	Get(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error)

	// FindByRoute returns every published version whose start step listens
	// on the given HTTP route, newest first.
	FindByRoute(ctx context.Context, route string) ([]*domain.WorkflowDefinition, error)
}

// InstanceStore is the durable record of workflow instances.
type InstanceStore interface {
	Create(ctx context.Context, inst *domain.WorkflowInstance) error

	Load(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

	// Save persists the instance only when the stored sequence still equals
	// expectedSequence, then advances it. A lost race surfaces as
	// domain.ErrConcurrencyConflict.
	Save(ctx context.Context, inst *domain.WorkflowInstance, expectedSequence int64) error
}

// BookmarkStore indexes suspended instances by trigger key.
type BookmarkStore interface {
	Upsert(ctx context.Context, bm domain.Bookmark) error

	// Resolve returns all bookmarks waiting on the trigger key.
	Resolve(ctx context.Context, triggerKey string) ([]domain.Bookmark, error)

	// Consume atomically removes the bookmark identified by id+token.
	// Exactly one concurrent caller wins; the rest get
	// domain.ErrBookmarkNotFound. Compare-and-remove, not read-then-delete.
	Consume(ctx context.Context, id uuid.UUID, token string) (*domain.Bookmark, error)

	// DueTimers returns timer bookmarks whose due time is at or before now.
	DueTimers(ctx context.Context, now time.Time) ([]domain.Bookmark, error)

	// DeleteForInstance removes every outstanding bookmark of an instance.
	DeleteForInstance(ctx context.Context, instanceID uuid.UUID) error
}

// Evaluator is the expression capability consumed by the engine. The host
// decides the language; the engine only sees values and failures.
type Evaluator interface {
	Evaluate(expression string, bindings map[string]any) (any, error)
}

// EventSink receives engine state-change notifications. Delivery is
// fire-and-forget; a sink must never block engine progress.
type EventSink interface {
	Publish(event domain.Event)
}
