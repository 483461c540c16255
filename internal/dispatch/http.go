// Package dispatch translates external events (HTTP requests, due timers)
// into engine start and resume calls. Correctness under concurrent
// dispatchers rests entirely on atomic bookmark consumption; dispatchers
// never coordinate with each other.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"
	"flowhost/internal/engine"

	"github.com/google/uuid"
)

// TriggerOutcome reports what a trigger did to one instance.
type TriggerOutcome struct {
	InstanceID uuid.UUID             `json:"instance_id"`
	Started    bool                  `json:"started"`
	Status     domain.InstanceStatus `json:"status,omitempty"`
	Err        error                 `json:"-"`
}

// HTTPDispatcher resolves a route to suspended instances waiting on it, or
// starts fresh instances when the route is a start trigger.
type HTTPDispatcher struct {
	definitions ports.DefinitionStore
	bookmarks   ports.BookmarkStore
	engine      *engine.Engine

	// startAllVersions fans a start trigger out to every published version
	// of the owning definition, provided the definition allows multi-start.
	// Default is latest-version-only.
	startAllVersions bool
}

func NewHTTPDispatcher(definitions ports.DefinitionStore, bookmarks ports.BookmarkStore, eng *engine.Engine, startAllVersions bool) *HTTPDispatcher {
	return &HTTPDispatcher{
		definitions:      definitions,
		bookmarks:        bookmarks,
		engine:           eng,
		startAllVersions: startAllVersions,
	}
}

// Dispatch handles one request on a trigger route. Suspended instances win
// over new starts; a bookmark consumed by a racing dispatcher is skipped
// silently, keeping retries idempotent.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, route string, payload map[string]any) ([]TriggerOutcome, error) {
	bookmarks, err := d.bookmarks.Resolve(ctx, domain.TriggerKeyHTTP(route))
	if err != nil {
		return nil, err
	}
	if len(bookmarks) > 0 {
		return d.resumeAll(ctx, bookmarks, payload), nil
	}

	defs, err := d.definitions.FindByRoute(ctx, route)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no workflow listens on route %q", domain.ErrDefinitionNotFound, route)
	}

	targets := defs[:1] // newest first per store contract
	if d.startAllVersions && defs[0].MultiStart {
		targets = defs
	}

	var out []TriggerOutcome
	for _, def := range targets {
		id, res, err := d.engine.Start(ctx, def, payload)
		if err != nil {
			out = append(out, TriggerOutcome{InstanceID: id, Started: true, Err: err})
			continue
		}
		out = append(out, TriggerOutcome{InstanceID: id, Started: true, Status: res.Status})
	}
	return out, nil
}

func (d *HTTPDispatcher) resumeAll(ctx context.Context, bookmarks []domain.Bookmark, payload map[string]any) []TriggerOutcome {
	var out []TriggerOutcome
	for _, bm := range bookmarks {
		res, err := d.engine.Resume(ctx, bm.ID, bm.Token, payload)
		if errors.Is(err, domain.ErrBookmarkNotFound) {
			// Another dispatcher got there first.
			continue
		}
		if err != nil {
			log.Printf("dispatch: resume instance %s: %v", bm.InstanceID, err)
			out = append(out, TriggerOutcome{InstanceID: bm.InstanceID, Err: err})
			continue
		}
		out = append(out, TriggerOutcome{InstanceID: bm.InstanceID, Status: res.Status})
	}
	return out
}
