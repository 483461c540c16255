package engine

import (
	"context"
	"sync"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
)

// instanceLocks hands out one mutual-exclusion slot per instance id. The
// engine takes the slot before loading instance state and gives it back
// after persisting, so two runs of the same instance can never interleave
// step execution. Entries are reference counted and dropped when idle.
type instanceLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{entries: map[uuid.UUID]*lockEntry{}}
}

// acquire blocks for at most wait (wait < 0 blocks until ctx is done).
// A zero wait is a pure try-lock. Contention past the deadline returns
// domain.ErrInstanceBusy.
func (l *instanceLocks) acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	release := func() {
		<-entry.sem
		l.drop(id, entry)
	}

	select {
	case entry.sem <- struct{}{}:
		return release, nil
	default:
	}

	if wait == 0 {
		l.drop(id, entry)
		return nil, domain.ErrInstanceBusy
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case entry.sem <- struct{}{}:
		return release, nil
	case <-timeout:
		l.drop(id, entry)
		return nil, domain.ErrInstanceBusy
	case <-ctx.Done():
		l.drop(id, entry)
		return nil, ctx.Err()
	}
}

func (l *instanceLocks) drop(id uuid.UUID, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, id)
	}
	l.mu.Unlock()
}

// cancelRegistry carries in-process cancellation flags. The run loop checks
// the flag at every step boundary and exits without persisting further step
// results; Cancel itself does the store writes once it holds the lock.
type cancelRegistry struct {
	mu    sync.Mutex
	flags map[uuid.UUID]bool
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{flags: map[uuid.UUID]bool{}}
}

func (c *cancelRegistry) set(id uuid.UUID) {
	c.mu.Lock()
	c.flags[id] = true
	c.mu.Unlock()
}

func (c *cancelRegistry) isSet(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[id]
}

func (c *cancelRegistry) clear(id uuid.UUID) {
	c.mu.Lock()
	delete(c.flags, id)
	c.mu.Unlock()
}
