// Package memory provides in-process implementations of the persistence
// ports. They back tests and single-node deployments; the postgres package
// carries the same semantics for durable setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowhost/internal/domain"
)

type DefinitionStore struct {
	mu   sync.RWMutex
	defs map[string][]*domain.WorkflowDefinition // id -> versions ascending
}

func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{defs: map[string][]*domain.WorkflowDefinition{}}
}

func (s *DefinitionStore) Publish(ctx context.Context, def *domain.WorkflowDefinition) (string, int, error) {
	if err := domain.ValidateDefinition(def); err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A start route may belong to exactly one definition id. Versions of
	// the same id sharing the route are fine.
	if route := def.StartRoute(); route != "" {
		for id, versions := range s.defs {
			if id == def.ID {
				continue
			}
			for _, other := range versions {
				if other.StartRoute() == route {
					return "", 0, fmt.Errorf("%w: route %q already owned by definition %q",
						domain.ErrDefinitionInvalid, route, id)
				}
			}
		}
	}

	stored := cloneDefinition(def)
	stored.Version = len(s.defs[def.ID]) + 1
	stored.PublishedAt = time.Now().UTC()
	s.defs[def.ID] = append(s.defs[def.ID], stored)
	return stored.ID, stored.Version, nil
}

func (s *DefinitionStore) Get(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.defs[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionNotFound, id)
	}
	if version == 0 {
		return cloneDefinition(versions[len(versions)-1]), nil
	}
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("%w: %s v%d", domain.ErrDefinitionNotFound, id, version)
	}
	return cloneDefinition(versions[version-1]), nil
}

func (s *DefinitionStore) FindByRoute(ctx context.Context, route string) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WorkflowDefinition
	for _, versions := range s.defs {
		for _, def := range versions {
			if def.StartRoute() == route {
				out = append(out, cloneDefinition(def))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}
