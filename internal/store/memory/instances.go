package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
)

type InstanceStore struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*domain.WorkflowInstance
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: map[uuid.UUID]*domain.WorkflowInstance{}}
}

func (s *InstanceStore) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InstanceStore) Load(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return cloneInstance(inst), nil
}

func (s *InstanceStore) Save(ctx context.Context, inst *domain.WorkflowInstance, expectedSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, inst.ID)
	}
	if stored.Sequence != expectedSequence {
		return fmt.Errorf("%w: instance %s at sequence %d, expected %d",
			domain.ErrConcurrencyConflict, inst.ID, stored.Sequence, expectedSequence)
	}
	saved := cloneInstance(inst)
	saved.Sequence = expectedSequence + 1
	saved.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = saved
	inst.Sequence = saved.Sequence
	return nil
}

// cloneInstance deep-copies through JSON so callers never alias the stored
// variable maps.
func cloneInstance(inst *domain.WorkflowInstance) *domain.WorkflowInstance {
	raw, _ := json.Marshal(inst)
	var out domain.WorkflowInstance
	_ = json.Unmarshal(raw, &out)
	return &out
}

func cloneDefinition(def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	raw, _ := json.Marshal(def)
	var out domain.WorkflowDefinition
	_ = json.Unmarshal(raw, &out)
	return &out
}
