package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type instanceStore struct {
	db *gorm.DB
}

func NewInstanceStore(db *gorm.DB) ports.InstanceStore {
	return &instanceStore{db: db}
}

func (s *instanceStore) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	record, err := instanceToRecord(inst)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *instanceStore) Load(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	var record InstanceRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return recordToInstance(&record)
}

// Save only lands when the stored sequence still matches what the caller
// loaded. RowsAffected == 0 means another run won the race.
func (s *instanceStore) Save(ctx context.Context, inst *domain.WorkflowInstance, expectedSequence int64) error {
	variables, err := json.Marshal(inst.Variables)
	if err != nil {
		return err
	}
	pointers, err := json.Marshal(inst.Pointers)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&InstanceRecord{}).
		Where("id = ? AND sequence = ?", inst.ID, expectedSequence).
		Updates(map[string]interface{}{
			"status":             string(inst.Status),
			"variables":          variables,
			"pointers":           pointers,
			"fault":              inst.Fault,
			"next_pointer_index": inst.NextPointerIndex,
			"sequence":           expectedSequence + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: instance %s moved past sequence %d",
			domain.ErrConcurrencyConflict, inst.ID, expectedSequence)
	}
	inst.Sequence = expectedSequence + 1
	return nil
}

func instanceToRecord(inst *domain.WorkflowInstance) (*InstanceRecord, error) {
	variables, err := json.Marshal(inst.Variables)
	if err != nil {
		return nil, err
	}
	pointers, err := json.Marshal(inst.Pointers)
	if err != nil {
		return nil, err
	}
	return &InstanceRecord{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            string(inst.Status),
		Variables:         variables,
		Pointers:          pointers,
		Sequence:          inst.Sequence,
		Fault:             inst.Fault,
		NextPointerIndex:  inst.NextPointerIndex,
		CreatedAt:         inst.CreatedAt,
	}, nil
}

func recordToInstance(record *InstanceRecord) (*domain.WorkflowInstance, error) {
	inst := &domain.WorkflowInstance{
		ID:                record.ID,
		DefinitionID:      record.DefinitionID,
		DefinitionVersion: record.DefinitionVersion,
		Status:            domain.InstanceStatus(record.Status),
		Sequence:          record.Sequence,
		Fault:             record.Fault,
		NextPointerIndex:  record.NextPointerIndex,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
	if err := json.Unmarshal(record.Variables, &inst.Variables); err != nil {
		return nil, fmt.Errorf("decode variables for %s: %w", record.ID, err)
	}
	if err := json.Unmarshal(record.Pointers, &inst.Pointers); err != nil {
		return nil, fmt.Errorf("decode pointers for %s: %w", record.ID, err)
	}
	return inst, nil
}
