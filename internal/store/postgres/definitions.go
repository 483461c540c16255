package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"

	"gorm.io/gorm"
)

type definitionStore struct {
	db *gorm.DB
}

func NewDefinitionStore(db *gorm.DB) ports.DefinitionStore {
	return &definitionStore{db: db}
}

func (s *definitionStore) Publish(ctx context.Context, def *domain.WorkflowDefinition) (string, int, error) {
	if err := domain.ValidateDefinition(def); err != nil {
		return "", 0, err
	}

	var version int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		route := def.StartRoute()
		if route != "" {
			var owners int64
			if err := tx.Model(&DefinitionRecord{}).
				Where("start_route = ? AND def_id != ?", route, def.ID).
				Count(&owners).Error; err != nil {
				return err
			}
			if owners > 0 {
				return fmt.Errorf("%w: route %q already owned by another definition",
					domain.ErrDefinitionInvalid, route)
			}
		}

		var latest int
		if err := tx.Model(&DefinitionRecord{}).
			Where("def_id = ?", def.ID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		version = latest + 1

		steps, err := json.Marshal(def.Steps)
		if err != nil {
			return err
		}
		return tx.Create(&DefinitionRecord{
			DefID:       def.ID,
			Version:     version,
			Name:        def.Name,
			StartStep:   def.StartStep,
			StartRoute:  route,
			MultiStart:  def.MultiStart,
			Steps:       steps,
			PublishedAt: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return "", 0, err
	}
	return def.ID, version, nil
}

func (s *definitionStore) Get(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	query := s.db.WithContext(ctx).Where("def_id = ?", id)
	if version > 0 {
		query = query.Where("version = ?", version)
	}

	var record DefinitionRecord
	err := query.Order("version DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDefinitionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return recordToDefinition(&record)
}

func (s *definitionStore) FindByRoute(ctx context.Context, route string) ([]*domain.WorkflowDefinition, error) {
	var records []DefinitionRecord
	err := s.db.WithContext(ctx).
		Where("start_route = ?", route).
		Order("version DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]*domain.WorkflowDefinition, 0, len(records))
	for i := range records {
		def, err := recordToDefinition(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func recordToDefinition(record *DefinitionRecord) (*domain.WorkflowDefinition, error) {
	var steps map[string]domain.Step
	if err := json.Unmarshal(record.Steps, &steps); err != nil {
		return nil, fmt.Errorf("decode steps for %s v%d: %w", record.DefID, record.Version, err)
	}
	return &domain.WorkflowDefinition{
		ID:          record.DefID,
		Version:     record.Version,
		Name:        record.Name,
		StartStep:   record.StartStep,
		MultiStart:  record.MultiStart,
		Steps:       steps,
		PublishedAt: record.PublishedAt,
	}, nil
}
