package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type bookmarkStore struct {
	db *gorm.DB
}

func NewBookmarkStore(db *gorm.DB) ports.BookmarkStore {
	return &bookmarkStore{db: db}
}

func (s *bookmarkStore) Upsert(ctx context.Context, bm domain.Bookmark) error {
	payload, err := json.Marshal(bm.Payload)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&BookmarkRecord{
		ID:         bm.ID,
		InstanceID: bm.InstanceID,
		StepID:     bm.StepID,
		TriggerKey: bm.TriggerKey,
		Payload:    payload,
		DueAt:      bm.DueAt,
		Token:      bm.Token,
		CreatedAt:  bm.CreatedAt,
	}).Error
}

func (s *bookmarkStore) Resolve(ctx context.Context, triggerKey string) ([]domain.Bookmark, error) {
	var records []BookmarkRecord
	err := s.db.WithContext(ctx).
		Where("trigger_key = ?", triggerKey).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return recordsToBookmarks(records)
}

// Consume is a conditional delete keyed by id and token. Concurrent callers
// may all read the bookmark, but the database lets exactly one delete land;
// the losers observe zero rows affected and report not-found.
func (s *bookmarkStore) Consume(ctx context.Context, id uuid.UUID, token string) (*domain.Bookmark, error) {
	var record BookmarkRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBookmarkNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).
		Where("id = ? AND token = ?", id, token).
		Delete(&BookmarkRecord{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrBookmarkNotFound, id)
	}

	bm, err := recordToBookmark(&record)
	if err != nil {
		return nil, err
	}
	return bm, nil
}

func (s *bookmarkStore) DueTimers(ctx context.Context, now time.Time) ([]domain.Bookmark, error) {
	var records []BookmarkRecord
	err := s.db.WithContext(ctx).
		Where("trigger_key LIKE 'timer:%' AND due_at <= ?", now).
		Order("due_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return recordsToBookmarks(records)
}

func (s *bookmarkStore) DeleteForInstance(ctx context.Context, instanceID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&BookmarkRecord{}).Error
}

func recordsToBookmarks(records []BookmarkRecord) ([]domain.Bookmark, error) {
	out := make([]domain.Bookmark, 0, len(records))
	for i := range records {
		bm, err := recordToBookmark(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *bm)
	}
	return out, nil
}

func recordToBookmark(record *BookmarkRecord) (*domain.Bookmark, error) {
	bm := &domain.Bookmark{
		ID:         record.ID,
		InstanceID: record.InstanceID,
		StepID:     record.StepID,
		TriggerKey: record.TriggerKey,
		DueAt:      record.DueAt,
		Token:      record.Token,
		CreatedAt:  record.CreatedAt,
	}
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &bm.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for bookmark %s: %w", record.ID, err)
		}
	}
	return bm, nil
}
