package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
)

type BookmarkStore struct {
	mu        sync.Mutex
	bookmarks map[uuid.UUID]domain.Bookmark
}

func NewBookmarkStore() *BookmarkStore {
	return &BookmarkStore{bookmarks: map[uuid.UUID]domain.Bookmark{}}
}

func (s *BookmarkStore) Upsert(ctx context.Context, bm domain.Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[bm.ID] = bm
	return nil
}

func (s *BookmarkStore) Resolve(ctx context.Context, triggerKey string) ([]domain.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Bookmark
	for _, bm := range s.bookmarks {
		if bm.TriggerKey == triggerKey {
			out = append(out, bm)
		}
	}
	return out, nil
}

// Consume removes the bookmark under the store lock only when both id and
// token match, so concurrent resumes for the same trigger key yield exactly
// one winner.
func (s *BookmarkStore) Consume(ctx context.Context, id uuid.UUID, token string) (*domain.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bm, ok := s.bookmarks[id]
	if !ok || bm.Token != token {
		return nil, fmt.Errorf("%w: %s", domain.ErrBookmarkNotFound, id)
	}
	delete(s.bookmarks, id)
	return &bm, nil
}

func (s *BookmarkStore) DueTimers(ctx context.Context, now time.Time) ([]domain.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Bookmark
	for _, bm := range s.bookmarks {
		if strings.HasPrefix(bm.TriggerKey, "timer:") && bm.DueAt != nil && !bm.DueAt.After(now) {
			out = append(out, bm)
		}
	}
	return out, nil
}

func (s *BookmarkStore) DeleteForInstance(ctx context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, bm := range s.bookmarks {
		if bm.InstanceID == instanceID {
			delete(s.bookmarks, id)
		}
	}
	return nil
}
