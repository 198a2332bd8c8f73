package repository

import (
	"context"
	"strings"
	"sync"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

// MemoryActorStore keeps actors in process memory. It backs the in-memory
// development mode and handler tests.
type MemoryActorStore struct {
	mu     sync.RWMutex
	byID   map[int64]models.Actor
	nextID int64
}

// NewMemoryActorStore creates an empty MemoryActorStore.
func NewMemoryActorStore() *MemoryActorStore {
	return &MemoryActorStore{byID: make(map[int64]models.Actor)}
}

func (s *MemoryActorStore) GetActorByEmail(ctx context.Context, email string) (*models.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.byID {
		if strings.EqualFold(a.Email, strings.TrimSpace(email)) {
			actor := a
			return &actor, nil
		}
	}
	return nil, apperrors.Wrapf(apperrors.ErrNotFound, "actor %s", email)
}

func (s *MemoryActorStore) CreateActor(ctx context.Context, actor *models.Actor) error {
	if existing, err := s.GetActorByEmail(ctx, actor.Email); err == nil {
		*actor = *existing
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	actor.ID = s.nextID
	s.byID[actor.ID] = models.Actor{ID: actor.ID, DisplayName: actor.DisplayName, Email: strings.TrimSpace(actor.Email)}
	return nil
}

func (s *MemoryActorStore) DisplayName(ctx context.Context, id int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "actor %d", id)
	}
	return a.DisplayName, nil
}

// Name is DisplayName without the error, in the shape the in-memory workflow store expects.
func (s *MemoryActorStore) Name(id int64) string {
	name, _ := s.DisplayName(context.Background(), id)
	return name
}

func (s *MemoryActorStore) Ping(ctx context.Context) error { return nil }
