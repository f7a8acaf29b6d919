// Package memory holds mutex-guarded stores used by the memory backend and tests.
// Each store keeps its own copy of records so callers cannot mutate state in place.
package memory

import (
	"context"
	"sync"

	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
)

type AdminStore struct {
	mu         sync.RWMutex
	identities map[string]*models.AdminIdentity // keyed by email
}

func NewAdminStore() *AdminStore {
	return &AdminStore{
		identities: make(map[string]*models.AdminIdentity),
	}
}

func (s *AdminStore) GetByEmail(_ context.Context, email string) (*models.AdminIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *identity
	return &copied, nil
}

func (s *AdminStore) CreateIfNotExists(_ context.Context, identity *models.AdminIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.Email]; exists {
		return repository.ErrAlreadyExists
	}
	copied := *identity
	s.identities[identity.Email] = &copied
	return nil
}
