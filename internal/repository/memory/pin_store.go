package memory

import (
	"context"
	"sync"
	"time"

	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
)

type PinStore struct {
	mu          sync.Mutex
	credentials map[string]*models.PinCredential // keyed by admin email
}

func NewPinStore() *PinStore {
	return &PinStore{
		credentials: make(map[string]*models.PinCredential),
	}
}

func (s *PinStore) Get(_ context.Context, email string) (*models.PinCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clonePin(cred), nil
}

func (s *PinStore) InsertIfNotExists(_ context.Context, cred *models.PinCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[cred.AdminEmail]; exists {
		return repository.ErrAlreadyExists
	}
	s.credentials[cred.AdminEmail] = clonePin(cred)
	return nil
}

func (s *PinStore) CompareAndSwap(_ context.Context, cred *models.PinCredential, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.credentials[cred.AdminEmail]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	s.credentials[cred.AdminEmail] = clonePin(cred)
	return nil
}

func clonePin(cred *models.PinCredential) *models.PinCredential {
	copied := *cred
	if cred.LockedUntil != nil {
		lockedUntil := *cred.LockedUntil
		copied.LockedUntil = &lockedUntil
	}
	return &copied
}

// Lock forces a lock window. Used by seeding and tests.
func (s *PinStore) Lock(email string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.credentials[email]; ok {
		cred.LockedUntil = &until
		cred.Version++
	}
}
