package memory

import (
	"context"
	"sync"
	"time"

	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
)

type InvitationStore struct {
	mu          sync.Mutex
	invitations map[string]*models.Invitation // keyed by invite token
}

func NewInvitationStore() *InvitationStore {
	return &InvitationStore{
		invitations: make(map[string]*models.Invitation),
	}
}

func (s *InvitationStore) GetByToken(_ context.Context, token string) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneInvitation(inv), nil
}

func (s *InvitationStore) Create(_ context.Context, inv *models.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invitations[inv.InviteToken]; exists {
		return repository.ErrAlreadyExists
	}
	s.invitations[inv.InviteToken] = cloneInvitation(inv)
	return nil
}

func (s *InvitationStore) MarkUsed(_ context.Context, token, usedBy string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[token]
	if !ok {
		return repository.ErrNotFound
	}
	if inv.Status != models.InvitationValid {
		return repository.ErrStatusConflict
	}
	inv.Status = models.InvitationUsed
	inv.UsedAt = &usedAt
	inv.UsedBy = usedBy
	return nil
}

func (s *InvitationStore) Release(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[token]
	if !ok {
		return repository.ErrNotFound
	}
	if inv.Status != models.InvitationUsed {
		return repository.ErrStatusConflict
	}
	inv.Status = models.InvitationValid
	inv.UsedAt = nil
	inv.UsedBy = ""
	return nil
}

// Revoke marks an invitation revoked. Used by seeding and tests.
func (s *InvitationStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv, ok := s.invitations[token]; ok {
		inv.Status = models.InvitationRevoked
	}
}

func cloneInvitation(inv *models.Invitation) *models.Invitation {
	copied := *inv
	if inv.UsedAt != nil {
		usedAt := *inv.UsedAt
		copied.UsedAt = &usedAt
	}
	return &copied
}
