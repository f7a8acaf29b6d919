package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
)

// RoleAuthorizer answers whether an identity holds administrative privilege.
// Every call reads the store; role state is never cached.
type RoleAuthorizer struct {
	admins repository.AdminRepository
	logger *zap.Logger
}

func NewRoleAuthorizer(admins repository.AdminRepository, logger *zap.Logger) *RoleAuthorizer {
	return &RoleAuthorizer{admins: admins, logger: logger}
}

func (r *RoleAuthorizer) IsAdmin(ctx context.Context, email string) (bool, error) {
	role, err := r.Role(ctx, email)
	if err != nil {
		return false, err
	}
	return role.IsAdministrative(), nil
}

// Role returns the role of an active identity, or "" when there is none.
func (r *RoleAuthorizer) Role(ctx context.Context, email string) (models.Role, error) {
	identity, err := r.admins.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		r.logger.Error("Role lookup failed", zap.String("email", email), zap.Error(err))
		return "", apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	if !identity.IsActive {
		return "", nil
	}
	return identity.Role, nil
}
