package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
	"coliving-admin-auth/internal/util"
)

type AdminRepository struct {
	client *ScyllaClient
}

func NewAdminRepository(client *ScyllaClient) *AdminRepository {
	return &AdminRepository{client: client}
}

func (r *AdminRepository) GetByEmail(ctx context.Context, email string) (*models.AdminIdentity, error) {
	identity := &models.AdminIdentity{}
	var role string

	query := r.client.Query(ctx, r.client.Statements.GetAdminByEmail, email)
	err := r.client.ScanWithRetry(query,
		&identity.UserID, &identity.Email, &role, &identity.EmailConfirmed,
		&identity.IsActive, &identity.PasswordHash, &identity.PasswordSalt,
		&identity.PepperVersion, &identity.HashAlgorithm, &identity.FullNameEncrypted,
		&identity.FullNameDEK, &identity.FullNameKeyID, &identity.InvitationID,
		&identity.CreatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get admin identity", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("failed to get admin identity: %w", err)
	}
	identity.Role = models.Role(role)

	return identity, nil
}

func (r *AdminRepository) CreateIfNotExists(ctx context.Context, identity *models.AdminIdentity) error {
	query := r.client.Query(ctx, r.client.Statements.CreateAdminIfNew,
		identity.Email, identity.UserID, string(identity.Role), identity.EmailConfirmed,
		identity.IsActive, identity.PasswordHash, identity.PasswordSalt,
		identity.PepperVersion, identity.HashAlgorithm, identity.FullNameEncrypted,
		identity.FullNameDEK, identity.FullNameKeyID, identity.InvitationID,
		identity.CreatedAt.UTC())

	applied, err := applyCAS(query)
	if err != nil {
		util.Error("Failed to create admin identity", zap.String("email", identity.Email), zap.Error(err))
		return fmt.Errorf("failed to create admin identity: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	util.Info("Admin identity created",
		zap.String("email", identity.Email),
		zap.String("user_id", identity.UserID),
		zap.String("role", string(identity.Role)))
	return nil
}
