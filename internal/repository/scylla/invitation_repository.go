package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
	"coliving-admin-auth/internal/util"
)

type InvitationRepository struct {
	client *ScyllaClient
}

func NewInvitationRepository(client *ScyllaClient) *InvitationRepository {
	return &InvitationRepository{client: client}
}

func (r *InvitationRepository) GetByToken(ctx context.Context, token string) (*models.Invitation, error) {
	inv := &models.Invitation{}
	var role, status, usedBy string
	var usedAt time.Time

	query := serialRead(r.client.Query(ctx, r.client.Statements.GetInvitation, token))
	err := r.client.ScanWithRetry(query,
		&inv.ID, &inv.Email, &role, &inv.ExpiresAt, &inv.InviterEmail,
		&inv.InviteToken, &status, &usedAt, &usedBy, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get invitation", zap.Error(err))
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	inv.Role = models.Role(role)
	inv.Status = models.InvitationStatus(status)
	inv.UsedAt = optionalTime(usedAt)
	inv.UsedBy = usedBy

	return inv, nil
}

func (r *InvitationRepository) Create(ctx context.Context, inv *models.Invitation) error {
	query := r.client.Query(ctx, r.client.Statements.CreateInvitation,
		inv.InviteToken, inv.ID, inv.Email, string(inv.Role), inv.ExpiresAt.UTC(),
		inv.InviterEmail, string(inv.Status), nullableTime(inv.UsedAt), nullableString(inv.UsedBy), inv.CreatedAt.UTC())

	applied, err := applyCAS(query)
	if err != nil {
		util.Error("Failed to create invitation", zap.String("email", inv.Email), zap.Error(err))
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	util.Info("Invitation created",
		zap.String("invitation_id", inv.ID),
		zap.String("email", inv.Email),
		zap.String("inviter_email", inv.InviterEmail))
	return nil
}

func (r *InvitationRepository) MarkUsed(ctx context.Context, token, usedBy string, usedAt time.Time) error {
	applied, err := applyCAS(r.client.Query(ctx, r.client.Statements.MarkInvitationUsed, usedAt.UTC(), usedBy, token))
	if err != nil {
		util.Error("Failed to mark invitation used", zap.Error(err))
		return fmt.Errorf("failed to mark invitation used: %w", err)
	}
	if !applied {
		// The condition also fails for a missing row; tell the two apart.
		if _, getErr := r.GetByToken(ctx, token); errors.Is(getErr, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return repository.ErrStatusConflict
	}
	return nil
}

func (r *InvitationRepository) Release(ctx context.Context, token string) error {
	applied, err := applyCAS(r.client.Query(ctx, r.client.Statements.ReleaseInvitation, token))
	if err != nil {
		util.Error("Failed to release invitation", zap.Error(err))
		return fmt.Errorf("failed to release invitation: %w", err)
	}
	if !applied {
		return repository.ErrStatusConflict
	}
	util.Warn("Invitation released after failed redemption")
	return nil
}
