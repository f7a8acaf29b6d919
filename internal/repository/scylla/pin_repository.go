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

// PinRepository stores PIN credentials. All writes after the first insert go
// through a lightweight transaction on the version column.
type PinRepository struct {
	client *ScyllaClient
}

func NewPinRepository(client *ScyllaClient) *PinRepository {
	return &PinRepository{client: client}
}

func (r *PinRepository) Get(ctx context.Context, email string) (*models.PinCredential, error) {
	cred := &models.PinCredential{}
	var lockedUntil time.Time

	// Serial read so a credential written by a concurrent LWT is visible.
	query := serialRead(r.client.Query(ctx, r.client.Statements.GetPinCredential, email))
	err := r.client.ScanWithRetry(query,
		&cred.AdminEmail, &cred.PinHash, &cred.PinSalt, &cred.PepperVersion,
		&cred.HashAlgorithm, &cred.FailedAttemptCount, &lockedUntil,
		&cred.Version, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get PIN credential", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("failed to get PIN credential: %w", err)
	}
	cred.LockedUntil = optionalTime(lockedUntil)

	return cred, nil
}

func (r *PinRepository) InsertIfNotExists(ctx context.Context, cred *models.PinCredential) error {
	query := r.client.Query(ctx, r.client.Statements.InsertPinIfNew,
		cred.AdminEmail, cred.PinHash, cred.PinSalt, cred.PepperVersion,
		cred.HashAlgorithm, cred.FailedAttemptCount, nullableTime(cred.LockedUntil),
		cred.Version, cred.CreatedAt.UTC(), cred.UpdatedAt.UTC())

	applied, err := applyCAS(query)
	if err != nil {
		util.Error("Failed to insert PIN credential", zap.String("email", cred.AdminEmail), zap.Error(err))
		return fmt.Errorf("failed to insert PIN credential: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}
	return nil
}

func (r *PinRepository) CompareAndSwap(ctx context.Context, cred *models.PinCredential, expectedVersion int64) error {
	query := r.client.Query(ctx, r.client.Statements.CompareAndSwapPin,
		cred.PinHash, cred.PinSalt, cred.PepperVersion, cred.HashAlgorithm,
		cred.FailedAttemptCount, nullableTime(cred.LockedUntil), cred.Version,
		cred.UpdatedAt.UTC(), cred.AdminEmail, expectedVersion)

	applied, err := applyCAS(query)
	if err != nil {
		util.Error("Failed to update PIN credential",
			zap.String("email", cred.AdminEmail),
			zap.Int64("expected_version", expectedVersion),
			zap.Error(err))
		return fmt.Errorf("failed to update PIN credential: %w", err)
	}
	if !applied {
		util.Debug("PIN credential version conflict",
			zap.String("email", cred.AdminEmail),
			zap.Int64("expected_version", expectedVersion))
		return repository.ErrVersionConflict
	}
	return nil
}
