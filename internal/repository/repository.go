// Package repository declares the storage contracts for admin authentication.
// Every conditional write reports a lost race with a sentinel error so the
// service layer can classify it without knowing the backing store.
package repository

import (
	"context"
	"errors"
	"time"

	"coliving-admin-auth/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrVersionConflict = errors.New("record version changed")
	ErrStatusConflict  = errors.New("record status changed")
)

type AdminRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.AdminIdentity, error)
	// CreateIfNotExists returns ErrAlreadyExists when the email is taken.
	CreateIfNotExists(ctx context.Context, identity *models.AdminIdentity) error
}

type PinRepository interface {
	Get(ctx context.Context, email string) (*models.PinCredential, error)
	// InsertIfNotExists returns ErrAlreadyExists when a credential exists.
	InsertIfNotExists(ctx context.Context, cred *models.PinCredential) error
	// CompareAndSwap writes cred only while the stored version still equals
	// expectedVersion. cred.Version must already hold the next version.
	CompareAndSwap(ctx context.Context, cred *models.PinCredential, expectedVersion int64) error
}

type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
}

type InvitationRepository interface {
	GetByToken(ctx context.Context, token string) (*models.Invitation, error)
	Create(ctx context.Context, inv *models.Invitation) error
	// MarkUsed moves valid -> used and returns ErrStatusConflict when the
	// invitation was no longer valid.
	MarkUsed(ctx context.Context, token, usedBy string, usedAt time.Time) error
	// Release moves used -> valid. It only undoes a MarkUsed whose account
	// creation failed afterwards.
	Release(ctx context.Context, token string) error
}
