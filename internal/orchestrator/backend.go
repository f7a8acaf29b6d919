// Package orchestrator sequences the admin sign-in and invitation flows as
// explicit state machines. It never talks to storage; every security decision
// comes from the Backend, and each run owns its own state.
package orchestrator

import (
	"context"
	"time"

	"coliving-admin-auth/internal/models"
)

// VerifyOutcome is a PIN check that did not lock the account. A locked
// account is reported as an AccountLocked error instead.
type VerifyOutcome struct {
	Verified          bool
	AttemptsRemaining int
}

// LockoutPolicy is the configured PIN threshold and lock window, used for
// user-facing messages.
type LockoutPolicy struct {
	MaxAttempts int
	LockWindow  time.Duration
}

// InvitationBackend is the part of Backend used by invitation redemption.
type InvitationBackend interface {
	ValidateInvitation(ctx context.Context, token string) (models.InvitationDetails, error)
	RedeemInvitation(ctx context.Context, token, password, fullName string) (*models.Identity, error)
}

// Backend is the set of operations the flows consume. Errors must already be
// classified as *apperrors.Error.
type Backend interface {
	InvitationBackend

	Authenticate(ctx context.Context, email, password string) (*models.Identity, error)
	IsAdmin(ctx context.Context, email string) (bool, error)
	IsLocked(ctx context.Context, email string) (bool, error)
	HasTwoFactor(ctx context.Context, email string) (bool, error)
	VerifyPin(ctx context.Context, email, pin string) (VerifyOutcome, error)
	SetPin(ctx context.Context, email, pin string) error
	RecordAudit(ctx context.Context, userID string, action models.AuditAction, metadata map[string]string) error
	SignOut(ctx context.Context, identity *models.Identity) error
	// PromoteSession turns the base session into a second-factor admin session.
	PromoteSession(ctx context.Context, identity *models.Identity) (*models.AdminSession, error)
	RevokeSession(ctx context.Context, session *models.AdminSession) error
	LockoutPolicy() LockoutPolicy
}
