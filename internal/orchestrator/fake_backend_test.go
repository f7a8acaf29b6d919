package orchestrator

import (
	"context"
	"sync"
	"time"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
)

// fakeBackend answers from fixed fields and counts every call.
type fakeBackend struct {
	mu sync.Mutex

	authErr       error
	isAdmin       bool
	locked        bool
	enrolled      bool
	correctPin    string
	attemptsLeft  int
	verifyErr     error
	setPinErr     error
	auditErr      error
	promoteErr    error
	invitation    models.InvitationDetails
	validateErr   error
	redeemErr     error
	verifyStarted chan struct{}
	verifyRelease chan struct{}
	policy        LockoutPolicy

	calls    map[string]int
	audits   []models.AuditAction
	signOuts []string
	revoked  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		isAdmin:      true,
		correctPin:   "482913",
		attemptsLeft: 4,
		policy:       LockoutPolicy{MaxAttempts: 5, LockWindow: 15 * time.Minute},
		calls:        make(map[string]int),
	}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) Authenticate(ctx context.Context, email, password string) (*models.Identity, error) {
	f.record("Authenticate")
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &models.Identity{UserID: "user-1", Email: email, BaseSessionToken: "base-" + email}, nil
}

func (f *fakeBackend) IsAdmin(ctx context.Context, email string) (bool, error) {
	f.record("IsAdmin")
	return f.isAdmin, nil
}

func (f *fakeBackend) IsLocked(ctx context.Context, email string) (bool, error) {
	f.record("IsLocked")
	return f.locked, nil
}

func (f *fakeBackend) HasTwoFactor(ctx context.Context, email string) (bool, error) {
	f.record("HasTwoFactor")
	return f.enrolled, nil
}

func (f *fakeBackend) VerifyPin(ctx context.Context, email, pin string) (VerifyOutcome, error) {
	f.record("VerifyPin")
	if f.verifyStarted != nil {
		f.verifyStarted <- struct{}{}
		<-f.verifyRelease
	}
	if f.verifyErr != nil {
		return VerifyOutcome{}, f.verifyErr
	}
	if pin == f.correctPin {
		return VerifyOutcome{Verified: true}, nil
	}
	return VerifyOutcome{AttemptsRemaining: f.attemptsLeft}, nil
}

func (f *fakeBackend) SetPin(ctx context.Context, email, pin string) error {
	f.record("SetPin")
	return f.setPinErr
}

func (f *fakeBackend) RecordAudit(ctx context.Context, userID string, action models.AuditAction, metadata map[string]string) error {
	f.record("RecordAudit")
	if f.auditErr != nil {
		return f.auditErr
	}
	f.mu.Lock()
	f.audits = append(f.audits, action)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SignOut(ctx context.Context, identity *models.Identity) error {
	f.record("SignOut")
	f.mu.Lock()
	f.signOuts = append(f.signOuts, identity.Email)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) PromoteSession(ctx context.Context, identity *models.Identity) (*models.AdminSession, error) {
	f.record("PromoteSession")
	if f.promoteErr != nil {
		return nil, f.promoteErr
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.AdminSession{
		Token:        "admin-token",
		UserID:       identity.UserID,
		Email:        identity.Email,
		Role:         models.RoleAdmin,
		SecondFactor: true,
		CreatedAt:    now,
		ExpiresAt:    now.Add(8 * time.Hour),
	}, nil
}

func (f *fakeBackend) RevokeSession(ctx context.Context, session *models.AdminSession) error {
	f.record("RevokeSession")
	f.mu.Lock()
	f.revoked = append(f.revoked, session.Token)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ValidateInvitation(ctx context.Context, token string) (models.InvitationDetails, error) {
	f.record("ValidateInvitation")
	return f.invitation, f.validateErr
}

func (f *fakeBackend) RedeemInvitation(ctx context.Context, token, password, fullName string) (*models.Identity, error) {
	f.record("RedeemInvitation")
	if f.redeemErr != nil {
		return nil, f.redeemErr
	}
	return &models.Identity{UserID: "user-2", Email: f.invitation.Email}, nil
}

func classified(kind apperrors.Kind) error {
	return apperrors.New(kind, apperrors.Message(kind))
}

func (f *fakeBackend) LockoutPolicy() LockoutPolicy {
	return f.policy
}
