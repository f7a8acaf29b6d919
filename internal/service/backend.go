package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/orchestrator"
	"coliving-admin-auth/internal/repository"
	redisrepo "coliving-admin-auth/internal/repository/redis"
)

// AdminBackend composes the components into the operations the sign-in and
// invitation flows consume. Lock, attempt and role state is read from the
// store on every call.
type AdminBackend struct {
	credentials *CredentialAuthenticator
	roles       *RoleAuthorizer
	lockout     *LockoutGuard
	pins        *PinFactorManager
	audit       *AuditRecorder
	invitations *InvitationService
	admins      repository.AdminRepository
	sessions    SessionStore
	adminTTL    time.Duration
	now         Clock
	logger      *zap.Logger
}

var _ orchestrator.Backend = (*AdminBackend)(nil)

type BackendDeps struct {
	Credentials *CredentialAuthenticator
	Roles       *RoleAuthorizer
	Lockout     *LockoutGuard
	Pins        *PinFactorManager
	Audit       *AuditRecorder
	Invitations *InvitationService
	Admins      repository.AdminRepository
	Sessions    SessionStore
}

func NewAdminBackend(deps BackendDeps, adminSessionTTL time.Duration, logger *zap.Logger) *AdminBackend {
	return &AdminBackend{
		credentials: deps.Credentials,
		roles:       deps.Roles,
		lockout:     deps.Lockout,
		pins:        deps.Pins,
		audit:       deps.Audit,
		invitations: deps.Invitations,
		admins:      deps.Admins,
		sessions:    deps.Sessions,
		adminTTL:    adminSessionTTL,
		now:         systemClock,
		logger:      logger,
	}
}

func (b *AdminBackend) WithClock(now Clock) *AdminBackend {
	b.now = now
	return b
}

func (b *AdminBackend) Authenticate(ctx context.Context, email, password string) (*models.Identity, error) {
	return b.credentials.Authenticate(ctx, email, password)
}

func (b *AdminBackend) IsAdmin(ctx context.Context, email string) (bool, error) {
	return b.roles.IsAdmin(ctx, email)
}

// IsLocked also leaves an admin_login_rejected entry when the answer is yes.
func (b *AdminBackend) IsLocked(ctx context.Context, email string) (bool, error) {
	locked, until, err := b.lockout.IsLocked(ctx, email)
	if err != nil {
		return false, err
	}
	if locked {
		b.audit.RecordBestEffort(ctx, b.userID(ctx, email), models.ActionAdminLoginRejected, map[string]string{
			models.MetaEmail:  email,
			models.MetaReason: string(apperrors.KindAccountLocked),
			"locked_until":    until.Format(time.RFC3339),
		})
	}
	return locked, nil
}

func (b *AdminBackend) HasTwoFactor(ctx context.Context, email string) (bool, error) {
	return b.pins.HasEnrollment(ctx, email)
}

// VerifyPin reports a locked account, whether the lock predates the attempt
// or was triggered by it, as AccountLocked.
func (b *AdminBackend) VerifyPin(ctx context.Context, email, pin string) (orchestrator.VerifyOutcome, error) {
	result, err := b.pins.Verify(ctx, email, pin)
	if err != nil {
		return orchestrator.VerifyOutcome{}, err
	}

	switch {
	case result.Verified:
		return orchestrator.VerifyOutcome{Verified: true, AttemptsRemaining: result.AttemptsRemaining}, nil
	case result.Locked:
		if result.LockTriggered {
			b.audit.RecordBestEffort(ctx, b.userID(ctx, email), models.ActionAdmin2FAFailed, map[string]string{
				models.MetaEmail:  email,
				models.MetaReason: string(apperrors.KindAccountLocked),
				"locked_until":    result.LockedUntil.Format(time.RFC3339),
			})
		}
		return orchestrator.VerifyOutcome{}, apperrors.New(apperrors.KindAccountLocked, apperrors.LockedMessage(b.LockoutPolicy().LockWindow))
	default:
		b.audit.RecordBestEffort(ctx, b.userID(ctx, email), models.ActionAdmin2FAFailed, map[string]string{
			models.MetaEmail:     email,
			models.MetaReason:    string(apperrors.KindPinIncorrect),
			"attempts_remaining": strconv.Itoa(result.AttemptsRemaining),
		})
		return orchestrator.VerifyOutcome{AttemptsRemaining: result.AttemptsRemaining}, nil
	}
}

func (b *AdminBackend) LockoutPolicy() orchestrator.LockoutPolicy {
	maxAttempts, window := b.pins.Policy()
	return orchestrator.LockoutPolicy{MaxAttempts: maxAttempts, LockWindow: window}
}

func (b *AdminBackend) SetPin(ctx context.Context, email, pin string) error {
	return b.pins.SetPin(ctx, email, pin)
}

func (b *AdminBackend) RecordAudit(ctx context.Context, userID string, action models.AuditAction, metadata map[string]string) error {
	return b.audit.Record(ctx, userID, action, metadata)
}

func (b *AdminBackend) ValidateInvitation(ctx context.Context, token string) (models.InvitationDetails, error) {
	return b.invitations.Validate(ctx, token)
}

func (b *AdminBackend) RedeemInvitation(ctx context.Context, token, password, fullName string) (*models.Identity, error) {
	identity, err := b.invitations.Redeem(ctx, token, password, fullName)
	if err != nil {
		return nil, err
	}
	return &models.Identity{UserID: identity.UserID, Email: identity.Email}, nil
}

func (b *AdminBackend) SignOut(ctx context.Context, identity *models.Identity) error {
	return b.credentials.SignOut(ctx, identity)
}

// PromoteSession re-reads the role before minting the admin session, so a role
// revoked mid-run never reaches the protected area.
func (b *AdminBackend) PromoteSession(ctx context.Context, identity *models.Identity) (*models.AdminSession, error) {
	role, err := b.roles.Role(ctx, identity.Email)
	if err != nil {
		return nil, err
	}
	if !role.IsAdministrative() {
		return nil, apperrors.New(apperrors.KindNotAuthorized, apperrors.Message(apperrors.KindNotAuthorized))
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
	}

	session, err := b.sessions.PromoteSession(ctx, identity.BaseSessionToken, token, role, b.adminTTL, b.now())
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil, apperrors.Wrap(err, apperrors.KindInvalidCredentials, "Your sign-in expired. Please sign in again.")
		}
		b.logger.Error("Session promotion failed", zap.String("email", identity.Email), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	return session, nil
}

func (b *AdminBackend) RevokeSession(ctx context.Context, session *models.AdminSession) error {
	if session == nil {
		return nil
	}
	if err := b.sessions.DeleteAdminSession(ctx, session.Token); err != nil {
		return apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	return nil
}

// AuthorizeSession admits a bearer token to the protected area. The session
// must carry the second factor and its owner must still be an active admin.
func (b *AdminBackend) AuthorizeSession(ctx context.Context, token string) (*models.AdminSession, error) {
	denied := apperrors.New(apperrors.KindNotAuthorized, apperrors.Message(apperrors.KindNotAuthorized))
	if token == "" {
		return nil, denied
	}

	session, err := b.sessions.GetAdminSession(ctx, token)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil, denied
		}
		return nil, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	if !session.SecondFactor {
		return nil, denied
	}

	isAdmin, err := b.roles.IsAdmin(ctx, session.Email)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		b.logger.Warn("Dropping admin sessions of identity without admin role", zap.String("email", session.Email))
		if err := b.sessions.InvalidateAllUserSessions(ctx, session.UserID); err != nil {
			b.logger.Warn("Failed to drop admin sessions", zap.Error(err))
		}
		return nil, denied
	}
	return session, nil
}

// DisplayName returns the decrypted full name of the session owner, or "" when
// none was given at redemption.
func (b *AdminBackend) DisplayName(ctx context.Context, session *models.AdminSession) (string, error) {
	identity, err := b.admins.GetByEmail(ctx, session.Email)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	name, err := b.invitations.FullName(ctx, identity)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
	}
	return name, nil
}

// Logout revokes an admin session. Unknown tokens are not an error.
func (b *AdminBackend) Logout(ctx context.Context, token string) error {
	session, err := b.sessions.GetAdminSession(ctx, token)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	if err := b.sessions.DeleteAdminSession(ctx, token); err != nil {
		return apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	b.audit.RecordBestEffort(ctx, session.UserID, models.ActionAdminLogout, map[string]string{
		models.MetaEmail: session.Email,
	})
	return nil
}

func (b *AdminBackend) userID(ctx context.Context, email string) string {
	identity, err := b.admins.GetByEmail(ctx, email)
	if err != nil {
		return ""
	}
	return identity.UserID
}
