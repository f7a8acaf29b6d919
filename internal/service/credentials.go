package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/hashing"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
	"coliving-admin-auth/internal/util"
)

// LoginLimiter counts sign-in attempts per email in a fixed window.
type LoginLimiter interface {
	GetLoginAttempts(ctx context.Context, email string) (int, error)
	IncrementLoginAttempt(ctx context.Context, email string, window time.Duration) (int, error)
	ResetLoginAttempts(ctx context.Context, email string) error
	RetryAfter(ctx context.Context, email string) (time.Duration, error)
}

// SessionStore persists base and admin sessions.
type SessionStore interface {
	SetBaseSession(ctx context.Context, session *models.AdminSession, ttl time.Duration) error
	DeleteBaseSession(ctx context.Context, token string) error
	PromoteSession(ctx context.Context, baseToken, adminToken string, role models.Role, ttl time.Duration, now time.Time) (*models.AdminSession, error)
	GetAdminSession(ctx context.Context, token string) (*models.AdminSession, error)
	DeleteAdminSession(ctx context.Context, token string) error
	InvalidateAllUserSessions(ctx context.Context, userID string) error
}

// CredentialAuthenticator checks an email/password pair and opens a base session.
type CredentialAuthenticator struct {
	admins      repository.AdminRepository
	hasher      *hashing.Hasher
	limiter     LoginLimiter
	sessions    SessionStore
	maxAttempts int
	window      time.Duration
	sessionTTL  time.Duration
	now         Clock
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// dummyHash is verified against for unknown emails so both paths cost the same.
	dummyHash *hashing.HashResult
}

func NewCredentialAuthenticator(
	cfg *config.Config,
	admins repository.AdminRepository,
	hasher *hashing.Hasher,
	limiter LoginLimiter,
	sessions SessionStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*CredentialAuthenticator, error) {
	dummy, err := hasher.HashPassword("unknown-account-placeholder")
	if err != nil {
		return nil, err
	}
	return &CredentialAuthenticator{
		admins:      admins,
		hasher:      hasher,
		limiter:     limiter,
		sessions:    sessions,
		maxAttempts: cfg.Auth.LoginMaxAttempts,
		window:      cfg.Auth.LoginWindow,
		sessionTTL:  cfg.Auth.BaseSessionTTL,
		now:         systemClock,
		metrics:     m,
		logger:      logger,
		dummyHash:   dummy,
	}, nil
}

// WithClock replaces the time source.
func (a *CredentialAuthenticator) WithClock(now Clock) *CredentialAuthenticator {
	a.now = now
	return a
}

// Authenticate returns the identity and a fresh base session token, or one of
// InvalidCredentials, EmailUnconfirmed, RateLimited, NetworkError, Unknown.
func (a *CredentialAuthenticator) Authenticate(ctx context.Context, email, password string) (*models.Identity, error) {
	email = util.NormalizeEmail(email)
	if !util.LooksLikeEmail(email) || password == "" {
		return nil, a.reject(email, apperrors.KindInvalidCredentials, nil)
	}

	// A throttled email is refused without counting further attempts.
	attempts, err := a.limiter.GetLoginAttempts(ctx, email)
	if err != nil {
		return nil, a.reject(email, apperrors.KindNetworkError, err)
	}
	if attempts >= a.maxAttempts {
		return nil, a.throttled(ctx, email)
	}
	attempts, err = a.limiter.IncrementLoginAttempt(ctx, email, a.window)
	if err != nil {
		return nil, a.reject(email, apperrors.KindNetworkError, err)
	}
	if attempts > a.maxAttempts {
		return nil, a.throttled(ctx, email)
	}

	identity, err := a.admins.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_, _ = a.hasher.VerifyPassword(password, a.dummyHash)
			return nil, a.reject(email, apperrors.KindInvalidCredentials, nil)
		}
		return nil, a.reject(email, apperrors.KindNetworkError, err)
	}

	ok, err := a.hasher.VerifyPassword(password, &hashing.HashResult{
		Hash:          identity.PasswordHash,
		Salt:          identity.PasswordSalt,
		PepperVersion: identity.PepperVersion,
		Algorithm:     identity.HashAlgorithm,
	})
	if err != nil {
		return nil, a.reject(email, apperrors.KindUnknown, err)
	}
	if !ok {
		return nil, a.reject(email, apperrors.KindInvalidCredentials, nil)
	}
	if !identity.EmailConfirmed {
		return nil, a.reject(email, apperrors.KindEmailUnconfirmed, nil)
	}

	if err := a.limiter.ResetLoginAttempts(ctx, email); err != nil {
		a.logger.Warn("Failed to reset login attempts", zap.String("email", email), zap.Error(err))
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, a.reject(email, apperrors.KindUnknown, err)
	}
	now := a.now()
	session := &models.AdminSession{
		Token:             token,
		UserID:            identity.UserID,
		Email:             identity.Email,
		ClientFingerprint: RequestMetaFrom(ctx).ClientFingerprint,
		CreatedAt:         now,
		ExpiresAt:         now.Add(a.sessionTTL),
	}
	if err := a.sessions.SetBaseSession(ctx, session, a.sessionTTL); err != nil {
		return nil, a.reject(email, apperrors.KindNetworkError, err)
	}

	a.metrics.IncLoginOutcome("authenticated")
	a.logger.Info("Admin credentials accepted",
		zap.String("email", email),
		zap.String("user_id", identity.UserID))

	return &models.Identity{
		UserID:           identity.UserID,
		Email:            identity.Email,
		BaseSessionToken: token,
	}, nil
}

// SignOut terminates a base session. Missing sessions are not an error.
func (a *CredentialAuthenticator) SignOut(ctx context.Context, identity *models.Identity) error {
	if identity == nil || identity.BaseSessionToken == "" {
		return nil
	}
	if err := a.sessions.DeleteBaseSession(ctx, identity.BaseSessionToken); err != nil {
		return apperrors.Wrap(err, apperrors.KindNetworkError, "sign out failed")
	}
	a.logger.Info("Base session signed out", zap.String("email", identity.Email))
	return nil
}

// throttled reports RateLimited with the time left in the email's window.
func (a *CredentialAuthenticator) throttled(ctx context.Context, email string) error {
	wait, err := a.limiter.RetryAfter(ctx, email)
	if err != nil {
		a.logger.Warn("Failed to read login window", zap.String("email", email), zap.Error(err))
		wait = 0
	}
	a.metrics.IncLoginOutcome(string(apperrors.KindRateLimited))
	a.logger.Info("Credentials rejected",
		zap.String("email", email),
		zap.String("kind", string(apperrors.KindRateLimited)),
		zap.Duration("retry_after", wait))
	return apperrors.New(apperrors.KindRateLimited, apperrors.RetryMessage(wait))
}

func (a *CredentialAuthenticator) reject(email string, kind apperrors.Kind, cause error) error {
	a.metrics.IncLoginOutcome(string(kind))
	if cause != nil {
		a.logger.Error("Credential check failed",
			zap.String("email", email),
			zap.String("kind", string(kind)),
			zap.Error(cause))
		return apperrors.Wrap(cause, kind, apperrors.Message(kind))
	}
	a.logger.Info("Credentials rejected",
		zap.String("email", email),
		zap.String("kind", string(kind)))
	return apperrors.New(kind, apperrors.Message(kind))
}
