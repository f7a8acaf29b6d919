package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/encryption"
	"coliving-admin-auth/internal/hashing"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
	"coliving-admin-auth/internal/util"
)

// InvitationService validates invitation tokens and redeems them into admin accounts.
type InvitationService struct {
	invitations       repository.InvitationRepository
	admins            repository.AdminRepository
	hasher            *hashing.Hasher
	encryption        *encryption.EncryptionManager
	audit             *AuditRecorder
	passwordMinLength int
	now               Clock
	metrics           *metrics.Metrics
	logger            *zap.Logger
}

func NewInvitationService(
	cfg *config.Config,
	invitations repository.InvitationRepository,
	admins repository.AdminRepository,
	hasher *hashing.Hasher,
	em *encryption.EncryptionManager,
	audit *AuditRecorder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *InvitationService {
	return &InvitationService{
		invitations:       invitations,
		admins:            admins,
		hasher:            hasher,
		encryption:        em,
		audit:             audit,
		passwordMinLength: cfg.Auth.PasswordMinLength,
		now:               systemClock,
		metrics:           m,
		logger:            logger,
	}
}

func (s *InvitationService) WithClock(now Clock) *InvitationService {
	s.now = now
	return s
}

// Validate never returns an error for a bad token; that is reported through
// Valid=false and a reason. Errors mean the store could not be read.
func (s *InvitationService) Validate(ctx context.Context, token string) (models.InvitationDetails, error) {
	_, details, err := s.lookup(ctx, token)
	return details, err
}

func (s *InvitationService) lookup(ctx context.Context, token string) (*models.Invitation, models.InvitationDetails, error) {
	if token == "" {
		return nil, s.invalid(models.ReasonUnknown), nil
	}

	inv, err := s.invitations.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.invalid(models.ReasonUnknown), nil
		}
		s.logger.Error("Invitation lookup failed", zap.Error(err))
		return nil, models.InvitationDetails{}, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}

	switch inv.Status {
	case models.InvitationUsed:
		return inv, s.invalid(models.ReasonUsed), nil
	case models.InvitationRevoked:
		return inv, s.invalid(models.ReasonRevoked), nil
	case models.InvitationExpired:
		return inv, s.invalid(models.ReasonExpired), nil
	case models.InvitationValid:
		if !s.now().Before(inv.ExpiresAt) {
			return inv, s.invalid(models.ReasonExpired), nil
		}
	default:
		return inv, s.invalid(models.ReasonUnknown), nil
	}

	return inv, models.InvitationDetails{
		Valid:        true,
		Email:        inv.Email,
		Role:         inv.Role,
		ExpiresAt:    inv.ExpiresAt,
		InviterEmail: inv.InviterEmail,
	}, nil
}

func (s *InvitationService) invalid(reason models.InvalidReason) models.InvitationDetails {
	s.metrics.IncInvitationRejection(string(reason))
	return models.InvitationDetails{Valid: false, Reason: reason}
}

// Redeem provisions exactly one admin identity per invitation. The
// valid -> used transition is the gate; a caller that loses it gets
// TokenAlreadyUsed. The token is checked before the password. No PIN
// credential is created.
func (s *InvitationService) Redeem(ctx context.Context, token, password, fullName string) (*models.AdminIdentity, error) {
	inv, details, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !details.Valid {
		return nil, reasonError(details.Reason)
	}

	if len(password) < s.passwordMinLength {
		return nil, apperrors.New(apperrors.KindValidationMismatch,
			fmt.Sprintf("The password must be at least %d characters.", s.passwordMinLength))
	}

	hashed, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
	}

	identity := &models.AdminIdentity{
		UserID:         uuid.NewString(),
		Email:          util.NormalizeEmail(details.Email),
		Role:           details.Role,
		EmailConfirmed: true,
		IsActive:       true,
		PasswordHash:   hashed.Hash,
		PasswordSalt:   hashed.Salt,
		PepperVersion:  hashed.PepperVersion,
		HashAlgorithm:  hashed.Algorithm,
		InvitationID:   inv.ID,
		CreatedAt:      s.now(),
	}

	if name := util.SanitizeInput(fullName); name != "" {
		encrypted, err := s.encryption.EncryptField(ctx, name)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
		}
		identity.FullNameEncrypted = encrypted.EncryptedValue
		identity.FullNameDEK = encrypted.EncryptedDEK
		identity.FullNameKeyID = encrypted.KeyID
	}

	if err := s.invitations.MarkUsed(ctx, token, identity.UserID, identity.CreatedAt); err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusConflict):
			s.metrics.IncInvitationRejection(string(models.ReasonUsed))
			return nil, apperrors.Wrap(err, apperrors.KindTokenAlreadyUsed, apperrors.Message(apperrors.KindTokenAlreadyUsed))
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.Wrap(err, apperrors.KindTokenInvalid, apperrors.Message(apperrors.KindTokenInvalid))
		default:
			return nil, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
		}
	}

	if err := s.admins.CreateIfNotExists(ctx, identity); err != nil {
		if relErr := s.invitations.Release(ctx, token); relErr != nil {
			s.logger.Error("Failed to release invitation after account creation failed",
				zap.String("invitation_id", inv.ID),
				zap.Error(relErr))
		}
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, apperrors.Wrap(err, apperrors.KindTokenInvalid, "An account already exists for this invitation's email.")
		}
		return nil, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}

	s.metrics.IncInvitationRedeemed()
	s.logger.Info("Invitation redeemed",
		zap.String("invitation_id", inv.ID),
		zap.String("email", identity.Email),
		zap.String("role", string(identity.Role)))

	if s.audit != nil {
		s.audit.RecordBestEffort(ctx, identity.UserID, models.ActionAdminInvitationRedeemed, map[string]string{
			models.MetaEmail: identity.Email,
			"invitation_id":  inv.ID,
			"inviter_email":  inv.InviterEmail,
		})
	}

	return identity, nil
}

// Issue creates an invitation out of band. It is not reachable over HTTP.
func (s *InvitationService) Issue(ctx context.Context, inviterEmail, email string, role models.Role, ttl time.Duration) (*models.Invitation, error) {
	email = util.NormalizeEmail(email)
	if !util.LooksLikeEmail(email) || !role.IsAdministrative() || ttl <= 0 {
		return nil, apperrors.New(apperrors.KindValidationMismatch, "invitation needs an email, an admin role and a positive ttl")
	}

	token, err := newOpaqueToken()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
	}

	now := s.now()
	inv := &models.Invitation{
		ID:           uuid.NewString(),
		Email:        email,
		Role:         role,
		ExpiresAt:    now.Add(ttl),
		InviterEmail: util.NormalizeEmail(inviterEmail),
		InviteToken:  token,
		Status:       models.InvitationValid,
		CreatedAt:    now,
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	return inv, nil
}

// FullName decrypts the stored display name of an identity.
func (s *InvitationService) FullName(ctx context.Context, identity *models.AdminIdentity) (string, error) {
	if identity.FullNameEncrypted == "" {
		return "", nil
	}
	return s.encryption.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: identity.FullNameEncrypted,
		EncryptedDEK:   identity.FullNameDEK,
		KeyID:          identity.FullNameKeyID,
	})
}

func reasonError(reason models.InvalidReason) error {
	switch reason {
	case models.ReasonUsed:
		return apperrors.New(apperrors.KindTokenAlreadyUsed, apperrors.Message(apperrors.KindTokenAlreadyUsed))
	case models.ReasonExpired:
		return apperrors.New(apperrors.KindTokenExpired, apperrors.Message(apperrors.KindTokenExpired))
	default:
		return apperrors.New(apperrors.KindTokenInvalid, apperrors.Message(apperrors.KindTokenInvalid))
	}
}
