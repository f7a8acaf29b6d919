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

const maxPinWriteTries = 5

// VerifyResult is the outcome of one PIN attempt.
type VerifyResult struct {
	Verified          bool
	Locked            bool
	LockedUntil       time.Time
	AttemptsRemaining int
	// LockTriggered is true when this attempt crossed the threshold.
	LockTriggered bool
}

// PinFactorManager owns the PIN credential lifecycle.
type PinFactorManager struct {
	pins         repository.PinRepository
	hasher       *hashing.Hasher
	maxAttempts  int
	lockDuration time.Duration
	now          Clock
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewPinFactorManager(cfg *config.Config, pins repository.PinRepository, hasher *hashing.Hasher, m *metrics.Metrics, logger *zap.Logger) *PinFactorManager {
	return &PinFactorManager{
		pins:         pins,
		hasher:       hasher,
		maxAttempts:  cfg.Auth.PinMaxAttempts,
		lockDuration: cfg.Auth.PinLockDuration,
		now:          systemClock,
		metrics:      m,
		logger:       logger,
	}
}

func (p *PinFactorManager) WithClock(now Clock) *PinFactorManager {
	p.now = now
	return p
}

// Policy returns the attempts threshold and lock window in force.
func (p *PinFactorManager) Policy() (maxAttempts int, lockDuration time.Duration) {
	return p.maxAttempts, p.lockDuration
}

func (p *PinFactorManager) HasEnrollment(ctx context.Context, email string) (bool, error) {
	_, err := p.pins.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	return true, nil
}

// Verify checks pin and books the attempt in one conditional write. The lock
// state is evaluated on the same row version that is written, so a parallel
// attempt cannot slip past the threshold.
func (p *PinFactorManager) Verify(ctx context.Context, email, pin string) (VerifyResult, error) {
	if !util.IsValidPIN(pin) {
		return VerifyResult{}, apperrors.New(apperrors.KindValidationMismatch, apperrors.Message(apperrors.KindValidationMismatch))
	}

	for try := 0; try < maxPinWriteTries; try++ {
		cred, err := p.pins.Get(ctx, email)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return VerifyResult{}, apperrors.Wrap(err, apperrors.KindUnknown, "no PIN is set up for this account")
			}
			return VerifyResult{}, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
		}

		now := p.now()
		if cred.IsLockedAt(now) {
			p.metrics.IncPinVerification("locked")
			return VerifyResult{Locked: true, LockedUntil: *cred.LockedUntil}, nil
		}

		next, result, err := p.evaluate(cred, pin, now)
		if err != nil {
			return VerifyResult{}, err
		}

		err = p.pins.CompareAndSwap(ctx, next, cred.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			p.logger.Debug("PIN credential changed concurrently, retrying",
				zap.String("email", email),
				zap.Int("try", try+1))
			continue
		}
		if err != nil {
			return VerifyResult{}, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
		}

		p.report(email, result)
		return result, nil
	}

	p.logger.Error("PIN verification gave up after repeated conflicts", zap.String("email", email))
	return VerifyResult{}, apperrors.New(apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
}

// evaluate builds the next credential row for one attempt at now.
func (p *PinFactorManager) evaluate(cred *models.PinCredential, pin string, now time.Time) (*models.PinCredential, VerifyResult, error) {
	next := *cred
	next.Version = cred.Version + 1
	next.UpdatedAt = now

	// An elapsed lock window starts a fresh count.
	if cred.LockedUntil != nil {
		next.FailedAttemptCount = 0
		next.LockedUntil = nil
	}

	stored := &hashing.HashResult{
		Hash:          cred.PinHash,
		Salt:          cred.PinSalt,
		PepperVersion: cred.PepperVersion,
		Algorithm:     cred.HashAlgorithm,
	}
	ok, err := p.hasher.VerifyPIN(pin, stored)
	if err != nil {
		return nil, VerifyResult{}, apperrors.Wrap(err, apperrors.KindUnknown, apperrors.Message(apperrors.KindUnknown))
	}

	if ok {
		next.FailedAttemptCount = 0
		next.LockedUntil = nil
		if p.hasher.NeedsRehash(stored) {
			if rehashed, err := p.hasher.HashPIN(pin); err == nil {
				next.PinHash = rehashed.Hash
				next.PinSalt = rehashed.Salt
				next.PepperVersion = rehashed.PepperVersion
				next.HashAlgorithm = rehashed.Algorithm
			}
		}
		return &next, VerifyResult{Verified: true, AttemptsRemaining: p.maxAttempts}, nil
	}

	next.FailedAttemptCount++
	if next.FailedAttemptCount >= p.maxAttempts {
		lockedUntil := now.Add(p.lockDuration)
		next.LockedUntil = &lockedUntil
		return &next, VerifyResult{Locked: true, LockedUntil: lockedUntil, LockTriggered: true}, nil
	}
	return &next, VerifyResult{AttemptsRemaining: p.maxAttempts - next.FailedAttemptCount}, nil
}

func (p *PinFactorManager) report(email string, result VerifyResult) {
	switch {
	case result.Verified:
		p.metrics.IncPinVerification("verified")
		p.logger.Info("PIN verified", zap.String("email", email))
	case result.LockTriggered:
		p.metrics.IncPinVerification("rejected")
		p.metrics.IncLockout()
		p.logger.Warn("PIN locked after repeated failures",
			zap.String("email", email),
			util.Time("locked_until", result.LockedUntil))
	default:
		p.metrics.IncPinVerification("rejected")
		p.logger.Info("PIN rejected",
			zap.String("email", email),
			zap.Int("attempts_remaining", result.AttemptsRemaining))
	}
}

// SetPin establishes the first PIN credential. It fails with PinSetupFailed
// when one already exists; changing a PIN is not part of this flow.
func (p *PinFactorManager) SetPin(ctx context.Context, email, newPin string) error {
	if !util.IsValidPIN(newPin) {
		return apperrors.New(apperrors.KindValidationMismatch, apperrors.Message(apperrors.KindValidationMismatch))
	}

	hashed, err := p.hasher.HashPIN(newPin)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindPinSetupFailed, apperrors.Message(apperrors.KindPinSetupFailed))
	}

	now := p.now()
	cred := &models.PinCredential{
		AdminEmail:    email,
		PinHash:       hashed.Hash,
		PinSalt:       hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		HashAlgorithm: hashed.Algorithm,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.pins.InsertIfNotExists(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			p.logger.Warn("PIN setup attempted for enrolled account", zap.String("email", email))
			return apperrors.Wrap(err, apperrors.KindPinSetupFailed, "a PIN is already set up for this account")
		}
		return apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}

	p.metrics.IncPinSetup()
	p.logger.Info("PIN established", zap.String("email", email))
	return nil
}
