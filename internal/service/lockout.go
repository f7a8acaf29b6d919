package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/repository"
)

// LockoutGuard reports whether the PIN factor of an identity is locked.
// The answer comes from locked_until in the store on every call.
type LockoutGuard struct {
	pins   repository.PinRepository
	now    Clock
	logger *zap.Logger
}

func NewLockoutGuard(pins repository.PinRepository, logger *zap.Logger) *LockoutGuard {
	return &LockoutGuard{pins: pins, now: systemClock, logger: logger}
}

func (g *LockoutGuard) WithClock(now Clock) *LockoutGuard {
	g.now = now
	return g
}

// IsLocked returns the lock state and, when locked, the end of the window.
func (g *LockoutGuard) IsLocked(ctx context.Context, email string) (bool, time.Time, error) {
	cred, err := g.pins.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, time.Time{}, nil
		}
		g.logger.Error("Lockout lookup failed", zap.String("email", email), zap.Error(err))
		return false, time.Time{}, apperrors.Wrap(err, apperrors.KindNetworkError, apperrors.Message(apperrors.KindNetworkError))
	}
	if cred.IsLockedAt(g.now()) {
		return true, *cred.LockedUntil, nil
	}
	return false, time.Time{}, nil
}
