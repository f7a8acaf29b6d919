package service

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coliving-admin-auth/internal/apperrors"
)

const (
	adminEmail = "ops@coliving.test"
	adminPin   = "482913"
	wrongPin   = "000000"
)

func TestSixthAttemptReportsLockedEvenWithCorrectPin(t *testing.T) {
	h := newHarness(t)
	h.seedPin(adminEmail, adminPin)
	pins := h.factory.PinFactorManager()
	guard := h.factory.LockoutGuard()

	for i := 1; i <= 4; i++ {
		result, err := pins.Verify(h.ctx, adminEmail, wrongPin)
		require.NoError(t, err)
		assert.False(t, result.Verified)
		assert.False(t, result.Locked)
		assert.Equal(t, 5-i, result.AttemptsRemaining)
	}

	fifth, err := pins.Verify(h.ctx, adminEmail, wrongPin)
	require.NoError(t, err)
	assert.True(t, fifth.Locked)
	assert.True(t, fifth.LockTriggered)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), fifth.LockedUntil)

	sixth, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.False(t, sixth.Verified)
	assert.True(t, sixth.Locked)
	assert.False(t, sixth.LockTriggered)

	locked, until, err := guard.IsLocked(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, fifth.LockedUntil, until)

	h.clock.Advance(14*time.Minute + 59*time.Second)
	stillLocked, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.True(t, stillLocked.Locked)

	h.clock.Advance(time.Second)
	locked, _, err = guard.IsLocked(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.False(t, locked)

	unlocked, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.True(t, unlocked.Verified)

	cred, err := h.pins.Get(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.Zero(t, cred.FailedAttemptCount)
	assert.Nil(t, cred.LockedUntil)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockoutsTriggered))
}

func TestLockedVerifyDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	h.seedPin(adminEmail, adminPin)
	h.pins.Lock(adminEmail, h.clock.Now().Add(10*time.Minute))
	before, err := h.pins.Get(h.ctx, adminEmail)
	require.NoError(t, err)

	result, err := h.factory.PinFactorManager().Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.True(t, result.Locked)

	after, err := h.pins.Get(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestSuccessResetsFailedAttempts(t *testing.T) {
	h := newHarness(t)
	h.seedPin(adminEmail, adminPin)
	pins := h.factory.PinFactorManager()

	for i := 0; i < 3; i++ {
		_, err := pins.Verify(h.ctx, adminEmail, wrongPin)
		require.NoError(t, err)
	}
	result, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	require.True(t, result.Verified)

	next, err := pins.Verify(h.ctx, adminEmail, wrongPin)
	require.NoError(t, err)
	assert.Equal(t, 4, next.AttemptsRemaining)
}

func TestExpiredLockStartsFreshCount(t *testing.T) {
	h := newHarness(t)
	h.seedPin(adminEmail, adminPin)
	pins := h.factory.PinFactorManager()

	for i := 0; i < 5; i++ {
		_, err := pins.Verify(h.ctx, adminEmail, wrongPin)
		require.NoError(t, err)
	}
	h.clock.Advance(15 * time.Minute)

	result, err := pins.Verify(h.ctx, adminEmail, wrongPin)
	require.NoError(t, err)
	assert.False(t, result.Locked)
	assert.Equal(t, 4, result.AttemptsRemaining)
}

func TestConcurrentWrongPinsCannotRacePastThreshold(t *testing.T) {
	h := newHarness(t)
	h.seedPin(adminEmail, adminPin)
	pins := h.factory.PinFactorManager()

	const attempts = 12
	results := make([]VerifyResult, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = pins.Verify(h.ctx, adminEmail, wrongPin)
		}(i)
	}
	wg.Wait()

	booked, triggered := 0, 0
	for i := range results {
		if errs[i] != nil {
			assert.Equal(t, apperrors.KindUnknown, apperrors.KindOf(errs[i]))
			continue
		}
		assert.False(t, results[i].Verified)
		switch {
		case results[i].LockTriggered:
			triggered++
			booked++
		case !results[i].Locked:
			booked++
		}
	}

	cred, err := h.pins.Get(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.LessOrEqual(t, cred.FailedAttemptCount, 5)
	assert.Equal(t, booked, cred.FailedAttemptCount)
	assert.LessOrEqual(t, triggered, 1)
	assert.Equal(t, cred.FailedAttemptCount == 5, cred.LockedUntil != nil)

	for i := cred.FailedAttemptCount; i < 5; i++ {
		_, err := pins.Verify(h.ctx, adminEmail, wrongPin)
		require.NoError(t, err)
	}
	final, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.True(t, final.Locked)
}

func TestVerifyRejectsMalformedPinWithoutReading(t *testing.T) {
	h := newHarness(t)
	pins := h.factory.PinFactorManager()

	for _, pin := range []string{"", "12345", "1234567", "12a456", " 12345"} {
		_, err := pins.Verify(h.ctx, adminEmail, pin)
		assert.Equal(t, apperrors.KindValidationMismatch, apperrors.KindOf(err), pin)
	}
}

func TestSetPinOnlyWhenUnenrolled(t *testing.T) {
	h := newHarness(t)
	pins := h.factory.PinFactorManager()

	enrolled, err := pins.HasEnrollment(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.False(t, enrolled)

	require.NoError(t, pins.SetPin(h.ctx, adminEmail, adminPin))

	enrolled, err = pins.HasEnrollment(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.True(t, enrolled)

	err = pins.SetPin(h.ctx, adminEmail, "111111")
	assert.ErrorIs(t, err, apperrors.ErrPinSetupFailed)

	result, err := pins.Verify(h.ctx, adminEmail, adminPin)
	require.NoError(t, err)
	assert.True(t, result.Verified, "original PIN must survive a rejected setup")

	assert.ErrorIs(t, pins.SetPin(h.ctx, "other@coliving.test", "12345"), apperrors.ErrValidationMismatch)
}

func TestVerifyWithoutEnrollment(t *testing.T) {
	h := newHarness(t)
	_, err := h.factory.PinFactorManager().Verify(h.ctx, adminEmail, adminPin)
	assert.Equal(t, apperrors.KindUnknown, apperrors.KindOf(err))
}
