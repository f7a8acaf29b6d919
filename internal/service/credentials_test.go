package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
	redisrepo "coliving-admin-auth/internal/repository/redis"
)

const adminPassword = "correct-horse-battery"

func TestAuthenticateClassifiesFailures(t *testing.T) {
	h := newHarness(t)
	h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	h.seedAdmin("pending@coliving.test", adminPassword, models.RoleAdmin, false)
	auth := h.authenticator()

	tests := []struct {
		name     string
		email    string
		password string
		want     apperrors.Kind
	}{
		{"unknown email", "nobody@coliving.test", adminPassword, apperrors.KindInvalidCredentials},
		{"wrong password", adminEmail, "wrong", apperrors.KindInvalidCredentials},
		{"empty password", adminEmail, "", apperrors.KindInvalidCredentials},
		{"malformed email", "not-an-email", adminPassword, apperrors.KindInvalidCredentials},
		{"unconfirmed email", "pending@coliving.test", adminPassword, apperrors.KindEmailUnconfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := auth.Authenticate(h.ctx, tt.email, tt.password)
			assert.Nil(t, identity)
			assert.Equal(t, tt.want, apperrors.KindOf(err))
		})
	}

	_, unknownErr := auth.Authenticate(h.ctx, "nobody@coliving.test", adminPassword)
	_, wrongErr := auth.Authenticate(h.ctx, adminEmail, "wrong")
	assert.Equal(t, unknownErr.Error(), wrongErr.Error(), "unknown email and wrong password must be indistinguishable")
}

func TestAuthenticateOpensBaseSession(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	auth := h.authenticator()

	identity, err := auth.Authenticate(h.ctx, "  OPS@Coliving.Test ", adminPassword)
	require.NoError(t, err)
	assert.Equal(t, seeded.UserID, identity.UserID)
	assert.Equal(t, adminEmail, identity.Email)
	require.NotEmpty(t, identity.BaseSessionToken)

	require.NoError(t, auth.SignOut(h.ctx, identity))
	_, err = h.sessions.PromoteSession(h.ctx, identity.BaseSessionToken, "admin-token", models.RoleAdmin, time.Hour, time.Now())
	assert.ErrorIs(t, err, redisrepo.ErrSessionNotFound, "a signed-out base session cannot be promoted")
	assert.NoError(t, auth.SignOut(h.ctx, identity), "signing out twice is fine")
}

func TestBaseSessionCarriesClientFingerprint(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	auth := h.authenticator()

	identity, err := auth.Authenticate(h.ctx, adminEmail, adminPassword)
	require.NoError(t, err)

	session, err := h.sessions.PromoteSession(h.ctx, identity.BaseSessionToken, "admin-token", models.RoleAdmin, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, seeded.UserID, session.UserID)
	assert.Equal(t, "fp-test", session.ClientFingerprint)
}

func TestAuthenticateRateLimit(t *testing.T) {
	h := newHarness(t)
	h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	auth := h.authenticator()

	for i := 0; i < 10; i++ {
		_, err := auth.Authenticate(h.ctx, adminEmail, "wrong")
		require.Equal(t, apperrors.KindInvalidCredentials, apperrors.KindOf(err))
	}

	_, err := auth.Authenticate(h.ctx, adminEmail, adminPassword)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Message, "Please retry in 15 minutes")

	attempts, err := h.limiter.GetLoginAttempts(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.Equal(t, 10, attempts, "throttled attempts are not counted")

	h.redis.FastForward(15*time.Minute + time.Second)
	identity, err := auth.Authenticate(h.ctx, adminEmail, adminPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, identity.BaseSessionToken)
}

func TestSuccessfulLoginResetsThrottle(t *testing.T) {
	h := newHarness(t)
	h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	auth := h.authenticator()

	for i := 0; i < 3; i++ {
		_, _ = auth.Authenticate(h.ctx, adminEmail, "wrong")
	}
	_, err := auth.Authenticate(h.ctx, adminEmail, adminPassword)
	require.NoError(t, err)

	attempts, err := h.limiter.GetLoginAttempts(h.ctx, adminEmail)
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestRedisOutageIsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	auth := h.authenticator()
	h.redis.Close()

	_, err := auth.Authenticate(h.ctx, adminEmail, adminPassword)
	assert.Equal(t, apperrors.KindNetworkError, apperrors.KindOf(err))
}

func TestRoleAuthorizer(t *testing.T) {
	h := newHarness(t)
	h.seedAdmin(adminEmail, adminPassword, models.RoleAdmin, true)
	h.seedAdmin("root@coliving.test", adminPassword, models.RoleSuperAdmin, true)
	h.seedAdmin("tenant@coliving.test", adminPassword, models.Role("tenant"), true)
	roles := h.factory.RoleAuthorizer()

	for email, want := range map[string]bool{
		adminEmail:             true,
		"root@coliving.test":   true,
		"tenant@coliving.test": false,
		"nobody@coliving.test": false,
	} {
		got, err := roles.IsAdmin(h.ctx, email)
		require.NoError(t, err)
		assert.Equal(t, want, got, email)
	}
}
