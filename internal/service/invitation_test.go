package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
)

const (
	inviterEmail = "root@coliving.test"
	inviteeEmail = "new.admin@coliving.test"
	newPassword  = "s3cure-passphrase"
)

func issueInvitation(t *testing.T, h *harness) *models.Invitation {
	t.Helper()
	inv, err := h.factory.InvitationService().Issue(h.ctx, inviterEmail, inviteeEmail, models.RoleAdmin, 72*time.Hour)
	require.NoError(t, err)
	return inv
}

func TestValidateInvitation(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()
	inv := issueInvitation(t, h)

	details, err := svc.Validate(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.True(t, details.Valid)
	assert.Equal(t, inviteeEmail, details.Email)
	assert.Equal(t, models.RoleAdmin, details.Role)
	assert.Equal(t, inviterEmail, details.InviterEmail)
	assert.Equal(t, inv.ExpiresAt, details.ExpiresAt)

	unknown, err := svc.Validate(h.ctx, "no-such-token")
	require.NoError(t, err)
	assert.False(t, unknown.Valid)
	assert.Equal(t, models.ReasonUnknown, unknown.Reason)

	empty, err := svc.Validate(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonUnknown, empty.Reason)

	h.clock.Advance(72 * time.Hour)
	expired, err := svc.Validate(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.False(t, expired.Valid)
	assert.Equal(t, models.ReasonExpired, expired.Reason)
	assert.Empty(t, expired.Email)
}

func TestRevokedInvitationIsInvalid(t *testing.T) {
	h := newHarness(t)
	inv := issueInvitation(t, h)
	h.invitations.Revoke(inv.InviteToken)

	details, err := h.factory.InvitationService().Validate(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonRevoked, details.Reason)

	_, err = h.factory.InvitationService().Redeem(h.ctx, inv.InviteToken, newPassword, "")
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestRedeemCreatesConfirmedAdminWithoutPin(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()
	inv := issueInvitation(t, h)

	identity, err := svc.Redeem(h.ctx, inv.InviteToken, newPassword, "  Asha Rao ")
	require.NoError(t, err)
	assert.Equal(t, inviteeEmail, identity.Email)
	assert.Equal(t, models.RoleAdmin, identity.Role)
	assert.True(t, identity.EmailConfirmed)
	assert.True(t, identity.IsActive)
	assert.Equal(t, inv.ID, identity.InvitationID)
	assert.NotContains(t, identity.FullNameEncrypted, "Asha")

	stored, err := h.invitations.GetByToken(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationUsed, stored.Status)
	assert.Equal(t, identity.UserID, stored.UsedBy)

	name, err := svc.FullName(h.ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", name)

	enrolled, err := h.factory.PinFactorManager().HasEnrollment(h.ctx, inviteeEmail)
	require.NoError(t, err)
	assert.False(t, enrolled)

	signedIn, err := h.authenticator().Authenticate(h.ctx, inviteeEmail, newPassword)
	require.NoError(t, err)
	assert.Equal(t, identity.UserID, signedIn.UserID)

	assert.Equal(t, 1, h.audits.CountAction(models.ActionAdminInvitationRedeemed))
}

func TestSecondRedeemFailsWithAlreadyUsed(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()
	inv := issueInvitation(t, h)

	_, err := svc.Redeem(h.ctx, inv.InviteToken, newPassword, "")
	require.NoError(t, err)

	_, err = svc.Redeem(h.ctx, inv.InviteToken, newPassword, "")
	assert.ErrorIs(t, err, apperrors.ErrTokenAlreadyUsed)
	_, err = svc.Redeem(h.ctx, inv.InviteToken, "short", "")
	assert.ErrorIs(t, err, apperrors.ErrTokenAlreadyUsed, "a used token is reported before the password")

	details, err := svc.Validate(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonUsed, details.Reason)
}

func TestConcurrentRedeemCreatesOneAccount(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()
	inv := issueInvitation(t, h)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(h.ctx, inv.InviteToken, newPassword, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrTokenAlreadyUsed)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.audits.CountAction(models.ActionAdminInvitationRedeemed))
}

func TestRedeemRejections(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()

	t.Run("short password leaves the invitation valid", func(t *testing.T) {
		inv := issueInvitation(t, h)
		_, err := svc.Redeem(h.ctx, inv.InviteToken, "short", "")
		assert.ErrorIs(t, err, apperrors.ErrValidationMismatch)

		details, err := svc.Validate(h.ctx, inv.InviteToken)
		require.NoError(t, err)
		assert.True(t, details.Valid)
	})

	t.Run("expired token", func(t *testing.T) {
		inv, err := svc.Issue(h.ctx, inviterEmail, "late@coliving.test", models.RoleAdmin, time.Hour)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)

		_, err = svc.Redeem(h.ctx, inv.InviteToken, newPassword, "")
		assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := svc.Redeem(h.ctx, "missing", newPassword, "")
		assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	})
}

func TestRedeemForExistingEmailReleasesInvitation(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()
	h.seedAdmin(inviteeEmail, adminPassword, models.RoleAdmin, true)
	inv := issueInvitation(t, h)

	_, err := svc.Redeem(h.ctx, inv.InviteToken, newPassword, "")
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)

	stored, err := h.invitations.GetByToken(h.ctx, inv.InviteToken)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationValid, stored.Status)
	assert.Nil(t, stored.UsedAt)
	assert.Empty(t, stored.UsedBy)
}

func TestIssueValidatesInput(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.InvitationService()

	_, err := svc.Issue(h.ctx, inviterEmail, "bad", models.RoleAdmin, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrValidationMismatch)
	_, err = svc.Issue(h.ctx, inviterEmail, inviteeEmail, models.Role("tenant"), time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrValidationMismatch)
	_, err = svc.Issue(h.ctx, inviterEmail, inviteeEmail, models.RoleAdmin, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidationMismatch)
}
