package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
)

func validInvitation() models.InvitationDetails {
	return models.InvitationDetails{
		Valid:        true,
		Email:        "new@x.com",
		Role:         models.RoleAdmin,
		ExpiresAt:    time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		InviterEmail: "boss@x.com",
	}
}

func TestInvalidInvitationsNeverRedeem(t *testing.T) {
	tests := []struct {
		reason models.InvalidReason
		kind   apperrors.Kind
	}{
		{models.ReasonExpired, apperrors.KindTokenExpired},
		{models.ReasonUsed, apperrors.KindTokenAlreadyUsed},
		{models.ReasonUnknown, apperrors.KindTokenInvalid},
		{models.ReasonRevoked, apperrors.KindTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			backend := newFakeBackend()
			backend.invitation = models.InvitationDetails{Valid: false, Reason: tt.reason}
			run := NewInvitationRun("tok", backend, 3*time.Second, zap.NewNop())

			view, err := run.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, InvitationInvalid, view.Step)
			assert.Equal(t, tt.kind, view.ErrorKind)
			require.NotNil(t, view.Invitation)
			assert.Equal(t, tt.reason, view.Invitation.Reason)

			_, err = run.Submit(context.Background(), "long-password", "long-password", "")
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Zero(t, backend.count("RedeemInvitation"))
		})
	}
}

func TestValidationErrorEndsInvalid(t *testing.T) {
	backend := newFakeBackend()
	backend.validateErr = classified(apperrors.KindNetworkError)
	run := NewInvitationRun("tok", backend, 3*time.Second, zap.NewNop())

	view, err := run.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InvitationInvalid, view.Step)
	assert.Equal(t, apperrors.KindNetworkError, view.ErrorKind)
}

func TestInvitationRedeemsAndRedirects(t *testing.T) {
	backend := newFakeBackend()
	backend.invitation = validInvitation()
	run := NewInvitationRun("tok", backend, 3*time.Second, zap.NewNop())

	view, err := run.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, InvitationForm, view.Step)
	assert.Equal(t, "new@x.com", view.Invitation.Email)
	assert.Equal(t, "boss@x.com", view.Invitation.InviterEmail)

	_, _, ok := run.RedirectAfter()
	assert.False(t, ok)

	view, err = run.Submit(context.Background(), "long-password", "long-password", "Nia Long")
	require.NoError(t, err)
	assert.Equal(t, InvitationSuccess, view.Step)
	assert.Equal(t, LoginRoute, view.RedirectTo)
	assert.Equal(t, int64(3000), view.RedirectAfterMs)

	delay, target, ok := run.RedirectAfter()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)
	assert.Equal(t, LoginRoute, target)

	_, err = run.Submit(context.Background(), "long-password", "long-password", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, backend.count("RedeemInvitation"))
}

func TestPasswordMismatchIsLocal(t *testing.T) {
	backend := newFakeBackend()
	backend.invitation = validInvitation()
	run := NewInvitationRun("tok", backend, 3*time.Second, zap.NewNop())
	_, err := run.Load(context.Background())
	require.NoError(t, err)

	view, err := run.Submit(context.Background(), "long-password", "long-passw0rd", "")
	require.NoError(t, err)
	assert.Equal(t, InvitationForm, view.Step)
	assert.Equal(t, apperrors.KindValidationMismatch, view.ErrorKind)
	assert.Zero(t, backend.count("RedeemInvitation"))
}

func TestRedeemFailures(t *testing.T) {
	tests := []struct {
		kind apperrors.Kind
		want InvitationStep
	}{
		{apperrors.KindTokenAlreadyUsed, InvitationInvalid},
		{apperrors.KindTokenExpired, InvitationInvalid},
		{apperrors.KindTokenInvalid, InvitationInvalid},
		{apperrors.KindValidationMismatch, InvitationForm},
		{apperrors.KindNetworkError, InvitationForm},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			backend := newFakeBackend()
			backend.invitation = validInvitation()
			backend.redeemErr = classified(tt.kind)
			run := NewInvitationRun("tok", backend, 3*time.Second, zap.NewNop())
			_, err := run.Load(context.Background())
			require.NoError(t, err)

			view, err := run.Submit(context.Background(), "long-password", "long-password", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, view.Step)
			assert.Equal(t, tt.kind, view.ErrorKind)
		})
	}
}

func TestLoadTwiceIsRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.invitation = validInvitation()
	run := NewInvitationRun("tok", backend, time.Second, zap.NewNop())

	_, err := run.Load(context.Background())
	require.NoError(t, err)
	_, err = run.Load(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, backend.count("ValidateInvitation"))
}
