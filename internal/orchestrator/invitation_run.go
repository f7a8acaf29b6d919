package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
)

// LoginRoute is where a redeemed invitation sends the new admin.
const LoginRoute = "/admin/login"

type InvitationView struct {
	Step       InvitationStep            `json:"step"`
	Invitation *models.InvitationDetails `json:"invitation,omitempty"`
	ErrorKind  apperrors.Kind            `json:"error_kind,omitempty"`
	Message    string                    `json:"message,omitempty"`
	RedirectTo string                    `json:"redirect_to,omitempty"`
	// RedirectAfterMs is the delay before the client follows RedirectTo.
	RedirectAfterMs int64 `json:"redirect_after_ms,omitempty"`
}

// InvitationRun drives Loading -> Invalid | Form -> Success for one token.
type InvitationRun struct {
	token         string
	backend       InvitationBackend
	redirectDelay time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	step    InvitationStep
	busy    bool
	details models.InvitationDetails
	last    InvitationView
}

func NewInvitationRun(token string, backend InvitationBackend, redirectDelay time.Duration, logger *zap.Logger) *InvitationRun {
	return &InvitationRun{
		token:         token,
		backend:       backend,
		redirectDelay: redirectDelay,
		logger:        logger,
		step:          InvitationLoading,
		last:          InvitationView{Step: InvitationLoading},
	}
}

func (r *InvitationRun) View() InvitationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Load validates the token. Any failure, including a backend error, ends in Invalid.
func (r *InvitationRun) Load(ctx context.Context) (InvitationView, error) {
	if err := r.begin(InvitationLoading); err != nil {
		return r.View(), err
	}

	details, err := r.backend.ValidateInvitation(ctx, r.token)
	if err != nil {
		return r.commit(EventInvitationInvalid, err, nil)
	}
	if !details.Valid {
		return r.commit(EventInvitationInvalid, reasonError(details.Reason), &details)
	}
	return r.commit(EventInvitationValid, nil, &details)
}

// Submit redeems the invitation. A confirmation mismatch is rejected without
// a backend call.
func (r *InvitationRun) Submit(ctx context.Context, password, confirm, fullName string) (InvitationView, error) {
	if password != confirm {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.step != InvitationForm {
			return r.last, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, r.step)
		}
		r.last = r.render(apperrors.New(apperrors.KindValidationMismatch, "The passwords do not match."))
		return r.last, nil
	}

	if err := r.begin(InvitationForm); err != nil {
		return r.View(), err
	}

	identity, err := r.backend.RedeemInvitation(ctx, r.token, password, fullName)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindTokenAlreadyUsed, apperrors.KindTokenExpired, apperrors.KindTokenInvalid:
			return r.commit(EventRedeemTokenRefused, err, nil)
		default:
			return r.commit(EventRedeemRejected, err, nil)
		}
	}

	r.logger.Info("Invitation accepted", zap.String("email", identity.Email))
	return r.commit(EventRedeemed, nil, nil)
}

// RedirectAfter returns the delay and target once the run has succeeded.
func (r *InvitationRun) RedirectAfter() (time.Duration, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.step != InvitationSuccess {
		return 0, "", false
	}
	return r.redirectDelay, LoginRoute, true
}

func (r *InvitationRun) begin(expect InvitationStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrRunBusy
	}
	if r.step != expect {
		return fmt.Errorf("%w: %s expected, run is in %s", ErrInvalidTransition, expect, r.step)
	}
	r.busy = true
	return nil
}

func (r *InvitationRun) commit(event InvitationEvent, cause error, details *models.InvitationDetails) (InvitationView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false

	next, err := InvitationTransition(r.step, event)
	if err != nil {
		return r.last, err
	}
	r.step = next
	if details != nil {
		r.details = *details
	}
	r.last = r.render(cause)
	return r.last, nil
}

func (r *InvitationRun) render(cause error) InvitationView {
	view := InvitationView{Step: r.step}
	switch r.step {
	case InvitationForm:
		details := r.details
		view.Invitation = &details
	case InvitationInvalid:
		if r.details.Reason != "" {
			view.Invitation = &models.InvitationDetails{Valid: false, Reason: r.details.Reason}
		}
	case InvitationSuccess:
		view.RedirectTo = LoginRoute
		view.RedirectAfterMs = r.redirectDelay.Milliseconds()
	}
	if cause != nil {
		view.ErrorKind = apperrors.KindOf(cause)
		view.Message = messageFor(cause)
	}
	return view
}

func reasonError(reason models.InvalidReason) error {
	kind := apperrors.KindTokenInvalid
	switch reason {
	case models.ReasonExpired:
		kind = apperrors.KindTokenExpired
	case models.ReasonUsed:
		kind = apperrors.KindTokenAlreadyUsed
	}
	return apperrors.New(kind, apperrors.Message(kind))
}
