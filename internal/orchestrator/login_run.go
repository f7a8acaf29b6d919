package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/util"
)

var (
	// ErrRunAbandoned is returned to a call whose run moved on (back or close)
	// while the backend was working. Its result has been discarded.
	ErrRunAbandoned = errors.New("login run abandoned")
	ErrRunClosed    = errors.New("login run closed")
	ErrRunBusy      = errors.New("login run busy")
)

// View is what a client renders for a run.
type View struct {
	RunID             string         `json:"run_id"`
	Step              Step           `json:"step"`
	ErrorKind         apperrors.Kind `json:"error_kind,omitempty"`
	Message           string         `json:"message,omitempty"`
	ClearPin          bool           `json:"clear_pin,omitempty"`
	FocusFirstDigit   bool           `json:"focus_first_digit,omitempty"`
	AttemptsRemaining int            `json:"attempts_remaining,omitempty"`
	Email             string         `json:"email,omitempty"`
	SessionToken      string         `json:"session_token,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
}

// LoginRun is one sign-in attempt. Backend calls are made without holding the
// lock; a generation counter detects results that land after Back or Close.
type LoginRun struct {
	id      string
	backend Backend
	logger  *zap.Logger

	mu         sync.Mutex
	step       Step
	generation uint64
	busy       bool
	closed     bool
	identity   *models.Identity
	session    *models.AdminSession
	last       View
}

type runState struct {
	gen      uint64
	identity *models.Identity
}

type outcome struct {
	event    Event
	err      error
	attempts int
	clearPin bool
	identity *models.Identity
	session  *models.AdminSession
}

func NewLoginRun(id string, backend Backend, logger *zap.Logger) *LoginRun {
	return &LoginRun{
		id:      id,
		backend: backend,
		logger:  logger,
		step:    StepCredentials,
		last:    View{RunID: id, Step: StepCredentials},
	}
}

func (r *LoginRun) ID() string {
	return r.id
}

// View returns the last rendered state.
func (r *LoginRun) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *LoginRun) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SubmitCredentials runs authenticate, isAdmin, isLocked and hasTwoFactor in
// that order and stops at the first failure. A rejected identity is signed out
// before the view leaves this method.
func (r *LoginRun) SubmitCredentials(ctx context.Context, email, password string) (View, error) {
	st, err := r.begin(StepCredentials)
	if err != nil {
		return r.View(), err
	}

	identity, err := r.backend.Authenticate(ctx, email, password)
	if err != nil {
		return r.commit(st.gen, outcome{event: EventCredentialsRejected, err: err})
	}

	event, err := r.admit(ctx, st.gen, identity)
	if err != nil {
		r.signOut(ctx, identity)
		return r.commit(st.gen, outcome{event: event, err: err})
	}

	view, err := r.commit(st.gen, outcome{event: event, identity: identity})
	if errors.Is(err, ErrRunAbandoned) {
		r.signOut(ctx, identity)
	}
	return view, err
}

func (r *LoginRun) admit(ctx context.Context, gen uint64, identity *models.Identity) (Event, error) {
	isAdmin, err := r.backend.IsAdmin(ctx, identity.Email)
	if err != nil {
		return EventCredentialsRejected, err
	}
	if !isAdmin {
		return EventNotAdmin, apperrors.New(apperrors.KindNotAuthorized, apperrors.Message(apperrors.KindNotAuthorized))
	}
	if !r.current(gen) {
		return EventCredentialsRejected, ErrRunAbandoned
	}

	locked, err := r.backend.IsLocked(ctx, identity.Email)
	if err != nil {
		return EventCredentialsRejected, err
	}
	if locked {
		return EventLocked, apperrors.New(apperrors.KindAccountLocked, apperrors.LockedMessage(r.backend.LockoutPolicy().LockWindow))
	}
	if !r.current(gen) {
		return EventCredentialsRejected, ErrRunAbandoned
	}

	enrolled, err := r.backend.HasTwoFactor(ctx, identity.Email)
	if err != nil {
		return EventCredentialsRejected, err
	}
	if enrolled {
		return EventEnrolled, nil
	}
	return EventNotEnrolled, nil
}

// SubmitPin verifies pin. Malformed input never reaches the backend.
func (r *LoginRun) SubmitPin(ctx context.Context, pin string) (View, error) {
	if !util.IsValidPIN(pin) {
		return r.rejectLocally(StepTwoFactorVerify, EventPinRejected,
			apperrors.New(apperrors.KindValidationMismatch, "The PIN must be exactly 6 digits."))
	}

	st, err := r.begin(StepTwoFactorVerify)
	if err != nil {
		return r.View(), err
	}

	result, err := r.backend.VerifyPin(ctx, st.identity.Email, pin)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAccountLocked {
			r.signOut(ctx, st.identity)
			return r.commit(st.gen, outcome{event: EventLocked, err: err})
		}
		return r.commit(st.gen, outcome{event: EventPinRejected, err: err, clearPin: true})
	}
	if !result.Verified {
		return r.commit(st.gen, outcome{
			event:    EventPinRejected,
			err:      apperrors.New(apperrors.KindPinIncorrect, apperrors.PinIncorrectMessage(r.backend.LockoutPolicy().MaxAttempts)),
			attempts: result.AttemptsRemaining,
			clearPin: true,
		})
	}

	return r.complete(ctx, st, models.ActionAdmin2FAVerified, EventPinVerified)
}

// SubmitSetup establishes the first PIN. A mismatch or malformed entry is
// rejected without a backend call.
func (r *LoginRun) SubmitSetup(ctx context.Context, pin, confirm string) (View, error) {
	if !util.IsValidPIN(pin) || pin != confirm {
		return r.rejectLocally(StepTwoFactorSetup, EventSetupInvalid,
			apperrors.New(apperrors.KindValidationMismatch, apperrors.Message(apperrors.KindValidationMismatch)))
	}

	st, err := r.begin(StepTwoFactorSetup)
	if err != nil {
		return r.View(), err
	}

	if err := r.backend.SetPin(ctx, st.identity.Email, pin); err != nil {
		return r.commit(st.gen, outcome{event: EventSetupRejected, err: err, clearPin: true})
	}

	return r.complete(ctx, st, models.ActionAdmin2FASetup, EventSetupCompleted)
}

// complete records the audit event and promotes the session. Authenticated is
// only committed after both succeed.
func (r *LoginRun) complete(ctx context.Context, st runState, action models.AuditAction, success Event) (View, error) {
	if !r.current(st.gen) {
		return r.View(), ErrRunAbandoned
	}

	if err := r.backend.RecordAudit(ctx, st.identity.UserID, action, map[string]string{
		models.MetaEmail: st.identity.Email,
	}); err != nil {
		return r.commit(st.gen, outcome{event: EventAuditFailed, err: err})
	}

	session, err := r.backend.PromoteSession(ctx, st.identity)
	if err != nil {
		r.signOut(ctx, st.identity)
		return r.commit(st.gen, outcome{event: EventSessionFailed, err: err})
	}

	view, err := r.commit(st.gen, outcome{event: success, session: session})
	if errors.Is(err, ErrRunAbandoned) {
		if revokeErr := r.backend.RevokeSession(context.WithoutCancel(ctx), session); revokeErr != nil {
			r.logger.Warn("Failed to revoke session of abandoned run",
				zap.String("run_id", r.id),
				zap.Error(revokeErr))
		}
	}
	return view, err
}

// Back signs out and returns to credentials. Any call still in flight is
// abandoned.
func (r *LoginRun) Back(ctx context.Context) (View, error) {
	r.mu.Lock()
	if r.closed {
		view := r.last
		r.mu.Unlock()
		return view, ErrRunClosed
	}
	next, err := Transition(r.step, EventBack)
	if err != nil {
		view := r.last
		r.mu.Unlock()
		return view, err
	}
	identity := r.identity
	r.generation++
	r.busy = false
	r.step = next
	r.identity = nil
	r.session = nil
	r.last = View{RunID: r.id, Step: next}
	view := r.last
	r.mu.Unlock()

	r.signOut(ctx, identity)
	return view, nil
}

// Close tears the run down. An authenticated admin session outlives its run.
func (r *LoginRun) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.generation++
	r.busy = false
	var identity *models.Identity
	if r.step != StepAuthenticated {
		identity = r.identity
	}
	r.identity = nil
	r.mu.Unlock()

	r.signOut(ctx, identity)
}

func (r *LoginRun) begin(expect Step) (runState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return runState{}, ErrRunClosed
	}
	if r.busy {
		return runState{}, ErrRunBusy
	}
	if r.step != expect {
		return runState{}, fmt.Errorf("%w: %s submitted in %s", ErrInvalidTransition, expect, r.step)
	}
	r.busy = true
	return runState{gen: r.generation, identity: r.identity}, nil
}

func (r *LoginRun) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.generation
}

func (r *LoginRun) commit(gen uint64, o outcome) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		r.logger.Debug("Discarding late result", zap.String("run_id", r.id), zap.String("event", string(o.event)))
		return r.last, ErrRunAbandoned
	}
	r.busy = false

	next, err := Transition(r.step, o.event)
	if err != nil {
		return r.last, err
	}
	next = Settle(next)

	switch {
	case next == StepCredentials:
		r.identity = nil
	case o.identity != nil:
		r.identity = o.identity
	}
	if o.session != nil {
		r.session = o.session
	}
	r.step = next
	r.last = r.render(o)
	return r.last, nil
}

func (r *LoginRun) rejectLocally(expect Step, event Event, cause error) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.last, ErrRunClosed
	}
	if r.busy {
		return r.last, ErrRunBusy
	}
	if r.step != expect {
		return r.last, fmt.Errorf("%w: %s submitted in %s", ErrInvalidTransition, expect, r.step)
	}
	next, err := Transition(r.step, event)
	if err != nil {
		return r.last, err
	}
	r.step = next
	r.last = r.render(outcome{event: event, err: cause, clearPin: true})
	return r.last, nil
}

func (r *LoginRun) render(o outcome) View {
	view := View{
		RunID:             r.id,
		Step:              r.step,
		ClearPin:          o.clearPin,
		FocusFirstDigit:   o.clearPin,
		AttemptsRemaining: o.attempts,
	}
	if r.identity != nil {
		view.Email = r.identity.Email
	}
	if o.err != nil {
		view.ErrorKind = apperrors.KindOf(o.err)
		view.Message = messageFor(o.err)
	}
	if r.step == StepAuthenticated && r.session != nil {
		view.Email = r.session.Email
		view.SessionToken = r.session.Token
		expires := r.session.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}

func (r *LoginRun) signOut(ctx context.Context, identity *models.Identity) {
	if identity == nil {
		return
	}
	if err := r.backend.SignOut(context.WithoutCancel(ctx), identity); err != nil {
		r.logger.Warn("Sign out failed",
			zap.String("run_id", r.id),
			zap.String("email", identity.Email),
			zap.Error(err))
	}
}

// messageFor prefers the message attached at classification time.
func messageFor(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return apperrors.Message(apperrors.KindOf(err))
}
