package orchestrator

import (
	"errors"
	"fmt"
)

type Step string

const (
	StepCredentials     Step = "credentials"
	StepTwoFactorVerify Step = "two_factor_verify"
	StepTwoFactorSetup  Step = "two_factor_setup"
	StepAuthenticated   Step = "authenticated"
	// StepRejected is transient: a run collapses it into StepCredentials and
	// keeps the error on the view.
	StepRejected Step = "rejected"
)

type Event string

const (
	EventCredentialsRejected Event = "credentials_rejected"
	EventNotAdmin            Event = "not_admin"
	EventLocked              Event = "locked"
	EventEnrolled            Event = "enrolled"
	EventNotEnrolled         Event = "not_enrolled"
	EventPinRejected         Event = "pin_rejected"
	EventPinVerified         Event = "pin_verified"
	EventSetupInvalid        Event = "setup_invalid"
	EventSetupRejected       Event = "setup_rejected"
	EventSetupCompleted      Event = "setup_completed"
	EventAuditFailed         Event = "audit_failed"
	EventSessionFailed       Event = "session_failed"
	EventBack                Event = "back"
)

var ErrInvalidTransition = errors.New("invalid transition")

type transitionKey struct {
	from  Step
	event Event
}

var loginTransitions = map[transitionKey]Step{
	{StepCredentials, EventCredentialsRejected}: StepRejected,
	{StepCredentials, EventNotAdmin}:            StepRejected,
	{StepCredentials, EventLocked}:              StepRejected,
	{StepCredentials, EventEnrolled}:            StepTwoFactorVerify,
	{StepCredentials, EventNotEnrolled}:         StepTwoFactorSetup,

	{StepTwoFactorVerify, EventPinRejected}:   StepTwoFactorVerify,
	{StepTwoFactorVerify, EventPinVerified}:   StepAuthenticated,
	{StepTwoFactorVerify, EventLocked}:        StepRejected,
	{StepTwoFactorVerify, EventAuditFailed}:   StepTwoFactorVerify,
	{StepTwoFactorVerify, EventSessionFailed}: StepRejected,
	{StepTwoFactorVerify, EventBack}:          StepCredentials,

	{StepTwoFactorSetup, EventSetupInvalid}:   StepTwoFactorSetup,
	{StepTwoFactorSetup, EventSetupRejected}:  StepTwoFactorSetup,
	{StepTwoFactorSetup, EventSetupCompleted}: StepAuthenticated,
	{StepTwoFactorSetup, EventAuditFailed}:    StepTwoFactorSetup,
	{StepTwoFactorSetup, EventSessionFailed}:  StepRejected,
	{StepTwoFactorSetup, EventBack}:           StepCredentials,
}

// Transition is the sign-in state table. It has no side effects.
func Transition(from Step, event Event) (Step, error) {
	if to, ok := loginTransitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}

// Settle collapses StepRejected into StepCredentials.
func Settle(step Step) Step {
	if step == StepRejected {
		return StepCredentials
	}
	return step
}

type InvitationStep string

const (
	InvitationLoading InvitationStep = "loading"
	InvitationInvalid InvitationStep = "invalid"
	InvitationForm    InvitationStep = "form"
	InvitationSuccess InvitationStep = "success"
)

type InvitationEvent string

const (
	EventInvitationValid    InvitationEvent = "invitation_valid"
	EventInvitationInvalid  InvitationEvent = "invitation_invalid"
	EventRedeemRejected     InvitationEvent = "redeem_rejected"
	EventRedeemTokenRefused InvitationEvent = "redeem_token_refused"
	EventRedeemed           InvitationEvent = "redeemed"
)

type invitationKey struct {
	from  InvitationStep
	event InvitationEvent
}

var invitationTransitions = map[invitationKey]InvitationStep{
	{InvitationLoading, EventInvitationValid}:   InvitationForm,
	{InvitationLoading, EventInvitationInvalid}: InvitationInvalid,
	{InvitationForm, EventRedeemRejected}:       InvitationForm,
	{InvitationForm, EventRedeemTokenRefused}:   InvitationInvalid,
	{InvitationForm, EventRedeemed}:             InvitationSuccess,
}

// InvitationTransition is the redemption state table.
func InvitationTransition(from InvitationStep, event InvitationEvent) (InvitationStep, error) {
	if to, ok := invitationTransitions[invitationKey{from, event}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}
