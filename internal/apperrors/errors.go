// Package apperrors holds the closed taxonomy of admin-authentication failures.
// Every backend result is classified into a Kind at its call site; callers
// further up only ever inspect the Kind.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindEmailUnconfirmed   Kind = "email_unconfirmed"
	KindRateLimited        Kind = "rate_limited"
	KindNotAuthorized      Kind = "not_authorized"
	KindAccountLocked      Kind = "account_locked"
	KindPinIncorrect       Kind = "pin_incorrect"
	KindPinSetupFailed     Kind = "pin_setup_failed"
	KindValidationMismatch Kind = "validation_mismatch"
	KindTokenInvalid       Kind = "token_invalid"
	KindTokenExpired       Kind = "token_expired"
	KindTokenAlreadyUsed   Kind = "token_already_used"
	KindAuditWriteFailed   Kind = "audit_write_failed"
	KindNetworkError       Kind = "network_error"
	KindUnknown            Kind = "unknown"
)

var messages = map[Kind]string{
	KindInvalidCredentials: "Invalid email or password.",
	KindEmailUnconfirmed:   "Please confirm your email address before signing in.",
	KindRateLimited:        "Too many sign-in attempts. Please wait and try again.",
	KindNotAuthorized:      "You are not authorized to access the admin area.",
	KindAccountLocked:      LockedMessage(15 * time.Minute),
	KindPinIncorrect:       PinIncorrectMessage(5),
	KindPinSetupFailed:     "The PIN could not be set up. Please try again.",
	KindValidationMismatch: "The PIN must be exactly 6 digits and both entries must match.",
	KindTokenInvalid:       "This invitation link is not valid.",
	KindTokenExpired:       "This invitation has expired. Ask an administrator for a new one.",
	KindTokenAlreadyUsed:   "This invitation has already been used.",
	KindAuditWriteFailed:   "Sign-in could not be completed. Please try again.",
	KindNetworkError:       "A network error occurred. Please try again.",
	KindUnknown:            "An unexpected error occurred. Please try again.",
}

// Message returns the user-facing text for a kind.
func Message(kind Kind) string {
	if msg, ok := messages[kind]; ok {
		return msg
	}
	return messages[KindUnknown]
}

// LockedMessage states how long a locked account stays locked.
func LockedMessage(window time.Duration) string {
	return fmt.Sprintf("This account is locked. Please retry in %s.", humanDuration(window))
}

// PinIncorrectMessage warns about the attempts policy.
func PinIncorrectMessage(maxAttempts int) string {
	return fmt.Sprintf("Incorrect PIN. The account locks after %d failed attempts.", maxAttempts)
}

// RetryMessage tells a throttled caller when to come back. A non-positive
// wait falls back to the generic text.
func RetryMessage(wait time.Duration) string {
	if wait <= 0 {
		return messages[KindRateLimited]
	}
	return fmt.Sprintf("Too many sign-in attempts. Please retry in %s.", humanDuration(wait))
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int((d+time.Minute-1)/time.Minute), "minute")
	default:
		return plural(int((d+time.Second-1)/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Error is a classified failure. Err keeps the raw cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same Kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	ErrInvalidCredentials = New(KindInvalidCredentials, "")
	ErrEmailUnconfirmed   = New(KindEmailUnconfirmed, "")
	ErrRateLimited        = New(KindRateLimited, "")
	ErrNotAuthorized      = New(KindNotAuthorized, "")
	ErrAccountLocked      = New(KindAccountLocked, "")
	ErrPinIncorrect       = New(KindPinIncorrect, "")
	ErrPinSetupFailed     = New(KindPinSetupFailed, "")
	ErrValidationMismatch = New(KindValidationMismatch, "")
	ErrTokenInvalid       = New(KindTokenInvalid, "")
	ErrTokenExpired       = New(KindTokenExpired, "")
	ErrTokenAlreadyUsed   = New(KindTokenAlreadyUsed, "")
	ErrAuditWriteFailed   = New(KindAuditWriteFailed, "")
	ErrNetworkError       = New(KindNetworkError, "")
	ErrUnknown            = New(KindUnknown, "")
)

// KindOf extracts the classification, treating unclassified errors as Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps a kind onto a response status for the handler layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidCredentials, KindPinIncorrect:
		return http.StatusUnauthorized
	case KindEmailUnconfirmed, KindNotAuthorized:
		return http.StatusForbidden
	case KindAccountLocked:
		return http.StatusLocked
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidationMismatch, KindPinSetupFailed:
		return http.StatusBadRequest
	case KindTokenInvalid:
		return http.StatusNotFound
	case KindTokenExpired:
		return http.StatusGone
	case KindTokenAlreadyUsed:
		return http.StatusConflict
	case KindNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
