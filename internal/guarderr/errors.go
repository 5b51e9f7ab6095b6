// Package guarderr defines the error kinds surfaced by the protection pipeline.
package guarderr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for fail-mode and status mapping.
type Kind string

const (
	KindPolicyRejected    Kind = "policy_rejected"
	KindCheckTimeout      Kind = "check_timeout"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindConfigInvalid     Kind = "config_invalid"
	KindAdminUnauthorized Kind = "admin_unauthorized"
	KindAdminConflict     Kind = "admin_conflict"
	KindInvalidEvent      Kind = "invalid_event"
	KindInvalidRequest    Kind = "invalid_request"
)

// Sentinels for errors.Is comparisons.
var (
	ErrPolicyRejected    = &Error{Kind: KindPolicyRejected}
	ErrCheckTimeout      = &Error{Kind: KindCheckTimeout}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	ErrConfigInvalid     = &Error{Kind: KindConfigInvalid}
	ErrAdminUnauthorized = &Error{Kind: KindAdminUnauthorized}
	ErrAdminConflict     = &Error{Kind: KindAdminConflict}
	ErrInvalidEvent      = &Error{Kind: KindInvalidEvent}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
)

// Error carries a kind, the failing operation and a reason code.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New builds an error of the given kind.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Newf builds an error with a formatted reason.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if err is not a guard error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason code of err, falling back to its kind.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		return string(e.Kind)
	}
	return "internal"
}
