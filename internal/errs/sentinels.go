// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflict indicates a valid request against an incompatible lifecycle state.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument indicates malformed or missing parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized indicates a missing or unparseable credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller that is not allowed.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the caller exceeded a rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)

// ReasonError attaches a machine-readable reason and optional details to a sentinel.
type ReasonError struct {
	Err     error
	Reason  string
	Message string
	Details map[string]any
}

func (e *ReasonError) Error() string {
	if e.Message != "" {
		return e.Err.Error() + ": " + e.Message
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *ReasonError) Unwrap() error { return e.Err }

// WithReason wraps sentinel with a reason code, human message and details.
func WithReason(sentinel error, reason, message string, details map[string]any) error {
	return &ReasonError{Err: sentinel, Reason: reason, Message: message, Details: details}
}

// Invalid is shorthand for an ErrInvalidArgument with a message.
func Invalid(message string) error {
	return &ReasonError{Err: ErrInvalidArgument, Reason: "INVALID_ARGUMENT", Message: message}
}

// Conflict is shorthand for an ErrConflict with a reason and message.
func Conflict(reason, message string) error {
	return &ReasonError{Err: ErrConflict, Reason: reason, Message: message}
}

// Reason extracts the reason and details carried by err, if any.
func Reason(err error) (string, map[string]any, bool) {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason, re.Details, true
	}
	return "", nil, false
}
