// Package syncerr holds the error taxonomy shared by the client save pipeline
// and the server endpoints.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted marks a call superseded by a newer call for the same key.
	// It is an expected outcome, not a failure.
	ErrAborted   = errors.New("superseded by a newer save")
	ErrForbidden = errors.New("forbidden for this role")
	ErrNotFound  = errors.New("not found")
	ErrExists    = errors.New("already exists")
)

// ValidationError is a malformed or oversized payload. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Holder identifies the session currently holding a lease.
type Holder struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ConflictError is a version mismatch or a lease held elsewhere. Current is
// the authoritative value the caller should re-present; Holder is set for
// lease conflicts.
type ConflictError struct {
	Reason         string
	CurrentVersion int64
	Current        any
	Holder         *Holder
}

func (e *ConflictError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("conflict: %s (held by %s)", e.Reason, e.Holder.UserID)
	}
	return fmt.Sprintf("conflict: %s (current version %d)", e.Reason, e.CurrentVersion)
}

// TransientError wraps network failures and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Permanent reports whether retrying err can never help.
func Permanent(err error) bool {
	return IsValidation(err) || IsConflict(err) ||
		errors.Is(err, ErrAborted) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}
