// Package errs provides the unified error type used across all of pgbridge.
//
// Every subsystem (database, migrate, syncjob, artifact, …) wraps its native
// errors into *errs.Error before returning them to callers. Callers use the
// Is* predicates to handle errors without importing driver-specific packages.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindConnection, "source unreachable", pgErr)
//
//	// In a handler, check error kind:
//	if errs.IsNotFound(err) {
//	    http.Error(w, "not found", http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
// All backends (Postgres, MinIO, …) and the sync pipeline map their native
// failures to one of these kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown            ErrKind = iota
	ErrKindNotFound                   // no rows, no job, no object
	ErrKindConnection                 // cannot reach source or target
	ErrKindTimeout                    // context deadline / cancellation
	ErrKindInvalidInput               // bad arguments from the caller
	ErrKindSchemaIncompatible         // critical schema diff blocks the sync
	ErrKindBatchWrite                 // one batch's transaction failed
	ErrKindStatement                  // one migration statement failed
	ErrKindConflict                   // job state transition not allowed
	ErrKindLimitExceeded              // concurrency cap or quota hit
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnection:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindSchemaIncompatible:
		return "schema_incompatible"
	case ErrKindBatchWrite:
		return "batch_write_failed"
	case ErrKindStatement:
		return "statement_failed"
	case ErrKindConflict:
		return "conflict"
	case ErrKindLimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all pgbridge subsystems.
// Drivers produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Sanitized returns a message safe to surface to API clients: the kind and
// message only, never the underlying cause (which may contain DSNs or
// credentials and is logged instead).
func (e *Error) Sanitized() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message and no cause.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result
// (no rows, unknown job, missing object, …).
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnection reports whether err is a connectivity or auth failure.
func IsConnection(err error) bool {
	return KindOf(err) == ErrKindConnection
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsSchemaIncompatible reports whether err is a critical schema difference
// that blocks a sync until remediated.
func IsSchemaIncompatible(err error) bool {
	return KindOf(err) == ErrKindSchemaIncompatible
}

// IsBatchWrite reports whether err is a failed batch transaction.
func IsBatchWrite(err error) bool {
	return KindOf(err) == ErrKindBatchWrite
}

// IsConflict reports whether err is an illegal job state transition.
func IsConflict(err error) bool {
	return KindOf(err) == ErrKindConflict
}

// IsLimitExceeded reports whether err is a concurrency cap rejection.
func IsLimitExceeded(err error) bool {
	return KindOf(err) == ErrKindLimitExceeded
}

// Sanitize renders any error without its cause chain: *Error values use
// their Sanitized form, everything else falls back to Error().
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Sanitized()
	}
	return err.Error()
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
