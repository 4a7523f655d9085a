package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification of a smartquery failure.
// Every error surfaced to a caller carries one of these kinds so the caller
// can render it without re-deriving the cause.
type ErrorKind string

const (
	// KindSchemaUnavailable: schema cache fetch failed past the staleness ceiling.
	KindSchemaUnavailable ErrorKind = "SCHEMA_UNAVAILABLE"
	// KindInterpretationInvalid: model output failed validation and repair.
	KindInterpretationInvalid ErrorKind = "INTERPRETATION_INVALID"
	// KindUnknownOperation: model named an operation absent from the registry.
	KindUnknownOperation ErrorKind = "UNKNOWN_OPERATION"
	// KindUnknownRelation: query referenced a relation type absent from the schema.
	KindUnknownRelation ErrorKind = "UNKNOWN_RELATION"
	// KindValidationFailed: operation parameters failed their declared schema.
	KindValidationFailed ErrorKind = "VALIDATION_FAILED"
	// KindAlreadyExists: uniqueness conflict on creation. Recovered locally via
	// lookup-and-reuse; only surfaced when recovery itself fails.
	KindAlreadyExists ErrorKind = "ALREADY_EXISTS"
	// KindTimeout: the model backend exceeded its per-call deadline.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindUnavailable: the model backend is unreachable or returned 5xx.
	KindUnavailable ErrorKind = "UNAVAILABLE"
	// KindRateLimited: the model backend rejected the call with a rate limit.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindCancelled: user- or system-initiated cancellation. Terminal, not an error.
	KindCancelled ErrorKind = "CANCELLED"
	// KindNotFound: a session or record addressed by ID does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindInternal: everything that has no better classification.
	KindInternal ErrorKind = "INTERNAL"
)

// Error is the structured error type crossing package boundaries. It pairs a
// Kind with a human-readable message and an optional wrapped cause.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a structured error.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a structured error around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Returns KindInternal for nil-kind or non-structured errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
