// Package apperrors defines the failure taxonomy shared by the capture,
// staging, inference and job layers.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure. Its string value is what callers see in the
// "error" field of a failed job.
type Kind string

const (
	// KindCaptureUnavailable indicates no display could be enumerated or grabbed.
	KindCaptureUnavailable Kind = "CaptureUnavailable"
	// KindDependencyMissing indicates a model, projector or schema file is absent.
	KindDependencyMissing Kind = "DependencyMissing"
	// KindStagingFailed indicates the uploaded image could not be written to a temp file.
	KindStagingFailed Kind = "StagingFailed"
	// KindLaunchFailed indicates the inference process could not be started.
	KindLaunchFailed Kind = "LaunchFailed"
	// KindInferenceFailed indicates the inference process exited non-zero.
	KindInferenceFailed Kind = "InferenceFailed"
	// KindNoParsableOutput indicates the extractor found no usable payload.
	KindNoParsableOutput Kind = "NoParsableOutput"
	// KindUnexpectedFault is the catch-all for the background path.
	KindUnexpectedFault Kind = "UnexpectedFault"
)

// Error is a categorized failure with an optional long diagnostic.
type Error struct {
	Kind    Kind
	Message string
	// Details carries the full diagnostic: command line, captured streams, parse context.
	Details string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind so errors.Is(err, apperrors.New(KindX, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails returns a copy of e carrying the given diagnostic.
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnexpectedFault when err is not categorized.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpectedFault
}

// DetailsOf returns the diagnostic carried by err, falling back to err.Error().
func DetailsOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Details != "" {
		return e.Details
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
