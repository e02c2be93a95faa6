// Package kberr defines the error taxonomy shared across the pipeline.
// Errors carry a Kind that callers branch on instead of matching strings;
// only Internal errors bubble untyped causes.
package kberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindInvalidArgument marks client-supplied values that violate a declared
	// constraint. Never retried.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound marks missing records, including cross-workspace reads
	// where disclosing existence would leak.
	KindNotFound Kind = "not_found"
	// KindForbidden marks authorization failures inside a workspace.
	KindForbidden Kind = "forbidden"
	// KindConflictState marks operations whose precondition failed
	// (double finalize, concurrent modification).
	KindConflictState Kind = "conflict_state"
	// KindTransient marks dependency failures expected to recover.
	// Retried with backoff.
	KindTransient Kind = "transient"
	// KindResourceExhausted marks quota violations. Surfaced, not retried.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindDataError marks fetchable but uninterpretable input. Fails one
	// document or chunk; the run continues.
	KindDataError Kind = "data_error"
	// KindProfileMismatch marks vectors whose dimension or provider disagrees
	// with the KB's embedding profile. Fatal for the run.
	KindProfileMismatch Kind = "profile_mismatch"
	// KindExpired marks access to a draft past its expiry.
	KindExpired Kind = "expired"
	// KindInternal is the unclassified fallback.
	KindInternal Kind = "internal"
)

// Error is the concrete taxonomy error.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same kind so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Detail: cause.Error(), cause: cause}
}

// WithDetail returns a copy with a detail string attached.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// InvalidArgument is shorthand for a validation failure.
func InvalidArgument(format string, args ...any) *Error {
	return Newf(KindInvalidArgument, format, args...)
}

// NotFound is shorthand for a missing record.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// KindOf extracts the kind of an error; untyped errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether the orchestrator should retry the operation.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsNotFound reports whether the error is a missing record.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalidArgument reports whether the error is a validation failure.
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }

// IsConflict reports whether the error is a precondition failure.
func IsConflict(err error) bool { return KindOf(err) == KindConflictState }

// IsProfileMismatch reports whether the error is fatal for a run.
func IsProfileMismatch(err error) bool { return KindOf(err) == KindProfileMismatch }

// HTTPStatus maps an error kind to the status the API surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound, KindExpired:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflictState:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindDataError:
		return http.StatusUnprocessableEntity
	case KindProfileMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
