// Package quarryerr defines the error kinds shared across the service.
// Kinds classify failures for callers; the wrapped cause is preserved for
// logging and errors.Is/As checks.
package quarryerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	// KindUnauthenticated indicates an operation that requires a user
	// identity was invoked without one.
	KindUnauthenticated Kind = "UNAUTHENTICATED"

	// KindNotFound indicates a connection, job, task, or document id is
	// unknown.
	KindNotFound Kind = "NOT_FOUND"

	// KindAccessDenied indicates the authenticated user does not own the
	// resource.
	KindAccessDenied Kind = "ACCESS_DENIED"

	// KindInvalidInput indicates missing or malformed request fields.
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindFileTooLarge indicates a connector size limit was exceeded.
	KindFileTooLarge Kind = "FILE_TOO_LARGE"

	// KindTimeout indicates a store or connector call exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"

	// KindEmbeddingUnavailable indicates every model embedding call failed
	// during search.
	KindEmbeddingUnavailable Kind = "EMBEDDING_UNAVAILABLE"

	// KindWorkerCrashed indicates a parser worker terminated unexpectedly.
	KindWorkerCrashed Kind = "WORKER_CRASHED"

	// KindStoreError indicates the search engine rejected a read or write
	// after retries.
	KindStoreError Kind = "STORE_ERROR"

	// KindUpstreamError indicates a connector provider returned a
	// non-retryable error.
	KindUpstreamError Kind = "UPSTREAM_ERROR"
)

// Error is a kinded error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates a kinded error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a kinded error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a quarryerr.Error of the same kind.
// This makes errors.Is(err, &Error{Kind: KindNotFound}) work without
// comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
