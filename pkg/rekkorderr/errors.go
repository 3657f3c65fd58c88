// Package rekkorderr defines the error kinds surfaced by the repository core,
// as specified in §7: NotFound, AccessDenied, Corruption, Truncation,
// Transient, LocalIO and CacheInconsistent.
package rekkorderr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on policy
// (retry, abort, warn) without string-matching messages.
type Kind string

const (
	NotFound          Kind = "not_found"
	AccessDenied      Kind = "access_denied"
	Corruption        Kind = "corruption"
	Truncation        Kind = "truncation"
	Transient         Kind = "transient"
	LocalIO           Kind = "local_io"
	CacheInconsistent Kind = "cache_inconsistent"
)

// Error makes a bare Kind usable as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is the typed error returned by repository operations.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "store.Read", "envelope.Open"
	Key     string // the object key or path involved, if any
	Cause   error
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Key, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, rekkorderr.NotFound) style checks by treating a
// bare Kind value as a sentinel.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, op, key string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Key:     key,
		Cause:   cause,
		Message: fmt.Sprintf(format, args...),
	}
}

func NotFoundf(op, key string, format string, args ...any) *Error {
	return New(NotFound, op, key, nil, format, args...)
}

func AccessDeniedf(op, key string, cause error, format string, args ...any) *Error {
	return New(AccessDenied, op, key, cause, format, args...)
}

func Corruptionf(op, key string, cause error, format string, args ...any) *Error {
	return New(Corruption, op, key, cause, format, args...)
}

func Truncationf(op, key string, format string, args ...any) *Error {
	return New(Truncation, op, key, nil, format, args...)
}

func Transientf(op, key string, cause error, format string, args ...any) *Error {
	return New(Transient, op, key, cause, format, args...)
}

func LocalIOf(op, key string, cause error, format string, args ...any) *Error {
	return New(LocalIO, op, key, cause, format, args...)
}

func CacheInconsistentf(op, key string, format string, args ...any) *Error {
	return New(CacheInconsistent, op, key, nil, format, args...)
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. The zero Kind is returned otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether the backend should retry the operation that
// produced err. Only Transient errors are retryable; everything else is
// either permanent (AccessDenied, Corruption, Truncation) or a local
// condition the caller must resolve (LocalIO, CacheInconsistent, NotFound).
func IsRetryable(err error) bool {
	return Is(err, Transient)
}
