// Package apperr defines the error taxonomy shared by every Overwatch component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindAlreadyBound        Kind = "already_bound"
	KindNotBound            Kind = "not_bound"
	KindVerificationFailed  Kind = "verification_failed"
	KindScanInProgress      Kind = "scan_in_progress"
	KindPartialScan         Kind = "partial_scan"
	KindNotFound            Kind = "not_found"
	KindInvalidRange        Kind = "invalid_range"
	KindExternalUnavailable Kind = "external_unavailable"
	KindExternalRejected    Kind = "external_rejected"
	KindInvalid             Kind = "invalid"
	KindConflict            Kind = "conflict"
	KindUnauthenticated     Kind = "unauthenticated"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrAlreadyBound        = &Error{Kind: KindAlreadyBound}
	ErrNotBound            = &Error{Kind: KindNotBound}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrScanInProgress      = &Error{Kind: KindScanInProgress}
	ErrPartialScan         = &Error{Kind: KindPartialScan}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidRange        = &Error{Kind: KindInvalidRange}
	ErrExternalUnavailable = &Error{Kind: KindExternalUnavailable}
	ErrExternalRejected    = &Error{Kind: KindExternalRejected}
	ErrInvalid             = &Error{Kind: KindInvalid}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is a classified error carrying the failing operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindExternalUnavailable, KindScanInProgress, KindPartialScan:
		return true
	default:
		return false
	}
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal if it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// OpOf returns the operation recorded on err, if any.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// IsRetryable reports whether err is a retryable classified error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// External classifies an error returned by an external system.
// Already-classified errors pass through; anything else is treated as unavailable.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" && error(e) == err {
			c := *e
			c.Op = op
			return &c
		}
		return err
	}
	return &Error{Kind: KindExternalUnavailable, Op: op, Cause: err}
}
