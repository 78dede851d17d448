package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and HTTP mapping.
type Kind int

const (
	// KindValidation marks malformed input: bad chunk index, wrong chunk
	// size, incomplete assembly.
	KindValidation Kind = iota
	// KindNotFound marks references to unknown or already-removed entities.
	KindNotFound
	// KindConflict marks quota-exceeded and similar resource contention.
	KindConflict
	// KindTransient marks a processing failure that will be retried.
	KindTransient
	// KindFatal marks a processing failure with no retries remaining.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. It wraps an optional cause so callers can use
// errors.Is/errors.As through it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a handler failure that still has retries left.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// Fatal wraps a handler failure that has exhausted its retries.
func Fatal(msg string, err error) *Error {
	return &Error{Kind: KindFatal, Msg: msg, Err: err}
}

// KindOf returns the classification of err, or KindFatal for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsValidation(err error) bool { return isKind(err, KindValidation) }
func IsNotFound(err error) bool   { return isKind(err, KindNotFound) }
func IsConflict(err error) bool   { return isKind(err, KindConflict) }
func IsTransient(err error) bool  { return isKind(err, KindTransient) }
func IsFatal(err error) bool      { return isKind(err, KindFatal) }
