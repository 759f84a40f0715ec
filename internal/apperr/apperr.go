// Package apperr classifies pipeline errors into the taxonomy §7 of the
// design defines, so stages decide retry/breaker/escalation behavior by
// type switch instead of string matching on error messages.
package apperr

import "fmt"

// Class is one of the five error categories pipeline workers must sort
// every failure into before converting it to a row status transition.
type Class string

const (
	ClassTransient     Class = "transient"      // timeout, 5xx, network, throttled — retry, breaker on repeat
	ClassValidation    Class = "validation"      // schema parse failure, bad region, missing file — no breaker, retry to cap
	ClassUnauthorized  Class = "unauthorized"    // bad/missing credentials — surface immediately, pause capture, no retry
	ClassBreakerOpen   Class = "breaker_open"    // capability breaker tripped — capture paused, AI stages drained
	ClassResource      Class = "resource"        // disk full, DB busy — backoff with jitter, health alert, never drop data
)

// Error wraps an underlying cause with its taxonomy class and a stable
// code for the UI-facing Result[T] envelope.
type Error struct {
	Class Class
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient wraps a timeout/network/throttle failure.
func Transient(code, msg string, cause error) *Error {
	return &Error{Class: ClassTransient, Code: code, Msg: msg, Cause: cause}
}

// Validation wraps a schema/input failure that should never trip a breaker.
func Validation(code, msg string, cause error) *Error {
	return &Error{Class: ClassValidation, Code: code, Msg: msg, Cause: cause}
}

// Unauthorized wraps a credential/config failure that must surface to the
// UI immediately and pause capture until configuration changes.
func Unauthorized(code, msg string, cause error) *Error {
	return &Error{Class: ClassUnauthorized, Code: code, Msg: msg, Cause: cause}
}

// Resource wraps a disk/DB-contention failure: backoff with jitter, raise
// a health alert, but the pending row remains the source of truth.
func Resource(code, msg string, cause error) *Error {
	return &Error{Class: ClassResource, Code: code, Msg: msg, Cause: cause}
}

// TripsBreaker reports whether this error's class should count toward a
// capability's circuit-breaker failure window.
func TripsBreaker(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return true // unclassified errors are treated conservatively as breaker-eligible
	}
	switch e.Class {
	case ClassValidation, ClassUnauthorized:
		return false
	default:
		return true
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
