// Package apperr is the closed error taxonomy shared by the order and
// inventory services. Transport layers map Kind to a status code exactly once.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindForbidden
	KindBusinessRule
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindBusinessRule:
		return "business_rule"
	case KindValidation:
		return "validation"
	default:
		return "unexpected"
	}
}

// Error carries the kind, a stable code for cross-service matching and the
// message that is safe to show a client.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code, so a sentinel matches any error built from it,
// including one decoded from another service's response.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrInvalidTransition = &Error{Kind: KindBusinessRule, Code: "invalid_transition", Message: "invalid status transition"}
	ErrInsufficientStock = &Error{Kind: KindBusinessRule, Code: "insufficient_stock", Message: "insufficient stock"}
	ErrNoReservation     = &Error{Kind: KindBusinessRule, Code: "no_reservation", Message: "no reservation found"}
	ErrCancelNotAllowed  = &Error{Kind: KindBusinessRule, Code: "cancel_not_allowed", Message: "order cannot be cancelled in its current status"}
)

// codes lets a client rebuild a sentinel-backed error from a wire code.
var codes = map[string]*Error{
	ErrInvalidTransition.Code: ErrInvalidTransition,
	ErrInsufficientStock.Code: ErrInsufficientStock,
	ErrNoReservation.Code:     ErrNoReservation,
	ErrCancelNotAllowed.Code:  ErrCancelNotAllowed,
}

// With returns a copy of a sentinel carrying a specific message.
func With(sentinel *Error, format string, args ...any) *Error {
	cp := *sentinel
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: "forbidden", Message: fmt.Sprintf(format, args...)}
}

func BusinessRule(format string, args ...any) *Error {
	return &Error{Kind: KindBusinessRule, Code: "business_rule", Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "validation", Message: fmt.Sprintf(format, args...)}
}

// Unexpected wraps an uncategorized failure. The cause is kept for logs only.
func Unexpected(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUnexpected, Code: "unexpected", Message: fmt.Sprintf(format, args...), Err: err}
}

// Retryable marks an Unexpected failure the caller may safely repeat.
func Retryable(err error, format string, args ...any) *Error {
	e := Unexpected(err, format, args...)
	e.Retryable = true
	return e
}

// FromCode rebuilds an error received over the wire.
func FromCode(kind Kind, code, message string) *Error {
	if s, ok := codes[code]; ok {
		return With(s, "%s", message)
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf reports the kind of err; anything outside the taxonomy is Unexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// As returns the taxonomy error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
