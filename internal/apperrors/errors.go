// Package apperrors defines the error taxonomy shared by the payment engine.
// Every failure a caller can act on is an *Error carrying a Kind; lower-level
// causes stay reachable through errors.Unwrap.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInvalidAmount       Kind = "invalid_amount"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindGateway             Kind = "gateway"
	KindGatewayUnavailable  Kind = "gateway_unavailable"
	KindAuthorization       Kind = "authorization"
	KindUnmatchedSettlement Kind = "unmatched_settlement"
	KindConflict            Kind = "conflict"
)

// Error is the concrete error type returned by the engine
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, apperrors.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == KindValidation && e.Kind == KindInvalidAmount {
		return true
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks. They carry no message so they match any
// error of the same kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrGateway             = &Error{Kind: KindGateway}
	ErrGatewayUnavailable  = &Error{Kind: KindGatewayUnavailable}
	ErrAuthorization       = &Error{Kind: KindAuthorization}
	ErrUnmatchedSettlement = &Error{Kind: KindUnmatchedSettlement}
	ErrConflict            = &Error{Kind: KindConflict}
)

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// InvalidAmount is a validation error specific to monetary amounts.
func InvalidAmount(format string, args ...interface{}) *Error {
	return newf(KindInvalidAmount, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return newf(KindInvalidState, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return newf(KindAuthorization, format, args...)
}

func UnmatchedSettlement(format string, args ...interface{}) *Error {
	return newf(KindUnmatchedSettlement, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

func GatewayUnavailable(format string, args ...interface{}) *Error {
	return newf(KindGatewayUnavailable, format, args...)
}

// Gateway wraps a failure reported by (or while reaching) an external processor.
func Gateway(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindGateway, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind. Checking for
// KindValidation also matches KindInvalidAmount.
func IsKind(err error, kind Kind) bool {
	k := KindOf(err)
	if k == kind {
		return true
	}
	return kind == KindValidation && k == KindInvalidAmount
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidAmount:
		return http.StatusBadRequest
	case KindNotFound, KindUnmatchedSettlement:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindGateway:
		return http.StatusBadGateway
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
