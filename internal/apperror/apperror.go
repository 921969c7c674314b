// Package apperror defines the closed set of error kinds the service reports
// and how each maps onto an HTTP status.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindOfferInvalid
	KindSignatureVerificationFailed
	KindTransition
	KindGatewayUnavailable
	KindGatewayTimeout
	KindUnauthorized
	KindForbidden
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:                    "INTERNAL",
	KindValidation:                  "VALIDATION_ERROR",
	KindNotFound:                    "NOT_FOUND",
	KindOfferInvalid:                "OFFER_INVALID",
	KindSignatureVerificationFailed: "SIGNATURE_VERIFICATION_FAILED",
	KindTransition:                  "INVALID_TRANSITION",
	KindGatewayUnavailable:          "GATEWAY_UNAVAILABLE",
	KindGatewayTimeout:              "GATEWAY_TIMEOUT",
	KindUnauthorized:                "UNAUTHORIZED",
	KindForbidden:                   "FORBIDDEN",
	KindConflict:                    "CONFLICT",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// HTTPStatus is the response code a handler writes for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindOfferInvalid, KindSignatureVerificationFailed, KindTransition:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGatewayUnavailable:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind, a message safe to show to clients and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperror.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrOfferInvalid       = &Error{Kind: KindOfferInvalid}
	ErrSignature          = &Error{Kind: KindSignatureVerificationFailed}
	ErrTransition         = &Error{Kind: KindTransition}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayTimeout     = &Error{Kind: KindGatewayTimeout}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrConflict           = &Error{Kind: KindConflict}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func OfferInvalid(format string, args ...any) *Error {
	return New(KindOfferInvalid, format, args...)
}

func Transition(format string, args ...any) *Error {
	return New(KindTransition, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// PublicMessage returns what a client may see for err.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
