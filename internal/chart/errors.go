// SPDX-License-Identifier: MIT

package chart

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNoSession         Kind = "no_session"
	KindAuth              Kind = "auth"
	KindTransport         Kind = "transport"
	KindProtocol          Kind = "protocol"
	KindTimeout           Kind = "timeout"
	KindNoBars            Kind = "no_bars"
	KindInvalidBarData    Kind = "invalid_bar_data"
	KindStudyNotReturned  Kind = "study_not_returned"
	KindSymbolNotResolved Kind = "symbol_not_resolved"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindStudyUnavailable  Kind = "study_config_unavailable"
	KindInternal          Kind = "internal"
)

// Error is the structured error the core returns to callers.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chart: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("chart: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// retriable kinds: the caller may retry without changing the request.
func retriable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindTransport, KindPoolExhausted:
		return true
	}
	return false
}

// NewError builds an Error with the retriable flag derived from kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retriable: retriable(kind),
	}
}

// WrapError builds an Error wrapping a lower-level cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.Err = err
	return e
}

// AsError extracts a *Error from err, or wraps err as an internal error.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return WrapError(KindInternal, err, "unexpected error")
}

// HTTPStatus maps an error kind onto the status code the HTTP layer returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNoSession, KindAuth:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport, KindProtocol, KindNoBars, KindInvalidBarData,
		KindStudyNotReturned, KindSymbolNotResolved, KindStudyUnavailable:
		return http.StatusBadGateway
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
