// ABOUTME: Normalized error contract shared by the relay, backend and token exchange
// ABOUTME: Each Error carries a Kind for logs and a single message/detail pair for callers

package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for logging and status mapping.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindAuthExchange     Kind = "auth_exchange"
	KindUpstreamProtocol Kind = "upstream_protocol"
	KindUpstreamBusiness Kind = "upstream_business"
	KindNetwork          Kind = "network"
	KindPersistence      Kind = "persistence"
	KindConflict         Kind = "conflict"
	KindInvalidRequest   Kind = "invalid_request"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Error is the normalized failure. Message is user-facing; Detail is the
// upstream or diagnostic explanation and may be empty.
type Error struct {
	Kind    Kind
	Status  int // upstream status when known, otherwise 0
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindNetwork}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Detail == ""
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail returns e with Detail set.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithStatus returns e with the upstream Status set.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// Unauthenticated is returned for a missing or malformed caller credential.
func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, message)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the first *Error in err's chain. Errors outside the taxonomy are
// wrapped as KindInternal with a generic message.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "internal error")
}

// HTTPStatus is the status the gateway answers with for this kind.
// Business errors pass through on 200 so the caller reads the error field.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamBusiness:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
