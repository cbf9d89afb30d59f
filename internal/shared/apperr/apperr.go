// Package apperr defines the error taxonomy shared across the proxy core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind int

const (
	// KindClient covers bad or missing tokens, banned paths, malformed bodies.
	KindClient Kind = iota
	// KindNoCapacity means no worker was available or retries were exhausted.
	KindNoCapacity
	// KindWorkerFault means a worker timed out or disconnected mid-task.
	KindWorkerFault
	// KindUpstream means the egress proxy or upstream host is unreachable.
	KindUpstream
	// KindAccessConflict means a grant attempt on a resource owned by another token.
	KindAccessConflict
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindNoCapacity:
		return "no_capacity"
	case KindWorkerFault:
		return "worker_fault"
	case KindUpstream:
		return "upstream"
	case KindAccessConflict:
		return "access_conflict"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the underlying cause.
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

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap wraps an underlying error with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindUpstream.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// HTTPStatus maps an error to the status code surfaced to the caller.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindClient:
		return http.StatusUnauthorized
	case KindNoCapacity:
		return http.StatusServiceUnavailable
	case KindWorkerFault:
		return http.StatusInternalServerError
	case KindAccessConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
