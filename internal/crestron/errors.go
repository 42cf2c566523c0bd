package crestron

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a client failure so callers can tell retryable
// conditions from ones that need user action.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth means the auth token or session key was rejected.
	KindAuth
	// KindConnection covers socket, DNS and reset failures.
	KindConnection
	// KindTimeout means the request exceeded its deadline.
	KindTimeout
	// KindProtocol covers unexpected statuses and response bodies.
	KindProtocol
	// KindNotFound means the shade is unknown to the hub or the local cache.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinel errors. Every *Error matches the sentinel of its Kind via errors.Is.
var (
	ErrAuth          = errors.New("crestron: authentication failed")
	ErrConnection    = errors.New("crestron: connection failed")
	ErrTimeout       = errors.New("crestron: request timed out")
	ErrProtocol      = errors.New("crestron: unexpected response")
	ErrShadeNotFound = errors.New("crestron: shade not found")

	ErrEmptyHost  = errors.New("crestron: host cannot be empty")
	ErrEmptyToken = errors.New("crestron: auth token cannot be empty")
)

// Error is the error type returned by Client operations.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("crestron: %s %s error", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrShadeNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// KindOf returns the Kind of err, or KindUnknown when err is not a client error.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindUnknown
}

// IsAuth returns true if err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound returns true if err reports an unknown shade.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsTransient returns true for connection and timeout failures,
// the only kinds that are retried.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindConnection || k == KindTimeout
}

// transportError classifies an error returned by http.Client.Do.
func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}
