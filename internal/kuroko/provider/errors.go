package provider

import (
	"errors"
	"fmt"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

// ErrorKind separates errors worth retrying from those that are not.
type ErrorKind int

const (
	Permanent ErrorKind = iota
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Code classifies provider failures.
type Code string

const (
	CodeUnavailable   Code = "unavailable"
	CodeQuotaExceeded Code = "quota_exceeded"
	CodeInvalidSpec   Code = "invalid_spec"
	CodeNotFound      Code = "not_found"
	CodeAuth          Code = "auth"
	CodeConflict      Code = "conflict"
	CodeInternal      Code = "internal"
)

// Error is returned by every provider operation that fails.
type Error struct {
	Kind   ErrorKind
	Code   Code
	Op     string
	HostID string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s", e.Op)
	if e.HostID != "" {
		msg += " " + e.HostID
	}
	msg += fmt.Sprintf(": %s (%s)", e.Code, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrIdentityMutation is returned when a write would change immutable
	// identity metadata.
	ErrIdentityMutation = host.ErrIdentityMutation
)

// NewError builds an *Error.
func NewError(kind ErrorKind, code Code, op, hostID string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, HostID: hostID, Err: err}
}

// NotFound is shorthand for a permanent not-found error.
func NotFound(op, hostID string) *Error {
	return NewError(Permanent, CodeNotFound, op, hostID, nil)
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Transient
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsNotFound reports whether err means the host or snapshot does not exist.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
