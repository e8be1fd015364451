package yggdrasil

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error taxonomy shared across every core component.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// NotFound indicates a system, snapshot, or branch was not present.
	NotFound
	// FiberCondition indicates a pullback's sub-systems disagree on current branch.
	FiberCondition
	// IntegrityError indicates registry index disagreement, a bad header checksum
	// with no valid alternate, or an impossible HLC ordering.
	IntegrityError
	// IOError indicates a page store read/write/fsync failure.
	IOError
	// AdapterError wraps any error raised by a managed system. UserData is always
	// the offending SystemID.
	AdapterError
	// CapabilityError indicates an operation was requested against a system whose
	// capability flag for that operation is false.
	CapabilityError
)

func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case FiberCondition:
		return "fiber_condition"
	case IntegrityError:
		return "integrity_error"
	case IOError:
		return "io_error"
	case AdapterError:
		return "adapter_error"
	case CapabilityError:
		return "capability_error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every core component. It carries a
// classification code, the wrapped underlying error, and optional caller data
// (e.g. the SystemID for AdapterError).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UserData != nil {
		return fmt.Errorf("%s: %w (data: %v)", e.Code, e.Err, e.UserData).Error()
	}
	return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
}

// Unwrap exposes the wrapped error for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap constructs an *Error of the given code wrapping err, optionally attaching
// userData (e.g. a SystemID for AdapterError).
func Wrap(code ErrorCode, err error, userData any) *Error {
	return &Error{Code: code, Err: err, UserData: userData}
}

// CodeOf returns the ErrorCode of err if it is (or wraps) an *Error, else Unknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
