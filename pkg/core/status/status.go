// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the error kinds returned by the execution pipeline.
//
// Every error created here carries a Code and a stack trace (see github.com/pkg/errors).
// The Code survives wrapping, so callers can always recover it with CodeOf:
//
//	if status.CodeOf(err) == status.BackendError {
//	   // Recreate the engine and try again.
//	}
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code enumerates the kinds of failures.
type Code int

const (
	// OK is returned by CodeOf(nil).
	OK Code = iota

	// InvalidArgument covers shape mismatches, missing input names, bad attributes, non-divisible block sizes.
	InvalidArgument

	// Unsupported means there is no kernel for (op-type, device, dtype), or a feature is not available on a device.
	Unsupported

	// OutOfMemory means an allocator refused a request.
	OutOfMemory

	// BackendError means the driver or device returned a failure. It is the only retryable kind.
	BackendError

	// CacheMiss is a warning-level condition: a persisted cache had no usable entry.
	CacheMiss

	// CacheCorrupt is a warning-level condition: a persisted cache could not be parsed or had the wrong version.
	CacheCorrupt

	// ConcurrentUse means a re-entrant call on the same Engine.
	ConcurrentUse

	// IoError means mapping or reading a file failed.
	IoError

	// Unknown is the code of errors not created by this package.
	Unknown
)

var codeNames = [...]string{
	OK:              "OK",
	InvalidArgument: "InvalidArgument",
	Unsupported:     "Unsupported",
	OutOfMemory:     "OutOfMemory",
	BackendError:    "BackendError",
	CacheMiss:       "CacheMiss",
	CacheCorrupt:    "CacheCorrupt",
	ConcurrentUse:   "ConcurrentUse",
	IoError:         "IoError",
	Unknown:         "Unknown",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Error is an error with an associated Code.
type Error struct {
	code Code
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.code, e.err.Error())
}

// Code returns the kind of the error.
func (e *Error) Code() Code { return e.code }

// Unwrap allows errors.Is and errors.As to see through the status.
func (e *Error) Unwrap() error { return e.err }

// Cause implements github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.err }

// Format prints the stack trace of the underlying error with "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "[%s] %+v", e.code, e.err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error with the given code and a stack trace.
func Errorf(code Code, format string, args ...any) error {
	return &Error{code: code, err: errors.Errorf(format, args...)}
}

// Wrapf wraps err with a message and the given code.
// If err is nil it returns nil.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: errors.Wrapf(err, format, args...)}
}

// WithCode attaches code to err without changing its message.
// If err already carries a status code, the outermost code becomes the new one.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: err}
}

// CodeOf returns the code of the outermost status in err's chain.
// It returns OK for nil and Unknown for errors without a status.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the operation that returned err may be retried.
// Only BackendError is retryable.
func IsRetryable(err error) bool {
	return CodeOf(err) == BackendError
}

// IsWarning reports whether err is a warning-level condition (CacheMiss or CacheCorrupt)
// that should trigger a rebuild rather than a failure.
func IsWarning(err error) bool {
	code := CodeOf(err)
	return code == CacheMiss || code == CacheCorrupt
}
