package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorClass partitions driver errors the way callers need to react to them.
type ErrorClass int

const (
	// ClassInternal covers low-level runtime or transport failures during
	// load, memory copies or execution, and driver-internal inconsistencies.
	ClassInternal ErrorClass = iota
	// ClassInvalidArgument means the caller passed something the driver
	// cannot act on, e.g. an argument handle absent from the registry.
	ClassInvalidArgument
	// ClassResourceExhausted means no device of the requested type could be
	// acquired.
	ClassResourceExhausted
	// ClassFailedPrecondition means a static expectation about the request
	// did not hold, e.g. a mismatched argument count.
	ClassFailedPrecondition
)

// String implements fmt.Stringer.
func (c ErrorClass) String() string {
	switch c {
	case ClassInvalidArgument:
		return "invalid argument"
	case ClassResourceExhausted:
		return "resource exhausted"
	case ClassFailedPrecondition:
		return "failed precondition"
	}
	return "internal"
}

// Error is the structured error type every driver operation returns. Stage
// tags ("load", "execute", "host-to-device", "device-to-host") locate a
// wrapped transport failure in the execution protocol; callers never see the
// transport's own error type directly.
type Error struct {
	Class ErrorClass
	Stage string
	err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Stage, e.Class, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.err }

// InvalidArgumentf returns a ClassInvalidArgument error.
func InvalidArgumentf(format string, args ...any) *Error {
	return &Error{Class: ClassInvalidArgument, err: errors.Errorf(format, args...)}
}

// ResourceExhaustedf returns a ClassResourceExhausted error.
func ResourceExhaustedf(format string, args ...any) *Error {
	return &Error{Class: ClassResourceExhausted, err: errors.Errorf(format, args...)}
}

// Internalf returns a ClassInternal error.
func Internalf(format string, args ...any) *Error {
	return &Error{Class: ClassInternal, err: errors.Errorf(format, args...)}
}

// FailedPreconditionf returns a ClassFailedPrecondition error.
func FailedPreconditionf(format string, args ...any) *Error {
	return &Error{Class: ClassFailedPrecondition, err: errors.Errorf(format, args...)}
}

// stageError wraps a transport failure with the execution stage it happened
// in. The result is ClassInternal.
func stageError(stage string, err error) *Error {
	return &Error{Class: ClassInternal, Stage: stage, err: err}
}

// ClassOf returns the class of err, or ClassInternal for foreign errors.
func ClassOf(err error) ErrorClass {
	var driverErr *Error
	if errors.As(err, &driverErr) {
		return driverErr.Class
	}
	return ClassInternal
}

// StageOf returns the stage tag of err, if any.
func StageOf(err error) string {
	var driverErr *Error
	if errors.As(err, &driverErr) {
		return driverErr.Stage
	}
	return ""
}
