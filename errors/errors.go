package errors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around an errno code with a customizable message.
// It is what every suspendable operation in this module hands back through its
// completion callback.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e driverError) Errno() Errno {
	return e.errno
}

func (e driverError) Unwrap() error {
	return e.originalError
}

// New creates a DriverError with the default message for errnoCode.
func New(errnoCode Errno) DriverError {
	return driverError{errno: errnoCode, message: StrError(errnoCode)}
}

// NewWithMessage creates a DriverError from an errno code with a custom message.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return driverError{
		errno:   errnoCode,
		message: fmt.Sprintf("%s: %s", StrError(errnoCode), message),
	}
}

// NewFromError wraps an error from a lower layer (typically a block device or
// cache failure) with an errno code so callers up the stack can still branch
// on Errno().
func NewFromError(errnoCode Errno, originalError error) DriverError {
	return driverError{
		errno:         errnoCode,
		message:       fmt.Sprintf("%s: %s", StrError(errnoCode), originalError.Error()),
		originalError: originalError,
	}
}

// Combine folds zero or more errors (some of which may be nil) into a single
// DriverError, preserving each failure instead of dropping all but the first.
// Used by blockcache.Cache.Flush, where more than one block write-back can
// fail in the same flush.
func Combine(errnoCode Errno, errs ...error) DriverError {
	var merged error
	for _, e := range errs {
		if e != nil {
			merged = multierror.Append(merged, e)
		}
	}
	if merged == nil {
		return nil
	}
	return NewFromError(errnoCode, merged)
}
