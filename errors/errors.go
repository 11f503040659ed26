// Package errors holds the failure taxonomy of a training run and re-exports
// the github.com/pkg/errors helpers used to wrap it.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Failure kinds. Every error that leaves a package wraps one of these.
var (
	// ErrConfiguration is a bad flag value, unknown task or unsupported model.
	ErrConfiguration = stderrors.New("configuration error")
	// ErrResourceUnavailable is a dataset, tokenizer or weights download/cache failure.
	ErrResourceUnavailable = stderrors.New("resource unavailable")
	// ErrRuntimeComputation is a numeric failure during forward/backward.
	ErrRuntimeComputation = stderrors.New("runtime computation error")
	// ErrIO is a checkpoint or log write failure.
	ErrIO = stderrors.New("io error")
)

// Is is re-exported from the standard library
var Is = stderrors.Is

// Wrapf is re-exported from github.com/pkg/errors
var Wrapf = errors.Wrapf

// Configf returns an ErrConfiguration with a formatted message.
func Configf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Unavailablef wraps err (which may be nil) as ErrResourceUnavailable.
func Unavailablef(err error, format string, args ...interface{}) error {
	return wrapKind(ErrResourceUnavailable, err, format, args...)
}

// IOf wraps err (which may be nil) as ErrIO.
func IOf(err error, format string, args ...interface{}) error {
	return wrapKind(ErrIO, err, format, args...)
}

// Computef wraps err (which may be nil) as ErrRuntimeComputation.
func Computef(err error, format string, args ...interface{}) error {
	return wrapKind(ErrRuntimeComputation, err, format, args...)
}

// kindError keeps both the kind and the underlying cause reachable via errors.Is.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func wrapKind(kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Wrapf(kind, format, args...)
	}
	return errors.Wrapf(&kindError{kind: kind, cause: err}, format, args...)
}
