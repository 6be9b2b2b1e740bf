package ml

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Error classes. Every error returned by this module matches exactly one of
// them with errors.Is.
var (
	// ErrPrecondition marks a caller bug: bad shapes, missing forward pass,
	// training an uncompiled model and so on.
	ErrPrecondition = errors.New("ml: precondition violated")

	// ErrEnvironment marks failures outside the caller's control: missing
	// files, malformed persisted models.
	ErrEnvironment = errors.New("ml: environment failure")
)

// Precondition errors.
var (
	ErrBadShape          = classified("ml: invalid shape", ErrPrecondition)
	ErrDimensionMismatch = classified("ml: dimension mismatch", ErrPrecondition)
	ErrOutOfRange        = classified("ml: index out of range", ErrPrecondition)
	ErrNaN               = classified("ml: NaN encountered", ErrPrecondition)
	ErrNoForward         = classified("ml: backward called before forward", ErrPrecondition)
	ErrNotCompiled       = classified("ml: model is not compiled", ErrPrecondition)
	ErrNoLayers          = classified("ml: model has no layers", ErrPrecondition)
	ErrBadConfig         = classified("ml: invalid configuration", ErrPrecondition)
)

// Environment errors.
var (
	ErrIO     = classified("ml: i/o failure", ErrEnvironment)
	ErrFormat = classified("ml: malformed model file", ErrEnvironment)
)

type classifiedError struct {
	msg   string
	class error
}

func classified(msg string, class error) error {
	return &classifiedError{msg: msg, class: class}
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

// IsPrecondition reports whether err was caused by a violated caller precondition.
func IsPrecondition(err error) bool { return errors.Is(err, ErrPrecondition) }

// IsEnvironment reports whether err was caused by the environment (IO, file contents).
func IsEnvironment(err error) bool { return errors.Is(err, ErrEnvironment) }

// failf aborts the current numeric operation. The panic carries a stack-annotated
// error wrapping sentinel; it is turned back into a returned error by catch at
// the public API boundary.
func failf(sentinel error, format string, args ...any) {
	panic(errors.Wrapf(sentinel, format, args...))
}

// catch runs fn and converts a failf panic into a returned error.
func catch(fn func()) error {
	return exceptions.TryCatch[error](fn)
}
