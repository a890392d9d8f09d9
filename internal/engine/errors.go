package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by an engine matches exactly one of
// these with errors.Is.
var (
	// ErrConfiguration means the engine cannot work as configured, e.g. a
	// missing or rejected API key. Retrying will not help.
	ErrConfiguration = errors.New("engine configuration error")
	// ErrExtraction is a generic failure of a recognition call.
	ErrExtraction = errors.New("extraction failed")
	// ErrEngineUnavailable means the on-device detector could not be
	// initialized in time.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrInvalidInput rejects a batch before any engine call is made.
	ErrInvalidInput = errors.New("invalid input")
)

// Error carries a user-facing message together with its kind and cause.
type Error struct {
	Kind    error
	Engine  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind error, engineName, message string, cause error) *Error {
	return &Error{Kind: kind, Engine: engineName, Message: message, Err: cause}
}

func invalidInput(format string, args ...any) *Error {
	return newError(ErrInvalidInput, "", fmt.Sprintf(format, args...), nil)
}

// KindOf returns the error kind of err, or nil when err is not an engine error.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrExtraction, ErrEngineUnavailable, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short stable label for an error kind, used in API
// responses and metrics.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrConfiguration:
		return "configuration"
	case ErrExtraction:
		return "extraction"
	case ErrEngineUnavailable:
		return "engine_unavailable"
	case ErrInvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}
