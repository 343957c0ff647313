package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrUnsupportedWorkerClass is returned when a job or dequeue names a class without a registered queue
	ErrUnsupportedWorkerClass = errors.New("unsupported worker class")

	// ErrJobRetryExhausted marks a job that was force-completed after too many failures
	ErrJobRetryExhausted = errors.New("job retry limit exhausted")

	// ErrInvalidJob is returned when a job descriptor fails validation
	ErrInvalidJob = errors.New("invalid job")
)

// UnsupportedWorkerClass wraps ErrUnsupportedWorkerClass with the offending class name
func UnsupportedWorkerClass(class string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedWorkerClass, class)
}

// TransientExecutionFailure wraps an error raised by a background command body.
// It is recorded by the command engine and never propagated to the dispatcher.
type TransientExecutionFailure struct {
	Command string
	Err     error
}

func (e *TransientExecutionFailure) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *TransientExecutionFailure) Unwrap() error {
	return e.Err
}

// NewTransientExecutionFailure creates a new TransientExecutionFailure
func NewTransientExecutionFailure(command string, err error) error {
	return &TransientExecutionFailure{Command: command, Err: err}
}
