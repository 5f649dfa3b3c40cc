package resilience

import (
	"errors"
	"fmt"
)

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError is the only failure shape returned by Execute and Stream.
type FatalError struct {
	Err      error
	Attempts int
	// Exhausted is set when every attempt failed with a transient capacity error.
	Exhausted bool
}

func (e *FatalError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("generation service still over capacity after %d attempts: %v", e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err came out of the controller as a fatal failure.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsTransient reports whether err is marked as transient.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
