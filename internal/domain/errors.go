package domain

import (
	"errors"

	"github.com/cuongbtq/offchain-agent/shared/retry"
)

var (
	// ErrJobNotFound is returned when a job run cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotTerminal is returned when deleting a job that is still in flight
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrUnsupportedJobType is returned when no handler is registered for a job type
	ErrUnsupportedJobType = errors.New("unsupported job type")

	// ErrInvalidPayload is returned when a job payload reference cannot be used
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrCancelled is the cancellation cause for jobs cancelled through the API
	ErrCancelled = errors.New("cancelled")

	// ErrUnsupportedMedia is returned when a source cannot be decoded
	ErrUnsupportedMedia = errors.New("corrupt or unsupported media")
)

// ErrorClass names the taxonomy bucket of an error
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassTransient ErrorClass = "TransientError"
	ClassPermanent ErrorClass = "PermanentError"
	ClassFatal     ErrorClass = "FatalError"
	ClassCancelled ErrorClass = "Cancelled"
)

// TransientError wraps network/timeout failures that are worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps failures that cannot succeed on retry
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// FatalError wraps configuration or resource exhaustion failures; they stop the process
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal error: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// NewPermanentError marks err as not retryable
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// NewFatalError marks err as process-level
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Classify maps err to its taxonomy bucket. Explicit cancellation wins over
// any marker; unmarked errors are treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrCancelled) {
		return ClassCancelled
	}

	var (
		fatal     *FatalError
		permanent *PermanentError
		transient *TransientError
	)
	switch {
	case errors.As(err, &fatal):
		return ClassFatal
	case errors.As(err, &permanent):
		return ClassPermanent
	case errors.As(err, &transient):
		return ClassTransient
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return Classify(exhausted.Err)
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsPermanent reports whether err should be dead-lettered
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// IsFatal reports whether err must stop the process
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}
