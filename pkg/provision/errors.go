package provision

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass classifies a stage failure for retry and abort decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary remote failure (network
	// blip, rate limit) that may succeed on retry within the stage budget.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRejected indicates the remote side rejected the request
	// (e.g. a name collision). Retryable only after a corrective transform,
	// and at most once.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassTimeout indicates the attempt exceeded its wall-clock
	// bound. Retryable up to the stage's attempt budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassConfiguration indicates a missing credential or capability.
	// Fatal immediately, never retried.
	ErrorClassConfiguration ErrorClass = "configuration"
)

// Sentinel errors returned by session stores.
var (
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned when a mutation would alter a
	// completed or failed session beyond appending log entries.
	ErrSessionTerminal = errors.New("session is terminal")
)

// StageError is a classified stage failure with context. Stage executors
// normalize every collaborator error into this type before the orchestrator
// sees it; the orchestrator never inspects collaborator-specific shapes.
type StageError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Stage is the stage that produced the error, if known.
	Stage Stage `json:"stage,omitempty"`

	// Attempt is the attempt number that produced the error (1-based).
	Attempt int `json:"attempt,omitempty"`

	// Err is the underlying collaborator error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s): %s", e.Class, e.Message, e.Stage, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// WithStage adds stage context to the error.
func (e *StageError) WithStage(stage Stage) *StageError {
	e.Stage = stage
	return e
}

// WithAttempt records the attempt number that produced the error.
func (e *StageError) WithAttempt(attempt int) *StageError {
	e.Attempt = attempt
	return e
}

// NewTransientError creates a transient remote error.
func NewTransientError(message string, err error) *StageError {
	return &StageError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewRejectedError creates a remote-rejection error.
func NewRejectedError(message string, err error) *StageError {
	return &StageError{Class: ErrorClassRejected, Message: message, Err: err}
}

// NewTimeoutError creates a stage timeout error.
func NewTimeoutError(message string, err error) *StageError {
	return &StageError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(message string, err error) *StageError {
	return &StageError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *StageError
	return errors.As(err, &e) && e.Class == ErrorClassTransient
}

// IsRejected returns true if the error is a remote rejection.
func IsRejected(err error) bool {
	var e *StageError
	return errors.As(err, &e) && e.Class == ErrorClassRejected
}

// IsTimeout returns true if the error is a stage timeout.
func IsTimeout(err error) bool {
	var e *StageError
	return errors.As(err, &e) && e.Class == ErrorClassTimeout
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	var e *StageError
	return errors.As(err, &e) && e.Class == ErrorClassConfiguration
}

// IsRetryable returns true if the error can be retried within a stage's
// attempt budget. Rejections are excluded: they retry only through the
// executor's corrective transform.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsTimeout(err)
}

// Classify normalizes an arbitrary error into a StageError. Already
// classified errors pass through unchanged; context deadline expiry becomes
// a timeout; everything else is treated as transient, since unclassified
// remote failures are indistinguishable from network faults and the attempt
// budget bounds the damage.
func Classify(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("attempt exceeded its wall-clock bound", err)
	}
	return NewTransientError("capability call failed", err)
}
