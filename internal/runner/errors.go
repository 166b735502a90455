package runner

import (
	"errors"
	"fmt"
)

// ControlError represents a rejected control operation.
//
// Control errors include:
//   - Invalid transition: the operation is not legal from the current state
//   - Runner closed: the runner has been closed and no longer accepts commands
//   - Bootstrap failure: the source could not be prepared
//
// ControlError includes structured fields for diagnostics.
type ControlError struct {
	// Code identifies the error category.
	Code ControlErrorCode

	// Message is a human-readable description.
	Message string

	// Op names the rejected operation.
	Op string

	// From is the state the runner was in when the operation arrived.
	From State
}

// ControlErrorCode categorizes control errors.
type ControlErrorCode string

const (
	// ErrCodeInvalidTransition indicates the operation is not legal from the
	// current state.
	ErrCodeInvalidTransition ControlErrorCode = "INVALID_TRANSITION"

	// ErrCodeRunnerClosed indicates the runner has been closed and released
	// its resources.
	ErrCodeRunnerClosed ControlErrorCode = "RUNNER_CLOSED"

	// ErrCodeBootstrapFailed indicates the source could not be prepared.
	ErrCodeBootstrapFailed ControlErrorCode = "BOOTSTRAP_FAILED"

	// ErrCodeAlreadyBootstrapped indicates a second bootstrap attempt.
	ErrCodeAlreadyBootstrapped ControlErrorCode = "ALREADY_BOOTSTRAPPED"
)

// Error implements the error interface.
func (e *ControlError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s, state=%s)", e.Code, e.Message, e.Op, e.From)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvalidTransition returns true if the error is a transition rejection.
// A repeated bootstrap counts as one. Uses errors.As to handle wrapped
// errors.
func IsInvalidTransition(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeInvalidTransition || ce.Code == ErrCodeAlreadyBootstrapped
	}
	return false
}

// IsAlreadyBootstrapped returns true if the error is a repeated bootstrap.
func IsAlreadyBootstrapped(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeAlreadyBootstrapped
	}
	return false
}

// IsRunnerClosed returns true if the error indicates a closed runner.
func IsRunnerClosed(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeRunnerClosed
	}
	return false
}

// NewTransitionError creates a ControlError for an illegal transition.
func NewTransitionError(op string, from State) *ControlError {
	return &ControlError{
		Code:    ErrCodeInvalidTransition,
		Message: "operation not permitted in current state",
		Op:      op,
		From:    from,
	}
}

// NewClosedError creates a ControlError for a closed runner.
func NewClosedError(op string) *ControlError {
	return &ControlError{
		Code:    ErrCodeRunnerClosed,
		Message: "runner is closed",
		Op:      op,
		From:    StateStopped,
	}
}

// NewAlreadyBootstrappedError creates a ControlError for a repeated
// bootstrap attempt.
func NewAlreadyBootstrappedError(from State) *ControlError {
	return &ControlError{
		Code:    ErrCodeAlreadyBootstrapped,
		Message: "source is already bootstrapped",
		Op:      "bootstrap",
		From:    from,
	}
}

// NewBootstrapError wraps a source preparation failure.
func NewBootstrapError(err error) *ControlError {
	return &ControlError{
		Code:    ErrCodeBootstrapFailed,
		Message: err.Error(),
		Op:      "bootstrap",
		From:    StateBootstrapping,
	}
}
