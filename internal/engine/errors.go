package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/procflow/internal/store"
)

// RuntimeError represents an error detected while running a process.
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Node is the affected node instance, if any.
	Node store.Handle

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeDispatchFailure indicates the dispatcher could not accept a task.
	ErrCodeDispatchFailure RuntimeErrorCode = "DISPATCH_FAILURE"

	// ErrCodeEngineClosed indicates the engine has been closed.
	ErrCodeEngineClosed RuntimeErrorCode = "ENGINE_CLOSED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Node.Valid() {
		msg = fmt.Sprintf("%s (node=%d)", msg, e.Node)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewDispatchFailure creates a RuntimeError for a failed submission.
func NewDispatchFailure(node store.Handle, operation string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDispatchFailure,
		Message: "dispatcher rejected task",
		Node:    node,
		Details: map[string]string{"operation": operation},
		Err:     cause,
	}
}

// IsDispatchFailure returns true if the error is a dispatch failure.
// Uses errors.As to handle wrapped errors.
func IsDispatchFailure(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeDispatchFailure
	}
	return false
}

// IllegalStateTransitionError is returned when a node instance is asked to
// move to a state the lifecycle does not permit. The stored state is left
// unchanged.
type IllegalStateTransitionError struct {
	Node   store.Handle
	NodeID string
	From   State
	To     State
	Reason string
}

func (e *IllegalStateTransitionError) Error() string {
	msg := fmt.Sprintf("illegal state transition for node %d (%s): %s -> %s", e.Node, e.NodeID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsIllegalTransition returns true if the error is, or wraps, an
// *IllegalStateTransitionError.
func IsIllegalTransition(err error) bool {
	var e *IllegalStateTransitionError
	return errors.As(err, &e)
}
