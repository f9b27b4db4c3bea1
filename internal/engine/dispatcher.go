package engine

import (
	"context"

	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// DispatchID identifies one accepted submission to a Dispatcher.
type DispatchID string

// TaskDescription describes an activity's task to a Dispatcher.
type TaskDescription struct {
	// Node is the handle of the node instance the task belongs to.
	Node store.Handle

	// Process is the handle of the owning process instance.
	Process store.Handle

	// Principal is the already-authenticated owner of the process instance.
	Principal string

	NodeID    string
	Operation string
	Input     value.Object

	// Attempt is 1 for the first dispatch and increases on every retry.
	Attempt int
}

// Outcome is the result of a dispatched task.
type Outcome struct {
	// Result is the task's result payload when Err is nil.
	Result value.Object

	// Err is non-nil if the task failed.
	Err error

	// Retry marks Err as transient. The node instance is moved to FailRetry
	// instead of Failed.
	Retry bool

	// Cancelled is set when the task was withdrawn by Cancel before it ran.
	Cancelled bool
}

// Dispatcher delivers tasks to whatever performs them.
type Dispatcher interface {
	// Submit accepts a task for asynchronous execution. done is called exactly
	// once for every accepted task, on a goroutine owned by the dispatcher,
	// and never before Submit returns.
	Submit(ctx context.Context, task TaskDescription, done func(Outcome)) (DispatchID, error)

	// Cancel withdraws a task that has not started yet. It returns false if
	// the task is unknown or already running.
	Cancel(id DispatchID) bool
}
