package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/procflow/internal/value"
)

// Echo returns the task's input as its result.
func Echo(_ context.Context, task Task) (value.Object, error) {
	return task.Input.Clone(), nil
}

// Noop completes without a result.
func Noop(context.Context, Task) (value.Object, error) {
	return value.Object{}, nil
}

// Sleep waits for the duration named by the "duration" input, then echoes
// its input. A missing or unparsable duration fails the task.
func Sleep(ctx context.Context, task Task) (value.Object, error) {
	s, ok := task.Input["duration"].(value.String)
	if !ok {
		return nil, errors.New("sleep: input \"duration\" must be a string")
	}
	d, err := time.ParseDuration(string(s))
	if err != nil {
		return nil, err
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil, Retryable(ctx.Err())
	case <-t.C:
		return task.Input.Clone(), nil
	}
}

// Builtins returns the handlers available to every deployment, keyed by
// operation name.
func Builtins() map[string]Handler {
	return map[string]Handler{
		"echo":  Echo,
		"noop":  Noop,
		"sleep": Sleep,
	}
}
