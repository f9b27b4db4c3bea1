package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
)

// TaskOptions holds flags for the task subcommands.
type TaskOptions struct {
	StoreOptions
	Payload string
	Cause   string
}

// TaskResult reports a node instance after a task operation.
type TaskResult struct {
	State engine.State        `json:"state"`
	Node  engine.NodeSnapshot `json:"node"`
}

// NewTaskCommand creates the task command and its subcommands.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Report progress on an activity's task",
		Long: `Report task progress for a node instance on behalf of whatever performs it.

Node instances are named by handle, as listed by "procflow show".`,
	}

	cmd.AddCommand(newTaskUpdateCommand(rootOpts))
	cmd.AddCommand(newTaskFinishCommand(rootOpts))
	cmd.AddCommand(newTaskFailCommand(rootOpts))
	cmd.AddCommand(newTaskTickleCommand(rootOpts))

	return cmd
}

func newTaskUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "update <node> <state>",
		Short: "Move a task to a new state",
		Long: `Move a task to a new state. States may only move forward:
Pending, Sent, Taken, Started, then Complete, Failed or Cancelled.
FailRetry may return to Sent.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := engine.ParseState(args[1])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return runTask(opts, args[0], cmd, func(ctx context.Context, e *engine.Engine, h store.Handle) (engine.State, error) {
				return e.UpdateTaskState(ctx, h, s)
			})
		},
	}

	opts.bind(cmd)
	return cmd
}

func newTaskFinishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:           "finish <node>",
		Short:         "Complete a task with a result payload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(opts.Payload)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return runTask(opts, args[0], cmd, func(ctx context.Context, e *engine.Engine, h store.Handle) (engine.State, error) {
				return e.FinishTask(ctx, h, payload)
			})
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "task result as a JSON object")
	return cmd
}

func newTaskFailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:           "fail <node>",
		Short:         "Fail a task permanently",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(opts, args[0], cmd, func(ctx context.Context, e *engine.Engine, h store.Handle) (engine.State, error) {
				return e.FailTask(ctx, h, opts.Cause)
			})
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Cause, "cause", "failed by operator", "failure cause recorded on the node")
	return cmd
}

func newTaskTickleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "tickle <node>",
		Short: "Dispatch a pending or retrying task now",
		Long: `Dispatch the task of a Pending or FailRetry node instance immediately,
ignoring any scheduled retry time.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(opts, args[0], cmd, func(ctx context.Context, e *engine.Engine, h store.Handle) (engine.State, error) {
				return e.Tickle(ctx, h)
			})
		},
	}

	opts.bind(cmd)
	return cmd
}

type taskOp func(ctx context.Context, e *engine.Engine, h store.Handle) (engine.State, error)

func runTask(opts *TaskOptions, ref string, cmd *cobra.Command, op taskOp) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	h, err := store.ParseHandle(ref)
	if err != nil {
		_ = formatter.Error(CodeInvalidArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid node handle", err)
	}

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := op(ctx, st.engine, h)
	if err != nil {
		return fail(formatter, err)
	}

	node, err := st.engine.NodeInstance(ctx, h)
	if err != nil {
		return fail(formatter, err)
	}

	result := TaskResult{State: state, Node: node}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ node %d (%s): %s\n", node.Handle, node.NodeID, state)
	})
}
