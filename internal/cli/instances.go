package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
)

// InstancesOptions holds flags for the instances command.
type InstancesOptions struct {
	StoreOptions
	All bool
}

// InstancesResult lists process instances.
type InstancesResult struct {
	Instances []engine.InstanceSnapshot `json:"instances"`
}

// NewInstancesCommand creates the instances command.
func NewInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstancesOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:           "instances",
		Short:         "List process instances",
		Long:          "List active process instances. With --all, retired and cancelled instances are listed too.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstances(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.All, "all", false, "include retired and cancelled instances")
	return cmd
}

func runInstances(opts *InstancesOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	insts, err := st.engine.ListInstances(ctx, opts.All)
	if err != nil {
		return fail(formatter, err)
	}
	if insts == nil {
		insts = []engine.InstanceSnapshot{}
	}

	result := InstancesResult{Instances: insts}
	return formatter.Emit(result, func(w io.Writer) {
		if len(insts) == 0 {
			fmt.Fprintln(w, "No instances.")
			return
		}
		fmt.Fprintf(w, "%-8s %-8s %-10s %-7s %s\n", "INSTANCE", "MODEL", "STATUS", "THREADS", "PRINCIPAL")
		for _, inst := range insts {
			fmt.Fprintf(w, "%-8d %-8d %-10s %-7d %s\n",
				inst.Handle, inst.Model, inst.Status, len(inst.Threads), inst.Principal)
		}
	})
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "show <instance>",
		Short:         "Show a process instance and its node instances",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runShow(opts *StoreOptions, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	h, err := store.ParseHandle(ref)
	if err != nil {
		_ = formatter.Error(CodeInvalidArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid instance handle", err)
	}

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := describeInstance(ctx, st.engine, h)
	if err != nil {
		return fail(formatter, err)
	}

	return formatter.Emit(result, func(w io.Writer) {
		inst := result.Instance
		fmt.Fprintf(w, "Instance %d (model %d) %s\n", inst.Handle, inst.Model, inst.Status)
		fmt.Fprintf(w, "Principal: %s\n", inst.Principal)
		if len(inst.EndArrivals) > 0 {
			fmt.Fprintf(w, "Ends reached: %v\n", inst.EndArrivals)
		}
		fmt.Fprintln(w, "Nodes:")
		writeNodes(w, result.Nodes)
	})
}

// CountResult reports how many instances a command affected.
type CountResult struct {
	Count int `json:"count"`
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel <instance>",
		Short: "Cancel one process instance",
		Long: `Cancel one process instance. Its queued tasks are withdrawn and every
unfinished node instance, failed ones included, is cancelled. Cancelling an
instance that has already ended does nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runCancel(opts *StoreOptions, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	h, err := store.ParseHandle(ref)
	if err != nil {
		_ = formatter.Error(CodeInvalidArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid instance handle", err)
	}

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.engine.CancelInstance(ctx, h); err != nil {
		return fail(formatter, err)
	}

	result, err := describeInstance(ctx, st.engine, h)
	if err != nil {
		return fail(formatter, err)
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Instance %d %s\n", h, result.Instance.Status)
	})
}

// NewCancelAllCommand creates the cancel-all command.
func NewCancelAllCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every active process instance",
		Long: `Cancel every active process instance. Queued tasks are withdrawn and
every unfinished node instance is cancelled.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancelAll(opts, cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runCancelAll(opts *StoreOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n := len(st.engine.ListActiveInstances())
	if err := st.engine.CancelAll(ctx); err != nil {
		return fail(formatter, err)
	}

	result := CountResult{Count: n}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Cancelled %d instance(s)\n", n)
	})
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "purge",
		Short:         "Delete retired and cancelled process instances",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runPurge(opts *StoreOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.engine.Purge(ctx)
	if err != nil {
		return fail(formatter, err)
	}

	result := CountResult{Count: n}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Purged %d instance(s)\n", n)
	})
}
