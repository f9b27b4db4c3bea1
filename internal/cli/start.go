package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	StoreOptions
	Payload   string
	Principal string
}

// InstanceResult is an instance together with its node instances.
type InstanceResult struct {
	Instance engine.InstanceSnapshot `json:"instance"`
	Nodes    []engine.NodeSnapshot   `json:"nodes"`
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "start <model>",
		Short: "Start a process instance",
		Long: `Start a new instance of a deployed model. The model is named by its
handle, or by its name to pick the latest deployed version.

Example:
  procflow start --db ./procflow.db --principal alice --payload '{"order":{"total":40}}' 1
  procflow start --db ./procflow.db order`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "initial process data as a JSON object")
	cmd.Flags().StringVar(&opts.Principal, "principal", "cli", "principal the instance is started for")

	return cmd
}

func runStart(opts *StartOptions, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	payload, err := parsePayload(opts.Payload)
	if err != nil {
		_ = formatter.Error(CodeInvalidArgument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	mh, err := resolveModel(ctx, st.engine, ref)
	if err != nil {
		return fail(formatter, err)
	}

	h, err := st.engine.StartProcess(ctx, mh, opts.Principal, payload)
	if err != nil {
		return fail(formatter, err)
	}

	result, err := describeInstance(ctx, st.engine, h)
	if err != nil {
		return fail(formatter, err)
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Started instance %d of model %d\n", h, mh)
		writeNodes(w, result.Nodes)
	})
}

var errNoSuchModel = errors.New("no deployed model")

// resolveModel accepts a model handle, or a model name for its latest
// deployed version.
func resolveModel(ctx context.Context, e *engine.Engine, ref string) (store.Handle, error) {
	if h, err := store.ParseHandle(ref); err == nil {
		if _, err := e.Model(ctx, h); err != nil {
			return store.NoHandle, err
		}
		return h, nil
	}

	models, err := e.Models(ctx)
	if err != nil {
		return store.NoHandle, err
	}
	h, version := store.NoHandle, 0
	for _, m := range models {
		if m.Name() == ref && m.Version() >= version {
			h, version = m.Handle(), m.Version()
		}
	}
	if !h.Valid() {
		return store.NoHandle, fmt.Errorf("%w named %q", errNoSuchModel, ref)
	}
	return h, nil
}

func parsePayload(s string) (value.Object, error) {
	if s == "" {
		return value.Object{}, nil
	}
	obj, err := value.UnmarshalObject([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return obj, nil
}

func describeInstance(ctx context.Context, e *engine.Engine, h store.Handle) (InstanceResult, error) {
	inst, err := e.Instance(ctx, h)
	if err != nil {
		return InstanceResult{}, err
	}
	nodes, err := e.Nodes(ctx, h)
	if err != nil {
		return InstanceResult{}, err
	}
	return InstanceResult{Instance: inst, Nodes: nodes}, nil
}

func writeNodes(w io.Writer, nodes []engine.NodeSnapshot) {
	for _, n := range nodes {
		fmt.Fprintf(w, "  %-6d %-16s %-10s attempts=%d", n.Handle, n.NodeID, n.State, n.Attempts)
		if n.Cause != "" {
			fmt.Fprintf(w, " cause=%q", n.Cause)
		}
		fmt.Fprintln(w)
	}
}
