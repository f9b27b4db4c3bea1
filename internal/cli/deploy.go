package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/model"
)

// StoreOptions holds the store flag shared by commands that open the store.
type StoreOptions struct {
	*RootOptions
	Database string
}

func (o *StoreOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "store path (overrides store.path from config)")
}

// open builds an engine stack for a command that exits right after its
// operation. The dispatcher is never started, so tasks dispatched by the
// command stay Sent until a run process recovers them.
func (o *StoreOptions) open(ctx context.Context, cmd *cobra.Command) (*stack, error) {
	return openStack(ctx, o.RootOptions, cmd, stackOptions{
		Database: o.Database,
		Fallback: dispatch.Noop,
	})
}

// DeployResult lists deployed models.
type DeployResult struct {
	Models []DeployedModel `json:"models"`
}

// DeployedModel is a model with its deploy outcome.
type DeployedModel struct {
	ModelSummary
	Existing bool `json:"existing,omitempty"`
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy <model-file>",
		Short: "Validate and persist process models",
		Long: `Validate the process models in a CUE or YAML file and persist them.

A model whose name and version are already deployed is not stored again;
its existing handle is reported instead.

Example:
  procflow deploy --db ./procflow.db ./models/order.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runDeploy(opts *StoreOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	models, err := loadModels(formatter, path)
	if err != nil {
		return err
	}

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	deployed, err := deployModels(ctx, st.engine, models)
	if err != nil {
		return fail(formatter, err)
	}

	result := DeployResult{Models: deployed}
	return formatter.Emit(result, func(w io.Writer) {
		for _, d := range result.Models {
			note := ""
			if d.Existing {
				note = " (already deployed)"
			}
			fmt.Fprintf(w, "✓ %s v%d -> model %d%s\n", d.Name, d.Version, d.Handle, note)
		}
	})
}

// deployModels deploys every model whose name and version are not yet in
// the store.
func deployModels(ctx context.Context, e *engine.Engine, models []*model.Model) ([]DeployedModel, error) {
	existing, err := e.Models(ctx)
	if err != nil {
		return nil, err
	}

	var out []DeployedModel
	for _, m := range models {
		if prev := findModel(existing, m.Name(), m.Version()); prev != nil {
			out = append(out, DeployedModel{ModelSummary: summarize(prev), Existing: true})
			continue
		}
		if _, err := e.DeployModel(ctx, m); err != nil {
			return nil, err
		}
		out = append(out, DeployedModel{ModelSummary: summarize(m)})
	}
	return out, nil
}

func findModel(models []*model.Model, name string, version int) *model.Model {
	for _, m := range models {
		if m.Name() == name && m.Version() == version {
			return m
		}
	}
	return nil
}

// ModelsResult lists deployed models.
type ModelsResult struct {
	Models []ModelSummary `json:"models"`
}

// NewModelsCommand creates the models command.
func NewModelsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "models",
		Short:         "List deployed process models",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(opts, cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runModels(opts *StoreOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	models, err := st.engine.Models(ctx)
	if err != nil {
		return fail(formatter, err)
	}

	result := ModelsResult{Models: make([]ModelSummary, 0, len(models))}
	for _, m := range models {
		result.Models = append(result.Models, summarize(m))
	}

	return formatter.Emit(result, func(w io.Writer) {
		if len(result.Models) == 0 {
			fmt.Fprintln(w, "No models deployed.")
			return
		}
		for _, s := range result.Models {
			fmt.Fprintf(w, "%-6d %s v%d (%d nodes)\n", s.Handle, s.Name, s.Version, s.Nodes)
		}
	})
}
