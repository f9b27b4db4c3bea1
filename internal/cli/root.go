package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/config"
)

// RootOptions carries the persistent flags shared by every subcommand.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	cfg *config.Config
}

// ValidFormats lists the values accepted by --format.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the procflow command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "procflow",
		Short: "procflow - process execution engine",
		Long: `procflow executes process models: directed acyclic graphs of activities,
splits and joins whose tasks are dispatched to handlers and whose progress is
persisted after every step.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			_, err := opts.Config()
			return err
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		NewValidateCommand(opts),
		NewDeployCommand(opts),
		NewModelsCommand(opts),
		NewStartCommand(opts),
		NewTaskCommand(opts),
		NewInstancesCommand(opts),
		NewShowCommand(opts),
		NewCancelCommand(opts),
		NewCancelAllCommand(opts),
		NewPurgeCommand(opts),
		NewRunCommand(opts),
		NewTestCommand(opts),
	)

	return cmd
}

// Config loads the configuration named by --config once. --verbose forces
// debug logging.
func (o *RootOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	o.cfg = cfg
	return cfg, nil
}
