package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/model"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	StoreOptions
	Workers       int
	SweepInterval time.Duration
	EchoUnbound   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "run [model-file...]",
		Short: "Run the engine, dispatcher and retry sweeper",
		Long: `Run the process engine until interrupted.

Model files given as arguments are deployed first. On startup, active
instances are recovered from the store and tasks left in flight by a
previous run are scheduled for redispatch. Tasks are performed by the
built-in handlers (echo, noop, sleep); with --echo-unbound every other
operation is performed by echo.

Example:
  procflow run --db ./procflow.db ./models/order.cue
  procflow run --config ./procflow.yaml --echo-unbound`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "dispatcher workers (overrides dispatch.workers)")
	cmd.Flags().DurationVar(&opts.SweepInterval, "sweep-interval", 0, "retry sweep interval (overrides engine.sweep_interval)")
	cmd.Flags().BoolVar(&opts.EchoUnbound, "echo-unbound", false, "perform operations without a handler with echo")

	return cmd
}

func runEngine(opts *RunOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var models []*model.Model
	for _, f := range files {
		ms, err := loadModels(formatter, f)
		if err != nil {
			return err
		}
		models = append(models, ms...)
	}

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("workers") {
		cfg.Dispatch.Workers = opts.Workers
	}
	if cmd.Flags().Changed("sweep-interval") {
		cfg.Engine.SweepInterval = opts.SweepInterval
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	so := stackOptions{
		Database:   opts.Database,
		Handlers:   dispatch.Builtins(),
		Redispatch: true,
	}
	if opts.EchoUnbound {
		so.Fallback = dispatch.Echo
	}
	listener := &logListener{}
	so.Listener = listener

	st, err := openStack(ctx, opts.RootOptions, cmd, so)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			st.logger.Error("error closing engine", "error", closeErr)
		}
	}()
	listener.logger = st.logger

	deployed, err := deployModels(ctx, st.engine, models)
	if err != nil {
		return fail(formatter, err)
	}
	for _, d := range deployed {
		st.logger.Info("model ready",
			"model", d.Name,
			"version", d.Version,
			"handle", d.Handle,
			"existing", d.Existing,
		)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			st.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	st.dispatcher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.engine.RunSweeper(gctx, st.cfg.Engine.SweepInterval)
	})

	st.logger.Info("engine running",
		"store", st.cfg.Store.Driver,
		"path", st.cfg.Store.Path,
		"workers", st.cfg.Dispatch.Workers,
		"operations", st.dispatcher.Operations(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Dispatching tasks...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sweeper error", err)
	}

	if st.cfg.Engine.CancelOnShutdown {
		if err := st.engine.CancelAll(context.WithoutCancel(ctx)); err != nil {
			return WrapExitError(ExitFailure, "cancel on shutdown", err)
		}
	}

	st.logger.Info("engine stopped gracefully")
	return nil
}

// logListener logs instances leaving the active set.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) InstanceRetired(_ context.Context, inst engine.InstanceSnapshot) {
	l.logger.Info("process retired",
		"instance", inst.Handle,
		"model", inst.Model,
		"principal", inst.Principal,
	)
}

func (l *logListener) InstanceCancelled(_ context.Context, inst engine.InstanceSnapshot) error {
	l.logger.Info("process cancelled",
		"instance", inst.Handle,
		"model", inst.Model,
		"principal", inst.Principal,
	)
	return nil
}
