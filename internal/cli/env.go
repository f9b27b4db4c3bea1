package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/config"
	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/store/boltstore"
	"github.com/roach88/procflow/internal/store/memstore"
	"github.com/roach88/procflow/internal/store/sqlitestore"
)

// stack is the engine stack a command works against.
type stack struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *store.DB
	dispatcher *dispatch.Local
	engine     *engine.Engine
}

// stackOptions tailor openStack to a command.
type stackOptions struct {
	// Database overrides the configured store path when set.
	Database string

	// Handlers are the registered operations. Operations without a handler
	// are routed to Fallback; with a nil Fallback they are rejected and the
	// node is left in FailRetry.
	Handlers map[string]dispatch.Handler
	Fallback dispatch.Handler

	// Redispatch moves tasks left in flight by a previous process to
	// FailRetry during recovery. Only run enables it; one-shot commands
	// must not disturb tasks another process is performing.
	Redispatch bool

	Listener engine.Listener
}

// openStack opens the configured store and builds the dispatcher and
// engine over it. The engine is recovered before it is returned. The
// dispatcher is not started.
func openStack(ctx context.Context, opts *RootOptions, cmd *cobra.Command, ro stackOptions) (*stack, error) {
	base, err := opts.Config()
	if err != nil {
		return nil, err
	}
	cfg := *base
	if ro.Database != "" {
		cfg.Store.Path = ro.Database
	}

	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	st := &stack{
		cfg:    cfg,
		logger: logger,
		db:     store.NewDB(backend),
	}

	dopts := []dispatch.Option{
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithTaskTimeout(cfg.Dispatch.TaskTimeout),
		dispatch.WithLogger(logger),
	}
	if ro.Fallback != nil {
		dopts = append(dopts, dispatch.WithFallback(ro.Fallback))
	}
	st.dispatcher = dispatch.New(ro.Handlers, dopts...)

	eopts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithRetryBackoff(retryBackoff(cfg.Engine)),
		engine.WithSweepParallelism(cfg.Engine.SweepParallelism),
		engine.WithRedispatchOnRecover(ro.Redispatch && cfg.Engine.RedispatchOnRecover),
	}
	if ro.Listener != nil {
		eopts = append(eopts, engine.WithListener(ro.Listener))
	}
	st.engine = engine.New(st.db, st.dispatcher, eopts...)

	if _, err := st.engine.Recover(ctx); err != nil {
		closeErr := st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to recover engine", multierr.Append(err, closeErr))
	}
	return st, nil
}

// Close shuts the engine down, then the dispatcher, then the store.
func (st *stack) Close() error {
	return multierr.Combine(
		st.engine.Close(),
		st.dispatcher.Close(),
		st.db.Close(),
	)
}

func openBackend(ctx context.Context, c config.StoreConfig) (store.Backend, error) {
	switch c.Driver {
	case config.DriverSQLite:
		return sqlitestore.Open(c.Path, engine.Schema)
	case config.DriverBolt:
		return boltstore.Open(ctx, c.Path, engine.Schema)
	case config.DriverMemory:
		return memstore.New(engine.Schema)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

func retryBackoff(c config.EngineConfig) backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Exponential(c.RetryMin),
		linger.FullJitter,
		linger.Limiter(c.RetryMin, c.RetryMax),
	)
}

// classify maps an engine or store error to an exit code and error code.
func classify(err error) (int, string) {
	switch {
	case store.IsNotFound(err), errors.Is(err, errNoSuchModel):
		return ExitCommandError, CodeNotFound
	case engine.IsIllegalTransition(err):
		return ExitFailure, CodeIllegalState
	case store.IsStorageFailure(err):
		return ExitFailure, CodeStorage
	default:
		return ExitFailure, CodeInternal
	}
}

// fail reports err through f and returns the matching ExitError.
func fail(f *OutputFormatter, err error) error {
	exit, code := classify(err)
	return f.Fail(exit, code, err)
}
