package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dogmatiq/linger/backoff"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/store/memstore"
	"github.com/roach88/procflow/internal/value"
)

// DefaultPrincipal owns scenario instances that name no principal.
const DefaultPrincipal = "harness"

// epoch is the scenario clock's starting time.
var epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// clock is a manually advanced clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Harness plays one scenario against a fresh engine.
type Harness struct {
	engine   *engine.Engine
	recorder *recorder
	clock    *clock
	logger   *slog.Logger
	result   *Result
	instance store.Handle
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store. Failed expectations and
// assertions are reported in the result; the error is reserved for scenarios
// that cannot run at all.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	m, err := selectModel(s)
	if err != nil {
		return nil, err
	}

	b, err := memstore.New(engine.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	db := store.NewDB(b)
	defer db.Close()

	h := &Harness{
		clock:  &clock{now: epoch},
		logger: slog.New(slog.DiscardHandler),
		result: NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.recorder = newRecorder(h.result)

	delay := s.RetryDelay
	if delay == 0 {
		delay = time.Second
	}

	h.engine = engine.New(db, h.recorder,
		engine.WithLogger(h.logger),
		engine.WithListener(h),
		engine.WithClock(h.clock.Now),
		engine.WithRetryBackoff(backoff.Constant(delay)),
	)
	defer h.engine.Close()

	mh, err := h.engine.DeployModel(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy model: %w", err)
	}

	payload, err := value.ObjectFrom(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	principal := s.Principal
	if principal == "" {
		principal = DefaultPrincipal
	}

	h.instance, err = h.engine.StartProcess(ctx, mh, principal, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	for i, step := range s.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if h.result.Instance, err = h.engine.Instance(ctx, h.instance); err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	if h.result.Nodes, err = h.engine.Nodes(ctx, h.instance); err != nil {
		return nil, fmt.Errorf("failed to read node instances: %w", err)
	}

	for _, msg := range EvaluateAssertions(h.result, s.Assertions) {
		h.result.AddError(msg)
	}

	return h.result, nil
}

// selectModel loads the scenario's model source and picks the model to run.
func selectModel(s *Scenario) (*model.Model, error) {
	models, err := model.Load(s.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	if s.Process == "" {
		if len(models) != 1 {
			return nil, fmt.Errorf("%s defines %d models; set process to pick one", s.Model, len(models))
		}
		return models[0], nil
	}

	for _, m := range models {
		if m.Name() == s.Process {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s defines no model named %q", s.Model, s.Process)
}

func (h *Harness) step(ctx context.Context, s Step) error {
	switch {
	case s.Complete != "":
		result, err := value.ObjectFrom(s.Result)
		if err != nil {
			return fmt.Errorf("invalid result: %w", err)
		}
		h.report(s.Complete, engine.Outcome{Result: result})

	case s.Fail != "":
		h.report(s.Fail, engine.Outcome{Err: errors.New(s.Error), Retry: s.Retry})

	case s.Finish != "":
		result, err := value.ObjectFrom(s.Result)
		if err != nil {
			return fmt.Errorf("invalid result: %w", err)
		}
		return h.call(ctx, "finish", s.Finish, s.Expect, func(n store.Handle) (engine.State, error) {
			return h.engine.FinishTask(ctx, n, result)
		})

	case s.Update != "":
		st, err := engine.ParseState(s.State)
		if err != nil {
			return err
		}
		return h.call(ctx, "update", s.Update, s.Expect, func(n store.Handle) (engine.State, error) {
			return h.engine.UpdateTaskState(ctx, n, st)
		})

	case s.Tickle != "":
		return h.call(ctx, "tickle", s.Tickle, s.Expect, func(n store.Handle) (engine.State, error) {
			return h.engine.Tickle(ctx, n)
		})

	case s.Advance > 0:
		h.clock.advance(s.Advance)

	case s.Sweep:
		if _, err := h.engine.Sweep(ctx); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
	}
	return nil
}

// report delivers an outcome for the node's pending task, as a worker would.
func (h *Harness) report(nodeID string, out engine.Outcome) {
	t, ok := h.recorder.take(nodeID)
	if !ok {
		h.result.AddError(fmt.Sprintf("no pending task for node %q", nodeID))
		return
	}

	e := TraceEvent{Type: EventOutcome, Node: nodeID, Result: out.Result}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	h.recorder.traced(e)

	t.done(out)
}

// call runs an engine call on the node's latest instance and checks the
// outcome against expect.
func (h *Harness) call(
	ctx context.Context,
	name, nodeID string,
	expect *StepExpect,
	fn func(store.Handle) (engine.State, error),
) error {
	nodes, err := h.engine.Nodes(ctx, h.instance)
	if err != nil {
		return err
	}

	node := store.NoHandle
	for _, n := range nodes {
		if n.NodeID == nodeID {
			node = n.Handle
		}
	}
	if !node.Valid() {
		h.result.AddError(fmt.Sprintf("%s: no instance of node %q", name, nodeID))
		return nil
	}

	i := h.recorder.traced(TraceEvent{Type: EventCall, Call: name, Node: nodeID})
	st, err := fn(node)
	h.recorder.amend(i, func(e *TraceEvent) {
		if err != nil {
			e.Error = err.Error()
			return
		}
		e.State = st.String()
	})

	switch {
	case expect == nil:
		if err != nil {
			h.result.AddError(fmt.Sprintf("%s %s: unexpected error: %v", name, nodeID, err))
		}
	case expect.Error != "":
		if err == nil || !strings.Contains(err.Error(), expect.Error) {
			h.result.AddError(fmt.Sprintf("%s %s: expected error containing %q, got %v", name, nodeID, expect.Error, err))
		}
	case err != nil:
		h.result.AddError(fmt.Sprintf("%s %s: unexpected error: %v", name, nodeID, err))
	case expect.State != "":
		want, _ := engine.ParseState(expect.State)
		if st != want {
			h.result.AddError(fmt.Sprintf("%s %s: expected state %s, got %s", name, nodeID, want, st))
		}
	}
	return nil
}

// InstanceRetired traces the retirement of the scenario's instance.
func (h *Harness) InstanceRetired(context.Context, engine.InstanceSnapshot) {
	h.recorder.traced(TraceEvent{Type: EventRetired})
}

// InstanceCancelled is a no-op; scenarios never shut the engine down.
func (h *Harness) InstanceCancelled(context.Context, engine.InstanceSnapshot) error {
	return nil
}
