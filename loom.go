// Package loom is a durable workflow engine: workflow runs are
// event-sourced logs, workflow functions are replayed deterministically
// against them, and step effects execute exactly once on a pluggable
// backend (the World).
package loom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/dispatch"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/executor"
	"github.com/loomworks/loom/health"
	"github.com/loomworks/loom/hooks"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/replay"
	"github.com/loomworks/loom/runs"
	"github.com/loomworks/loom/world"
)

// CurrentSpecVersion is stamped into every run this client starts.
const CurrentSpecVersion = "4.2.0"

// Client starts, observes, and signals workflow runs. One Client per
// process is the intended shape; it is safe for concurrent use.
type Client struct {
	world      world.World
	reg        *registry.Registry
	codec      *codec.Codec
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	hooks      *hooks.Manager
	prober     *health.Prober
	logger     *zap.Logger
	clock      func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger attaches a logger to the client and everything it builds.
func WithLogger(l *zap.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) ClientOption { return func(c *Client) { c.cfg = cfg } }

// WithClock overrides the wall clock (tests).
func WithClock(fn func() time.Time) ClientOption { return func(c *Client) { c.clock = fn } }

// NewClient wires the engine over w and the frozen registry.
func NewClient(w world.World, reg *registry.Registry, opts ...ClientOption) *Client {
	c := &Client{
		world:  w,
		reg:    reg,
		cfg:    config.Default(),
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.codec = codec.New(
		codec.WithClasses(reg),
		codec.WithBlobStore(w.Blobs(), c.cfg.Codec.BlobThresholdBytes),
	)
	engine := replay.New(reg, c.codec, w.Streams(), replay.WithLogger(c.logger))
	exec := executor.New(reg, c.codec, w,
		executor.WithLogger(c.logger),
		executor.WithDefaultRetryPolicy(c.cfg.Retry.Policy()))
	c.dispatcher = dispatch.New(w, engine, exec, c.cfg.Queue, dispatch.WithLogger(c.logger))
	c.hooks = hooks.NewManager(w, c.codec, c.dispatcher, hooks.WithLogger(c.logger))
	c.prober = health.New(w,
		health.WithLogger(c.logger),
		health.WithTimeout(c.cfg.Health.Timeout))
	return c
}

// Codec exposes the client's payload codec.
func (c *Client) Codec() *codec.Codec { return c.codec }

// Start creates a run of workflowID with args and schedules its first
// tick. It returns the new run id.
func (c *Client) Start(ctx context.Context, workflowID string, args any) (string, error) {
	if _, ok := c.reg.Workflow(workflowID); !ok {
		return "", fmt.Errorf("workflow %q is not registered", workflowID)
	}
	enc, err := c.codec.Encode(ctx, args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	runID := ids.NewRunID()
	created := events.Event{
		ID:        ids.NewEventID(),
		RunID:     runID,
		Type:      events.TypeRunCreated,
		CreatedAt: c.clock(),
		Data: events.MustMarshal(events.RunCreatedData{
			WorkflowID:  workflowID,
			SpecVersion: CurrentSpecVersion,
			Arguments:   enc,
		}),
	}
	if err := c.world.Events().Append(ctx, runID, []events.Event{created}); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := c.dispatcher.EnqueueTick(ctx, runID, runID+":"+created.ID); err != nil {
		return "", err
	}
	c.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("workflow_id", workflowID))
	return runID, nil
}

// GetRun folds the run's log into its observer view.
func (c *Client) GetRun(ctx context.Context, runID string) (*runs.Run, error) {
	log, err := world.LoadAll(ctx, c.world.Events(), runID)
	if err != nil {
		return nil, err
	}
	return runs.Fold(runID, log)
}

// ReturnValue decodes the run's result. It fails with
// *workflow.RunNotCompletedError while the run is still going and
// *workflow.RunFailedError when it failed or was cancelled.
func (c *Client) ReturnValue(ctx context.Context, runID string) (any, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.ReturnValue(ctx, c.codec)
}

// Cancel terminates a run from outside. Cancelling a terminal run is a
// no-op; in-flight step effects are discarded by the terminal-run
// append rule.
func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	cancelled := events.Event{
		ID:        ids.NewEventID(),
		RunID:     runID,
		Type:      events.TypeRunCancelled,
		CreatedAt: c.clock(),
		Data:      events.MustMarshal(events.RunCancelledData{Reason: reason}),
	}
	err := world.AppendLeased(ctx, c.world, runID, []events.Event{cancelled})
	if err != nil && !errors.Is(err, world.ErrTerminalRun) {
		return fmt.Errorf("cancel %s: %w", runID, err)
	}
	// A tick lets waiting observers and parents settle promptly.
	return c.dispatcher.EnqueueTick(ctx, runID, runID+":"+cancelled.ID)
}

// GetHookByToken resolves an outstanding hook token.
func (c *Client) GetHookByToken(ctx context.Context, token string) (*hooks.Hook, error) {
	return c.hooks.GetHookByToken(ctx, token)
}

// ResumeHook delivers the external signal a hook is waiting for.
func (c *Client) ResumeHook(ctx context.Context, token string, data any) error {
	return c.hooks.Resume(ctx, token, data)
}

// HealthCheck probes the queue fabric end to end.
func (c *Client) HealthCheck(ctx context.Context, endpoint health.Endpoint) (*health.Result, error) {
	return c.prober.Check(ctx, endpoint)
}

// Worker consumes this process's queues: the shard's tick queue, one
// queue per registered step, and both health queues.
type Worker struct {
	client      *Client
	concurrency int
	cfgManager  *config.Manager
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of parallel consumers (default 4).
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithConfigManager hot-applies reloaded queue settings to the
// dispatcher while the worker runs.
func WithConfigManager(m *config.Manager) WorkerOption {
	return func(w *Worker) { w.cfgManager = m }
}

// NewWorker returns a Worker over the client's registry and world.
func NewWorker(c *Client, opts ...WorkerOption) *Worker {
	w := &Worker{client: c, concurrency: 4}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Queues lists every queue this worker consumes.
func (w *Worker) Queues() []string {
	queues := []string{
		dispatch.WorkflowQueue(w.client.cfg.Queue.Shard),
		dispatch.WorkflowHealthQueue,
		dispatch.StepHealthQueue,
	}
	for _, stepID := range w.client.reg.StepIDs() {
		queues = append(queues, dispatch.StepQueue(stepID))
	}
	return queues
}

// Run consumes until ctx is done, then drains in-flight handlers.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfgManager != nil {
		w.cfgManager.OnChange(func(cfg *config.Config) {
			w.client.dispatcher.SetQueueConfig(cfg.Queue)
		})
		go func() { _ = w.cfgManager.Watch(ctx) }()
	}

	queues := w.Queues()
	w.client.logger.Info("worker starting",
		zap.Int("concurrency", w.concurrency),
		zap.Int("queues", len(queues)))

	errs := make(chan error, w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() { errs <- w.client.dispatcher.Run(ctx, queues) }()
	}
	var first error
	for i := 0; i < w.concurrency; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	w.client.logger.Info("worker stopped")
	return first
}
