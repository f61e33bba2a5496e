// Package executor performs single step attempts: it records
// step_started, runs the registered step function with a per-attempt
// context, and settles the attempt as completed, failed, or scheduled
// for retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/metrics"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/workflow"
	"github.com/loomworks/loom/world"
)

// Task is one requested step attempt, decoded from a step queue message.
type Task struct {
	WorkflowID        string
	RunID             string
	WorkflowStartedAt time.Time
	StepID            string
	InstanceID        string
	Attempt           int
	Input             *codec.Encoded
}

// Result tells the dispatcher what to schedule next. Exactly one of the
// fields below describes the attempt's fate.
type Result struct {
	// Settled is the terminal event this attempt appended
	// (step_completed or step_failed); the dispatcher follows it with a
	// workflow tick.
	Settled *events.Event
	// Retry asks for the same step payload re-enqueued with the next
	// attempt number, delivered no earlier than NextAttemptAt.
	Retry *RetryDecision
	// Duplicate marks a suppressed attempt: the instance already
	// settled, or the run is terminal. Nothing to schedule.
	Duplicate bool
}

// RetryDecision carries the scheduling parameters of the next attempt.
type RetryDecision struct {
	NextAttempt   int
	NextAttemptAt time.Time
}

// Executor runs step attempts against a world.
type Executor struct {
	reg    *registry.Registry
	codec  *codec.Codec
	world  world.World
	logger *zap.Logger
	retry  workflow.RetryPolicy
	clock  func() time.Time
	rng    func() float64
}

// Option configures the executor.
type Option func(*Executor)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithDefaultRetryPolicy replaces the engine-wide retry defaults.
func WithDefaultRetryPolicy(p workflow.RetryPolicy) Option {
	return func(e *Executor) { e.retry = p.Merge(workflow.DefaultRetryPolicy()) }
}

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option { return func(e *Executor) { e.clock = fn } }

// WithJitterSource overrides the jitter randomness (tests).
func WithJitterSource(fn func() float64) Option { return func(e *Executor) { e.rng = fn } }

// New returns an Executor over the frozen registry and world.
func New(reg *registry.Registry, c *codec.Codec, w world.World, opts ...Option) *Executor {
	e := &Executor{
		reg:    reg,
		codec:  c,
		world:  w,
		logger: zap.NewNop(),
		retry:  workflow.DefaultRetryPolicy(),
		clock:  time.Now,
		rng:    rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute performs one attempt of task. The ctx deadline is the
// message's clamped lifetime; step code receives it directly. An error
// return means infrastructure trouble and the message should be
// redelivered.
func (e *Executor) Execute(ctx context.Context, task *Task) (*Result, error) {
	log, err := world.LoadAll(ctx, e.world.Events(), task.RunID)
	if err != nil {
		return nil, fmt.Errorf("load log of %s: %w", task.RunID, err)
	}
	view := scanLog(log, task.InstanceID)
	if view.terminalRun || view.settled {
		// Duplicate delivery after the instance (or the whole run)
		// already settled. Exactly-once holds by suppressing the
		// attempt, not by trusting the queue.
		metrics.StepsExecuted.WithLabelValues("duplicate").Inc()
		return &Result{Duplicate: true}, nil
	}

	entry, ok := e.reg.Step(task.StepID)
	if !ok {
		return e.settle(ctx, task, nil, &codec.WireError{
			Message: fmt.Sprintf("step %q is not registered", task.StepID),
			Code:    "step_not_registered",
		})
	}
	policy := entry.Retry.Merge(e.retry)

	input := task.Input
	if input == nil {
		input = view.requestedInput
	}

	startedAt := e.clock()
	started := events.Event{
		ID:            ids.NewEventID(),
		RunID:         task.RunID,
		Type:          events.TypeStepStarted,
		CreatedAt:     startedAt,
		CorrelationID: task.InstanceID,
		Data: events.MustMarshal(events.StepStartedData{
			InstanceID: task.InstanceID,
			Attempt:    task.Attempt,
		}),
	}
	if err := world.AppendLeased(ctx, e.world, task.RunID, []events.Event{started}); err != nil {
		if errors.Is(err, world.ErrTerminalRun) {
			metrics.StepsExecuted.WithLabelValues("duplicate").Inc()
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("append step_started for %s: %w", task.InstanceID, err)
	}

	sink := newStreamSink(e.world, task.RunID)
	stepCtx := workflow.WithStepInfo(ctx, &workflow.StepInfo{
		RunID:      task.RunID,
		WorkflowID: task.WorkflowID,
		StepID:     task.StepID,
		InstanceID: task.InstanceID,
		Attempt:    task.Attempt,
		StartedAt:  startedAt,
		Streams:    sink,
		Logger: e.logger.With(
			zap.String("run_id", task.RunID),
			zap.String("step_instance", task.InstanceID),
			zap.Int("attempt", task.Attempt)),
	})

	decoded, err := e.codec.Decode(stepCtx, input)
	if err != nil {
		return e.settle(ctx, task, nil, &codec.WireError{
			Message: fmt.Sprintf("decode step input: %v", err),
			Code:    codec.CodeEncodeFailure,
		})
	}

	value, stepErr := e.invoke(entry.Fn, stepCtx, decoded)
	metrics.StepDuration.Observe(e.clock().Sub(startedAt).Seconds())

	if stepErr == nil {
		out, encErr := e.codec.Encode(ctx, value)
		if encErr != nil {
			// The value cannot cross the log. Non-retryable: the next
			// attempt would produce the same unencodable value.
			return e.settle(ctx, task, nil, e.codec.EncodeError(encErr))
		}
		return e.settle(ctx, task, out, nil)
	}
	return e.settleError(ctx, task, policy, stepErr)
}

// invoke runs the step function, converting panics into errors.
func (e *Executor) invoke(fn workflow.StepFunc, ctx context.Context, input any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

// settleError classifies a step failure and either schedules a retry or
// settles the instance as failed.
func (e *Executor) settleError(ctx context.Context, task *Task, policy workflow.RetryPolicy, stepErr error) (*Result, error) {
	var fatal *workflow.FatalError
	if errors.As(stepErr, &fatal) {
		return e.settle(ctx, task, nil, e.codec.EncodeError(fatal.Unwrap()))
	}

	if task.Attempt >= policy.MaxAttempts {
		return e.settle(ctx, task, nil, e.codec.EncodeError(stepErr))
	}

	// RetryableError, context deadline (lifetime expiry), and anything
	// unclassified all retry under the policy.
	delay := e.backoff(policy, task.Attempt)
	var retryable *workflow.RetryableError
	if errors.As(stepErr, &retryable) && retryable.RetryAfter > 0 {
		delay = retryable.RetryAfter
	}

	nextAt := e.clock().Add(delay)
	scheduled := events.Event{
		ID:            ids.NewEventID(),
		RunID:         task.RunID,
		Type:          events.TypeStepRetryScheduled,
		CreatedAt:     e.clock(),
		CorrelationID: task.InstanceID,
		Data: events.MustMarshal(events.StepRetryScheduledData{
			InstanceID:    task.InstanceID,
			NextAttempt:   task.Attempt + 1,
			NextAttemptAt: nextAt,
			Error:         e.codec.EncodeError(stepErr),
		}),
	}
	if err := world.AppendLeased(ctx, e.world, task.RunID, []events.Event{scheduled}); err != nil {
		if errors.Is(err, world.ErrTerminalRun) {
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("append step_retry_scheduled for %s: %w", task.InstanceID, err)
	}

	e.logger.Info("step retry scheduled",
		zap.String("run_id", task.RunID),
		zap.String("step_instance", task.InstanceID),
		zap.Int("next_attempt", task.Attempt+1),
		zap.Time("next_attempt_at", nextAt),
		zap.String("error", stepErr.Error()))
	metrics.StepsExecuted.WithLabelValues("retry").Inc()
	metrics.StepRetries.Inc()
	return &Result{Retry: &RetryDecision{NextAttempt: task.Attempt + 1, NextAttemptAt: nextAt}}, nil
}

// settle appends the instance's terminal event. Exactly one of output
// and cause is set.
func (e *Executor) settle(ctx context.Context, task *Task, output *codec.Encoded, cause *codec.WireError) (*Result, error) {
	var ev events.Event
	if cause == nil {
		ev = events.Event{
			ID:            ids.NewEventID(),
			RunID:         task.RunID,
			Type:          events.TypeStepCompleted,
			CreatedAt:     e.clock(),
			CorrelationID: task.InstanceID,
			Data: events.MustMarshal(events.StepCompletedData{
				InstanceID: task.InstanceID,
				Attempt:    task.Attempt,
				Output:     output,
			}),
		}
		metrics.StepsExecuted.WithLabelValues("completed").Inc()
	} else {
		ev = events.Event{
			ID:            ids.NewEventID(),
			RunID:         task.RunID,
			Type:          events.TypeStepFailed,
			CreatedAt:     e.clock(),
			CorrelationID: task.InstanceID,
			Data: events.MustMarshal(events.StepFailedData{
				InstanceID: task.InstanceID,
				Attempt:    task.Attempt,
				Error:      cause,
			}),
		}
		e.logger.Warn("step failed",
			zap.String("run_id", task.RunID),
			zap.String("step_instance", task.InstanceID),
			zap.String("error", cause.Message))
		metrics.StepsExecuted.WithLabelValues("failed").Inc()
	}
	if err := world.AppendLeased(ctx, e.world, task.RunID, []events.Event{ev}); err != nil {
		if errors.Is(err, world.ErrTerminalRun) {
			// Cancelled meanwhile; the effect is discarded by rule.
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("append %s for %s: %w", ev.Type, task.InstanceID, err)
	}
	return &Result{Settled: &ev}, nil
}

// backoff computes the delay before attempt n+1 after attempt n failed:
// capped exponential with relative jitter.
func (e *Executor) backoff(p workflow.RetryPolicy, attempt int) time.Duration {
	d := time.Duration(float64(p.InitialInterval) * pow(p.BackoffFactor, attempt-1))
	if d > p.MaxInterval || d <= 0 {
		d = p.MaxInterval
	}
	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*e.rng()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// logView is the minimal read model Execute needs.
type logView struct {
	terminalRun    bool
	settled        bool
	requestedInput *codec.Encoded
}

func scanLog(log []events.Event, instanceID string) *logView {
	v := &logView{}
	for _, ev := range log {
		switch ev.Type {
		case events.TypeRunCompleted, events.TypeRunFailed, events.TypeRunCancelled:
			v.terminalRun = true
		case events.TypeStepRequested:
			if ev.CorrelationID == instanceID {
				var d events.StepRequestedData
				if events.Unmarshal(ev, &d) == nil {
					v.requestedInput = d.Input
				}
			}
		case events.TypeStepCompleted, events.TypeStepFailed:
			if ev.CorrelationID == instanceID {
				v.settled = true
			}
		}
	}
	return v
}
