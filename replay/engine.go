// Package replay is the deterministic re-execution engine. A tick runs
// the workflow function from the beginning against a prefix of the run's
// event log: recorded decisions are replayed, the first unresolved
// side-effect request is emitted as new events, and the tick either
// suspends or terminates the run.
package replay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/workflow"
	"github.com/loomworks/loom/world"
)

// Outcome classifies a tick.
type Outcome int

const (
	// OutcomeSuspended: the tick ended without terminating the run; any
	// NewEvents are fresh side-effect requests to schedule.
	OutcomeSuspended Outcome = iota
	// OutcomeCompleted: the run finished with a value.
	OutcomeCompleted
	// OutcomeFailed: the run finished with a failure.
	OutcomeFailed
)

// Result is the product of one tick. NewEvents must be appended
// atomically by the caller holding the run's write lease.
type Result struct {
	Outcome   Outcome
	NewEvents []events.Event
}

// Engine replays workflow functions against event logs.
type Engine struct {
	reg     *registry.Registry
	codec   *codec.Codec
	streams world.StreamStore
	logger  *zap.Logger
	clock   func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the clock used to stamp newly emitted events.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.clock = fn } }

// New returns an Engine over the frozen registry.
func New(reg *registry.Registry, c *codec.Codec, streams world.StreamStore, opts ...Option) *Engine {
	e := &Engine{reg: reg, codec: c, streams: streams, logger: zap.NewNop(), clock: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// errSuspend unwinds the workflow goroutine when replay reaches the
// first unresolved decision.
var errSuspend = errors.New("workflow tick suspended")

type suspendSignal struct{}

// Tick replays the workflow over log (ascending order). It never writes;
// the caller appends Result.NewEvents and schedules follow-up messages.
func (e *Engine) Tick(ctx context.Context, runID string, log []events.Event) (*Result, error) {
	idx, err := buildIndex(log)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", runID, err)
	}
	if idx.terminal != nil {
		// Terminal states are absorbing; a stray tick is a no-op.
		out := OutcomeCompleted
		if idx.terminal.Type != events.TypeRunCompleted {
			out = OutcomeFailed
		}
		return &Result{Outcome: out}, nil
	}

	res := &Result{Outcome: OutcomeSuspended}
	if !idx.started {
		res.NewEvents = append(res.NewEvents, e.newEvent(runID, events.TypeRunStarted, "", nil))
	}

	wf, ok := e.reg.Workflow(idx.created.WorkflowID)
	if !ok {
		e.logger.Error("workflow not registered",
			zap.String("run_id", runID),
			zap.String("workflow_id", idx.created.WorkflowID))
		return e.failRun(res, runID, &codec.WireError{
			Message: fmt.Sprintf("workflow %q is not registered", idx.created.WorkflowID),
			Code:    "workflow_not_registered",
		}), nil
	}

	args, err := e.codec.Decode(ctx, idx.created.Arguments)
	if err != nil {
		return nil, fmt.Errorf("decode arguments of %s: %w", runID, err)
	}

	wctx := newWorkflowContext(ctx, e, idx, runID, args)
	value, wfErr := e.invoke(wf.Fn, wctx)

	switch {
	case errors.Is(wfErr, errSuspend):
		res.NewEvents = append(res.NewEvents, wctx.pending...)
		return res, nil

	case wfErr == nil:
		if details := idx.unconsumed(); details != "" {
			nd := &workflow.NonDeterministicError{RunID: runID, Details: details}
			return e.failRun(res, runID, &codec.WireError{Message: nd.Error(), Code: "nondeterminism"}), nil
		}
		out, encErr := e.codec.Encode(ctx, value)
		if encErr != nil {
			return e.failRun(res, runID, e.codec.EncodeError(encErr)), nil
		}
		res.Outcome = OutcomeCompleted
		res.NewEvents = append(res.NewEvents, wctx.pending...)
		res.NewEvents = append(res.NewEvents, e.newEvent(runID, events.TypeRunCompleted, "",
			events.MustMarshal(events.RunCompletedData{Output: out})))
		return res, nil

	default:
		return e.failRun(res, runID, e.classifyFailure(runID, wfErr)), nil
	}
}

// invoke runs the body, converting the suspend signal and panics into
// errors.
func (e *Engine) invoke(fn workflow.Func, wctx *wfContext) (value any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(suspendSignal); ok {
			err = errSuspend
			return
		}
		err = &panicError{value: r, stack: debug.Stack()}
	}()
	return fn(wctx)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("workflow panic: %v", p.value) }

func (e *Engine) classifyFailure(runID string, err error) *codec.WireError {
	var fatal *workflow.FatalError
	if errors.As(err, &fatal) {
		return e.codec.EncodeError(fatal.Unwrap())
	}
	var wire *codec.WireError
	if errors.As(err, &wire) {
		// A step's terminal failure returned from the body unchanged.
		return wire
	}
	var pe *panicError
	if errors.As(err, &pe) {
		if nd, ok := pe.value.(*workflow.NonDeterministicError); ok {
			return &codec.WireError{Message: nd.Error(), Code: "nondeterminism"}
		}
		e.logger.Error("workflow panicked",
			zap.String("run_id", runID), zap.Any("panic", pe.value))
		return &codec.WireError{Message: pe.Error(), Stack: string(pe.stack), Code: "panic"}
	}
	// Any other thrown value is a bug in the workflow body.
	return &codec.WireError{Message: err.Error(), Code: "panic"}
}

func (e *Engine) failRun(res *Result, runID string, cause *codec.WireError) *Result {
	res.Outcome = OutcomeFailed
	res.NewEvents = append(res.NewEvents, e.newEvent(runID, events.TypeRunFailed, "",
		events.MustMarshal(events.RunFailedData{Error: cause})))
	return res
}

func (e *Engine) newEvent(runID string, typ events.Type, correlationID string, data *codec.Encoded) events.Event {
	return events.Event{
		ID:            ids.NewEventID(),
		RunID:         runID,
		Type:          typ,
		CreatedAt:     e.clock(),
		CorrelationID: correlationID,
		Data:          data,
	}
}
