// Package workflow is the API surface visible to workflow and step code.
// A workflow function is an ordinary function over a deterministic
// Context: every side effect goes through a step, every pause through a
// sleep or hook, and the engine replays recorded outcomes instead of
// re-doing them.
package workflow

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
)

// Func is a workflow body. It is re-executed from the beginning on every
// tick; it must not read wall-clock time, generate randomness, or touch
// process-global mutable state except through ctx.
type Func func(ctx Context) (any, error)

// StepFunc is a side-effectful step. It runs at most once per recorded
// outcome; ctx carries the attempt's deadline and, via StepInfoFrom, the
// step's run metadata and stream side-channel.
type StepFunc func(ctx context.Context, input any) (any, error)

// Hook is a durable pause point created inside a workflow. The token is
// handed to external systems; AwaitHook suspends until one of them
// resumes it.
type Hook struct {
	Token string
}

// Context is the deterministic execution context of a workflow body. It
// embeds context.Context so workflow code can call context-aware
// libraries; the embedded context is cancelled when the tick's message
// lifetime expires.
type Context interface {
	context.Context

	// RunID returns the current run's id.
	RunID() string
	// WorkflowID returns the registered workflow identifier.
	WorkflowID() string
	// Arguments returns the decoded start arguments.
	Arguments() any

	// Step requests one exactly-once execution of the registered step
	// and returns its recorded result. The error is the step's terminal
	// failure (fatal after retries were exhausted or forbidden).
	Step(stepID string, input any) (any, error)
	// Sleep pauses the workflow durably for at least d.
	Sleep(d time.Duration) error
	// CreateHook mints a durable pause point. The token is stable
	// across replays.
	CreateHook(metadata any) (Hook, error)
	// AwaitHook suspends until the hook is resumed and returns the
	// decoded resume payload.
	AwaitHook(h Hook) (any, error)

	// Stream returns a reference value for a named stream of this run;
	// the reference can be passed to steps, which do the actual I/O.
	Stream(name string) codec.StreamRef
	// ReadStream returns the full chunk sequence of a named stream,
	// suspending until the stream is closed so the result is stable
	// across replays.
	ReadStream(name string) ([][]byte, error)

	// Now is the deterministic replay-time clock.
	Now() time.Time
	// Random is a deterministic source seeded from the run id.
	Random() *rand.Rand
	// NewID returns a deterministic unique id (stable across replays).
	NewID() string

	// Logger is safe to use from workflow code; output is advisory and
	// not recorded.
	Logger() *zap.Logger
}
