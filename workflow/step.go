package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StreamSink is the writable side-channel to this run's named streams,
// available to step code.
type StreamSink interface {
	WriteChunk(ctx context.Context, name string, chunk []byte) error
	CloseStream(ctx context.Context, name string) error
}

// StepInfo is the per-attempt context exposed to step code.
type StepInfo struct {
	RunID      string
	WorkflowID string
	StepID     string
	InstanceID string
	Attempt    int
	StartedAt  time.Time
	Streams    StreamSink
	Logger     *zap.Logger
}

type stepInfoKey struct{}
type workflowMarkKey struct{}

// WithStepInfo attaches step metadata to ctx; called by the executor.
func WithStepInfo(ctx context.Context, info *StepInfo) context.Context {
	return context.WithValue(ctx, stepInfoKey{}, info)
}

// MarkWorkflowContext tags ctx as belonging to a replaying workflow so
// step-only APIs can refuse it; called by the replay engine.
func MarkWorkflowContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, workflowMarkKey{}, true)
}

// StepInfoFrom returns the current step's metadata. It fails with
// ErrUnavailableInWorkflowContext during replay and ErrNotInStepContext
// everywhere else outside a step.
func StepInfoFrom(ctx context.Context) (*StepInfo, error) {
	if info, ok := ctx.Value(stepInfoKey{}).(*StepInfo); ok {
		return info, nil
	}
	if ok, _ := ctx.Value(workflowMarkKey{}).(bool); ok {
		return nil, ErrUnavailableInWorkflowContext
	}
	return nil, ErrNotInStepContext
}
