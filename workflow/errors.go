package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/codec"
)

// Context misuse sentinels.
var (
	// ErrNotInWorkflowContext is returned by workflow-only APIs invoked
	// outside a replaying workflow.
	ErrNotInWorkflowContext = errors.New("not in workflow context")
	// ErrNotInStepContext is returned by StepInfoFrom outside a step.
	ErrNotInStepContext = errors.New("not in step context")
	// ErrUnavailableInWorkflowContext marks step-only APIs invoked
	// during replay.
	ErrUnavailableInWorkflowContext = errors.New("unavailable in workflow context")
	// ErrUnsupportedLegacyOperation rejects operations a legacy-version
	// run cannot express.
	ErrUnsupportedLegacyOperation = errors.New("unsupported operation for legacy run version")
)

// RetryableError tags a step error for retry, optionally after a fixed
// delay.
type RetryableError struct {
	cause      error
	RetryAfter time.Duration
}

// Retryable wraps err for retry under the step's policy.
func Retryable(err error) *RetryableError {
	return &RetryableError{cause: err}
}

// RetryableAfter wraps err for retry no sooner than after.
func RetryableAfter(err error, after time.Duration) *RetryableError {
	return &RetryableError{cause: err, RetryAfter: after}
}

func (e *RetryableError) Error() string { return e.cause.Error() }
func (e *RetryableError) Unwrap() error { return e.cause }

// FatalError tags a step or workflow error as non-retryable; it becomes
// the instance's terminal failure and bubbles to the workflow.
type FatalError struct {
	cause error
}

// Fatal wraps err as non-retryable.
func Fatal(err error) *FatalError { return &FatalError{cause: err} }

// Fatalf is Fatal with formatting.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{cause: fmt.Errorf(format, args...)}
}

func (e *FatalError) Error() string { return e.cause.Error() }
func (e *FatalError) Unwrap() error { return e.cause }

// NonDeterministicError reports that a replay diverged from the recorded
// log: the workflow function requested a different decision than the one
// on record.
type NonDeterministicError struct {
	RunID   string
	Details string
}

func (e *NonDeterministicError) Error() string {
	return fmt.Sprintf("non-deterministic workflow in run %s: %s", e.RunID, e.Details)
}

// RunNotCompletedError is the normal not-ready answer when a caller asks
// for a run's return value before the run finished. Retry later.
type RunNotCompletedError struct {
	RunID  string
	Status string
}

func (e *RunNotCompletedError) Error() string {
	return fmt.Sprintf("run %s not completed (status %s)", e.RunID, e.Status)
}

// RunFailedError surfaces a failed run to external observers, carrying
// the original cause in wire form.
type RunFailedError struct {
	RunID string
	Cause *codec.WireError
}

func (e *RunFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("run %s failed", e.RunID)
	}
	return fmt.Sprintf("run %s failed: %s", e.RunID, e.Cause.Message)
}

func (e *RunFailedError) Unwrap() error { return e.Cause }

// RetryPolicy bounds step retries. The zero value means "use defaults".
type RetryPolicy struct {
	// InitialInterval is the delay before attempt 2. Default 1s.
	InitialInterval time.Duration
	// BackoffFactor multiplies the delay per attempt. Default 2.
	BackoffFactor float64
	// Jitter is the relative spread applied to each delay. Default 0.2.
	Jitter float64
	// MaxInterval caps the delay. Default 5m.
	MaxInterval time.Duration
	// MaxAttempts caps total attempts. Default 10.
	MaxAttempts int
}

// DefaultRetryPolicy is the engine-wide default for unclassified step
// failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2,
		Jitter:          0.2,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     10,
	}
}

// Merge overlays set fields of p onto the defaults.
func (p RetryPolicy) Merge(base RetryPolicy) RetryPolicy {
	out := base
	if p.InitialInterval > 0 {
		out.InitialInterval = p.InitialInterval
	}
	if p.BackoffFactor > 0 {
		out.BackoffFactor = p.BackoffFactor
	}
	if p.Jitter > 0 {
		out.Jitter = p.Jitter
	}
	if p.MaxInterval > 0 {
		out.MaxInterval = p.MaxInterval
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	return out
}
