// Package runs derives run state from the event log. Nothing here is
// authoritative on its own: a Run is a fold over the ordered events of a
// single run, recomputed on demand.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/workflow"
)

// Status is the derived lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MinModernSpecVersion gates the modern event-sourced feature set; runs
// created below it follow the legacy compatibility path.
const MinModernSpecVersion = "4.1.0-beta.0"

// ErrNotFound means the run has no events at all.
var ErrNotFound = errors.New("run not found")

// Run is the observer-facing view of one workflow invocation.
type Run struct {
	ID          string
	WorkflowID  string
	SpecVersion string
	Status      Status
	Legacy      bool
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Arguments   *codec.Encoded

	output  *codec.Encoded
	failure *codec.WireError
}

// Fold reduces a run's ascending event log to its current state.
func Fold(runID string, log []events.Event) (*Run, error) {
	if len(log) == 0 {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	r := &Run{ID: runID, Status: StatusPending}
	pendingSteps := map[string]bool{}
	pendingSleeps := map[string]bool{}
	pendingHooks := map[string]bool{}

	for _, e := range log {
		switch e.Type {
		case events.TypeRunCreated:
			var d events.RunCreatedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			r.WorkflowID = d.WorkflowID
			r.SpecVersion = d.SpecVersion
			r.Arguments = d.Arguments
			r.CreatedAt = e.CreatedAt
		case events.TypeRunStarted:
			at := e.CreatedAt
			r.StartedAt = &at
			r.Status = StatusRunning
		case events.TypeStepRequested:
			pendingSteps[e.CorrelationID] = true
		case events.TypeStepCompleted, events.TypeStepFailed:
			delete(pendingSteps, e.CorrelationID)
		case events.TypeSleepScheduled:
			pendingSleeps[e.CorrelationID] = true
		case events.TypeWaitCompleted:
			delete(pendingSleeps, e.CorrelationID)
		case events.TypeHookCreated:
			pendingHooks[e.CorrelationID] = true
		case events.TypeHookResumed:
			delete(pendingHooks, e.CorrelationID)
		case events.TypeRunCompleted:
			var d events.RunCompletedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			r.output = d.Output
			r.setTerminal(StatusCompleted, e.CreatedAt)
		case events.TypeRunFailed:
			var d events.RunFailedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			r.failure = d.Error
			r.setTerminal(StatusFailed, e.CreatedAt)
		case events.TypeRunCancelled:
			r.setTerminal(StatusCancelled, e.CreatedAt)
		}
	}

	// Paused is a view, not a stored flag: running with every
	// outstanding wait being a hook or sleep.
	if r.Status == StatusRunning && len(pendingSteps) == 0 &&
		(len(pendingSleeps) > 0 || len(pendingHooks) > 0) {
		r.Status = StatusPaused
	}

	r.Legacy = IsLegacyVersion(r.SpecVersion)
	return r, nil
}

// IsLegacyVersion reports whether specVersion predates the modern
// event-sourced feature set.
func IsLegacyVersion(specVersion string) bool {
	if specVersion == "" {
		return false
	}
	v, err := semver.NewVersion(specVersion)
	if err != nil {
		return false
	}
	return v.LessThan(semver.MustParse(MinModernSpecVersion))
}

func (r *Run) setTerminal(s Status, at time.Time) {
	if r.Status.Terminal() {
		return
	}
	r.Status = s
	r.CompletedAt = &at
}

// ReturnValue yields the decoded workflow result. Before completion it
// fails with RunNotCompletedError (retry later); after failure it fails
// with RunFailedError carrying the recorded cause.
func (r *Run) ReturnValue(ctx context.Context, c *codec.Codec) (any, error) {
	switch r.Status {
	case StatusCompleted:
		return c.Decode(ctx, r.output)
	case StatusFailed:
		return nil, &workflow.RunFailedError{RunID: r.ID, Cause: r.failure}
	case StatusCancelled:
		return nil, &workflow.RunFailedError{RunID: r.ID, Cause: &codec.WireError{Message: "run cancelled", Code: "cancelled"}}
	default:
		return nil, &workflow.RunNotCompletedError{RunID: r.ID, Status: string(r.Status)}
	}
}

// Failure exposes the recorded failure cause, nil unless failed.
func (r *Run) Failure() *codec.WireError { return r.failure }
