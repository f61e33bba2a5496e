package runs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/workflow"
)

var t0 = time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

func created(version string) events.Event {
	return events.Event{
		ID: "01A", RunID: "wrun_r", Type: events.TypeRunCreated, CreatedAt: t0,
		Data: events.MustMarshal(events.RunCreatedData{WorkflowID: "wf", SpecVersion: version}),
	}
}

func TestFoldLifecycle(t *testing.T) {
	log := []events.Event{created("4.2.0")}
	r, err := Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "wf", r.WorkflowID)
	assert.False(t, r.Legacy)

	log = append(log, events.Event{ID: "01B", Type: events.TypeRunStarted, CreatedAt: t0.Add(time.Second)})
	r, err = Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	require.NotNil(t, r.StartedAt)

	log = append(log, events.Event{
		ID: "01C", Type: events.TypeRunCompleted, CreatedAt: t0.Add(2 * time.Second),
		CorrelationID: "",
		Data:          events.MustMarshal(events.RunCompletedData{Output: codec.InlineJSON([]byte(`5`))}),
	})
	r, err = Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)

	v, err := r.ReturnValue(context.Background(), codec.New())
	require.NoError(t, err)
	assert.Equal(t, json.Number("5"), v)
}

func TestFoldPaused(t *testing.T) {
	log := []events.Event{
		created("4.2.0"),
		{ID: "01B", Type: events.TypeRunStarted, CreatedAt: t0},
		{ID: "01C", Type: events.TypeHookCreated, CreatedAt: t0, CorrelationID: "tok",
			Data: events.MustMarshal(events.HookCreatedData{Token: "tok"})},
	}
	r, err := Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, r.Status)

	// A step still in flight keeps the run running.
	log = append(log, events.Event{ID: "01D", Type: events.TypeStepRequested, CreatedAt: t0, CorrelationID: "step//f//g#1",
		Data: events.MustMarshal(events.StepRequestedData{StepID: "step//f//g", InstanceID: "step//f//g#1"})})
	r, err = Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)

	// Resuming the hook and settling the step goes back through paused rules.
	log = append(log,
		events.Event{ID: "01E", Type: events.TypeStepCompleted, CreatedAt: t0, CorrelationID: "step//f//g#1",
			Data: events.MustMarshal(events.StepCompletedData{InstanceID: "step//f//g#1", Attempt: 1})},
		events.Event{ID: "01F", Type: events.TypeHookResumed, CreatedAt: t0, CorrelationID: "tok",
			Data: events.MustMarshal(events.HookResumedData{Token: "tok"})},
	)
	r, err = Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
}

func TestFoldFailedAndNotCompleted(t *testing.T) {
	log := []events.Event{
		created("4.2.0"),
		{ID: "01B", Type: events.TypeRunStarted, CreatedAt: t0},
	}
	r, err := Fold("wrun_r", log)
	require.NoError(t, err)

	_, err = r.ReturnValue(context.Background(), codec.New())
	var notDone *workflow.RunNotCompletedError
	require.True(t, errors.As(err, &notDone))
	assert.Equal(t, "running", notDone.Status)

	log = append(log, events.Event{
		ID: "01C", Type: events.TypeRunFailed, CreatedAt: t0,
		Data: events.MustMarshal(events.RunFailedData{Error: &codec.WireError{Message: "bad"}}),
	})
	r, err = Fold("wrun_r", log)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)

	_, err = r.ReturnValue(context.Background(), codec.New())
	var failed *workflow.RunFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "bad", failed.Cause.Message)
}

func TestFoldLegacyGate(t *testing.T) {
	r, err := Fold("wrun_r", []events.Event{created("4.0.9")})
	require.NoError(t, err)
	assert.True(t, r.Legacy)

	r, err = Fold("wrun_r", []events.Event{created("4.1.0-beta.0")})
	require.NoError(t, err)
	assert.False(t, r.Legacy)
}

func TestFoldEmpty(t *testing.T) {
	_, err := Fold("wrun_missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
