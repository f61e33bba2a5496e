package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/codec"
)

func TestWireShape(t *testing.T) {
	e := Event{
		ID:            "01JABCDEF0123456789ABCDEFG",
		RunID:         "wrun_01JABCDEF0123456789ABCDEF0",
		Type:          TypeStepCompleted,
		CreatedAt:     time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		CorrelationID: "step//wf.ts//add#1",
		Data:          MustMarshal(StepCompletedData{InstanceID: "step//wf.ts//add#1", Attempt: 1}),
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "step_completed", m["eventType"])
	assert.Contains(t, m, "eventData")
	assert.NotContains(t, m, "eventDataRef")

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, e.Type, back.Type)
	assert.Equal(t, e.CorrelationID, back.CorrelationID)
}

func TestWireShapeBlobRef(t *testing.T) {
	e := Event{
		ID:    "01JX",
		RunID: "wrun_x",
		Type:  TypeRunCompleted,
		Data:  &codec.Encoded{Ref: "blob_9"},
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "blob_9", m["eventDataRef"])
	assert.NotContains(t, m, "eventData")

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NotNil(t, back.Data)
	assert.True(t, back.Data.IsRef())
}

func TestUnknownTypeRejected(t *testing.T) {
	raw := []byte(`{"eventId":"e1","runId":"wrun_x","eventType":"telepathy","createdAt":"2026-08-26T00:00:00Z"}`)
	var e Event
	err := json.Unmarshal(raw, &e)
	assert.ErrorContains(t, err, "unknown event type")
}

func TestClassification(t *testing.T) {
	assert.True(t, TerminalRun(TypeRunCompleted))
	assert.True(t, TerminalRun(TypeRunFailed))
	assert.True(t, TerminalRun(TypeRunCancelled))
	assert.False(t, TerminalRun(TypeStepCompleted))

	assert.True(t, Informational(TypeStreamChunk))
	assert.False(t, Informational(TypeStepStarted))
}

func TestLess(t *testing.T) {
	t0 := time.Now()
	a := Event{ID: "01A", CreatedAt: t0}
	b := Event{ID: "01B", CreatedAt: t0}
	c := Event{ID: "000", CreatedAt: t0.Add(time.Millisecond)}
	assert.True(t, Less(a, b), "id breaks ties")
	assert.True(t, Less(b, c), "time dominates")
}

func TestPayloadRoundTrip(t *testing.T) {
	in := StepRetryScheduledData{
		InstanceID:    "step//a//b#1",
		NextAttempt:   2,
		NextAttemptAt: time.Date(2026, 8, 26, 0, 0, 5, 0, time.UTC),
		Error:         &codec.WireError{Message: "transient"},
	}
	e := Event{Type: TypeStepRetryScheduled, Data: MustMarshal(in)}
	var out StepRetryScheduledData
	require.NoError(t, Unmarshal(e, &out))
	assert.Equal(t, in, out)
}
