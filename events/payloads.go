package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/codec"
)

// Per-variant payloads. Each is stored codec-encoded in Event.Data; the
// CorrelationID of the carrying event is the instance id (steps, sleeps)
// or the token (hooks).

// RunCreatedData records the workflow identity and encoded arguments.
type RunCreatedData struct {
	WorkflowID  string         `json:"workflowId"`
	SpecVersion string         `json:"specVersion"`
	Arguments   *codec.Encoded `json:"arguments,omitempty"`
}

// StepRequestedData asks for one attempt of a step instance.
type StepRequestedData struct {
	StepID     string         `json:"stepId"`
	InstanceID string         `json:"stepInstanceId"`
	Input      *codec.Encoded `json:"input,omitempty"`
}

// StepStartedData marks the beginning of attempt N.
type StepStartedData struct {
	InstanceID string `json:"stepInstanceId"`
	Attempt    int    `json:"attempt"`
}

// StepCompletedData carries the encoded return value of the attempt that
// settled the instance.
type StepCompletedData struct {
	InstanceID string         `json:"stepInstanceId"`
	Attempt    int            `json:"attempt"`
	Output     *codec.Encoded `json:"output,omitempty"`
}

// StepFailedData is the non-retryable terminal outcome of an instance.
type StepFailedData struct {
	InstanceID string           `json:"stepInstanceId"`
	Attempt    int              `json:"attempt"`
	Error      *codec.WireError `json:"error"`
}

// StepRetryScheduledData schedules the next attempt.
type StepRetryScheduledData struct {
	InstanceID    string           `json:"stepInstanceId"`
	NextAttempt   int              `json:"nextAttempt"`
	NextAttemptAt time.Time        `json:"nextAttemptAt"`
	Error         *codec.WireError `json:"error,omitempty"`
}

// SleepScheduledData carries the absolute wake time.
type SleepScheduledData struct {
	InstanceID string    `json:"instanceId"`
	WakeAt     time.Time `json:"wakeAt"`
}

// WaitCompletedData settles a sleep or generic wait instance.
type WaitCompletedData struct {
	InstanceID string `json:"instanceId"`
}

// HookCreatedData records a durable pause point and its freshly minted
// token.
type HookCreatedData struct {
	Token    string         `json:"token"`
	Metadata *codec.Encoded `json:"metadata,omitempty"`
}

// HookResumedData carries the external signal's encoded payload.
type HookResumedData struct {
	Token   string         `json:"token"`
	Payload *codec.Encoded `json:"payload,omitempty"`
}

// StreamOpenedData / StreamClosedData bracket a named stream's lifetime.
// Chunk bytes live in the StreamStore, not in the log.
type StreamOpenedData struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind,omitempty"` // "bytes" or "json-chunks"
}

type StreamClosedData struct {
	Name string `json:"name"`
}

// RunCompletedData carries the workflow's encoded return value.
type RunCompletedData struct {
	Output *codec.Encoded `json:"output,omitempty"`
}

// RunFailedData carries the encoded cause; Code is "panic" when the
// workflow threw something not tagged fatal.
type RunFailedData struct {
	Error *codec.WireError `json:"error"`
}

// RunCancelledData records the external cancellation reason.
type RunCancelledData struct {
	Reason string `json:"reason,omitempty"`
}

// Marshal encodes a payload struct into an inline Encoded value.
func Marshal(data any) (*codec.Encoded, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return codec.InlineJSON(raw), nil
}

// MustMarshal is Marshal for payload structs that cannot fail.
func MustMarshal(data any) *codec.Encoded {
	enc, err := Marshal(data)
	if err != nil {
		panic(err)
	}
	return enc
}

// Unmarshal decodes an event's inline payload into out. Blob-backed
// payloads must be resolved through the codec first.
func Unmarshal(e Event, out any) error {
	if e.Data == nil {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	if e.Data.IsRef() {
		return fmt.Errorf("event %s data is blob-backed (%s)", e.ID, e.Data.Ref)
	}
	if err := json.Unmarshal(e.Data.Inline, out); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", e.Type, err)
	}
	return nil
}
