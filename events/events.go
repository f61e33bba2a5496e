// Package events defines the closed set of event types recorded in a run's
// log, the per-variant payloads, and the JSON wire shape. The event log is
// the single source of truth: run, step, hook, and stream state are all
// derived from it.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/codec"
)

// Type discriminates event variants. The set is closed: unknown
// discriminators are rejected on decode rather than silently dropped.
type Type string

const (
	TypeRunCreated         Type = "run_created"
	TypeRunStarted         Type = "run_started"
	TypeStepRequested      Type = "step_requested"
	TypeStepStarted        Type = "step_started"
	TypeStepCompleted      Type = "step_completed"
	TypeStepFailed         Type = "step_failed"
	TypeStepRetryScheduled Type = "step_retry_scheduled"
	TypeSleepScheduled     Type = "sleep_scheduled"
	TypeWaitStarted        Type = "wait_started"
	TypeWaitCompleted      Type = "wait_completed"
	TypeHookCreated        Type = "hook_created"
	TypeHookResumed        Type = "hook_resumed"
	TypeStreamOpened       Type = "stream_opened"
	TypeStreamChunk        Type = "stream_chunk"
	TypeStreamClosed       Type = "stream_closed"
	TypeRunCompleted       Type = "run_completed"
	TypeRunFailed          Type = "run_failed"
	TypeRunCancelled       Type = "run_cancelled"
)

var knownTypes = map[Type]struct{}{
	TypeRunCreated: {}, TypeRunStarted: {}, TypeStepRequested: {},
	TypeStepStarted: {}, TypeStepCompleted: {}, TypeStepFailed: {},
	TypeStepRetryScheduled: {}, TypeSleepScheduled: {}, TypeWaitStarted: {},
	TypeWaitCompleted: {}, TypeHookCreated: {}, TypeHookResumed: {},
	TypeStreamOpened: {}, TypeStreamChunk: {}, TypeStreamClosed: {},
	TypeRunCompleted: {}, TypeRunFailed: {}, TypeRunCancelled: {},
}

// Known reports whether t belongs to the closed set.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// TerminalRun reports whether t absorbs the run: no new non-informational
// events may follow it.
func TerminalRun(t Type) bool {
	return t == TypeRunCompleted || t == TypeRunFailed || t == TypeRunCancelled
}

// Informational reports whether t may still be appended (or dropped
// silently) after the run reached a terminal state. Stream traffic from
// late-arriving steps falls in this class.
func Informational(t Type) bool {
	return t == TypeStreamOpened || t == TypeStreamChunk || t == TypeStreamClosed
}

// Event is one entry of a run's append-only log, totally ordered by
// (CreatedAt, ID) within the run.
type Event struct {
	ID            string
	RunID         string
	Type          Type
	CreatedAt     time.Time
	CorrelationID string
	Data          *codec.Encoded
}

// wireEvent is the JSON shape: inline payloads serialize as eventData,
// blob-backed payloads as eventDataRef.
type wireEvent struct {
	EventID       string          `json:"eventId"`
	RunID         string          `json:"runId"`
	EventType     Type            `json:"eventType"`
	CreatedAt     time.Time       `json:"createdAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	EventData     json.RawMessage `json:"eventData,omitempty"`
	EventDataRef  string          `json:"eventDataRef,omitempty"`
}

// MarshalJSON implements the wire shape of §6.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		EventID:       e.ID,
		RunID:         e.RunID,
		EventType:     e.Type,
		CreatedAt:     e.CreatedAt.UTC(),
		CorrelationID: e.CorrelationID,
	}
	if e.Data != nil {
		if e.Data.IsRef() {
			w.EventDataRef = e.Data.Ref
		} else {
			w.EventData = e.Data.Inline
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON rejects unknown event types.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	if !Known(w.EventType) {
		return fmt.Errorf("unknown event type %q", w.EventType)
	}
	e.ID = w.EventID
	e.RunID = w.RunID
	e.Type = w.EventType
	e.CreatedAt = w.CreatedAt
	e.CorrelationID = w.CorrelationID
	e.Data = nil
	if w.EventDataRef != "" {
		e.Data = &codec.Encoded{Ref: w.EventDataRef}
	} else if len(w.EventData) > 0 {
		e.Data = codec.InlineJSON(w.EventData)
	}
	return nil
}

// Less orders events by (CreatedAt, ID); the id tiebreak keeps the order
// total because event ids are ULIDs.
func Less(a, b Event) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
