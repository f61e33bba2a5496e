// Package dispatch routes queue messages: workflow ticks, step
// attempts, and health probes. It enforces the per-message lifetime
// budget and translates engine results back into queue traffic.
package dispatch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/codec"
)

// Queue name conventions. Step ids are escaped because they contain
// slashes and other characters queue backends reject.
const (
	workflowQueuePrefix = "__wkf_workflow_"
	stepQueuePrefix     = "__wkf_step_"

	// WorkflowHealthQueue and StepHealthQueue receive health probes.
	WorkflowHealthQueue = "__wkf_workflow_health_check"
	StepHealthQueue     = "__wkf_step_health_check"
)

// WorkflowQueue names the tick queue of a shard (shard may be empty).
func WorkflowQueue(shard string) string {
	return workflowQueuePrefix + shard
}

// StepQueue names the per-step queue of stepID.
func StepQueue(stepID string) string {
	return stepQueuePrefix + url.QueryEscape(stepID)
}

// queueKind classifies a queue name for routing and metrics.
func queueKind(queue string) string {
	switch {
	case queue == WorkflowHealthQueue || queue == StepHealthQueue:
		return "health"
	case strings.HasPrefix(queue, stepQueuePrefix):
		return "step"
	case strings.HasPrefix(queue, workflowQueuePrefix):
		return "workflow"
	default:
		return "unknown"
	}
}

// tickPayload asks for one replay tick of a run. Wake, when set, is the
// sleep instance this delivery settles before ticking.
type tickPayload struct {
	RunID string `json:"runId"`
	Wake  string `json:"wake,omitempty"`
}

// stepPayload asks for one step attempt.
type stepPayload struct {
	WorkflowName      string         `json:"workflowName"`
	WorkflowRunID     string         `json:"workflowRunId"`
	WorkflowStartedAt int64          `json:"workflowStartedAt"` // unix ms
	StepID            string         `json:"stepId"`
	StepInstanceID    string         `json:"stepInstanceId"`
	Attempt           int            `json:"attempt"`
	Input             *codec.Encoded `json:"input,omitempty"`
}

// healthPayload marks a probe message; any queue's handler answers it on
// the probe's response stream instead of doing real work.
type healthPayload struct {
	HealthCheck   bool   `json:"__healthCheck"`
	CorrelationID string `json:"correlationId"`
}

// healthResponse is the single JSON line written to the response stream.
type healthResponse struct {
	Healthy       bool   `json:"healthy"`
	Endpoint      string `json:"endpoint"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"` // unix ms
}

// HealthStreamName names the response stream of a probe.
func HealthStreamName(correlationID string) string {
	return "__health_check__" + correlationID
}

// badMessageError rejects a malformed payload; the dispatcher drops the
// message rather than retrying it.
type badMessageError struct {
	queue string
	cause error
}

func (e *badMessageError) Error() string {
	return fmt.Sprintf("bad message on %s: %v", e.queue, e.cause)
}

func (e *badMessageError) Unwrap() error { return e.cause }

func isHealthPayload(raw []byte) (*healthPayload, bool) {
	var p healthPayload
	if err := json.Unmarshal(raw, &p); err != nil || !p.HealthCheck || p.CorrelationID == "" {
		return nil, false
	}
	return &p, true
}

// remainingLifetime is the handler budget left for a message:
// maxAge − buffer − age. At or below zero the handler must not run and
// the message is re-enqueued with a fresh budget.
func remainingLifetime(createdAt, now time.Time, maxAge, buffer time.Duration) time.Duration {
	return maxAge - buffer - now.Sub(createdAt)
}
