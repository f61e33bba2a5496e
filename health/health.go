// Package health probes the queue fabric end to end: it drops a marker
// message on a real queue and waits for the dispatcher to answer on the
// probe's response stream.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/dispatch"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/streams"
	"github.com/loomworks/loom/world"
)

// Endpoint selects which queue variant to probe.
type Endpoint string

const (
	EndpointWorkflow Endpoint = "workflow"
	EndpointStep     Endpoint = "step"
)

// Result is the probe verdict.
type Result struct {
	Healthy bool
	Error   string
}

// Prober runs health checks against one world.
type Prober struct {
	world   world.World
	logger  *zap.Logger
	timeout time.Duration
	poll    time.Duration
	clock   func() time.Time
}

// Option configures the prober.
type Option func(*Prober)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(p *Prober) { p.logger = l } }

// WithTimeout bounds the wait for a response (default 30s).
func WithTimeout(d time.Duration) Option { return func(p *Prober) { p.timeout = d } }

// WithPollInterval tunes the response stream poll cadence.
func WithPollInterval(d time.Duration) Option { return func(p *Prober) { p.poll = d } }

// New returns a Prober.
func New(w world.World, opts ...Option) *Prober {
	p := &Prober{
		world:   w,
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
		poll:    100 * time.Millisecond,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type probePayload struct {
	HealthCheck   bool   `json:"__healthCheck"`
	CorrelationID string `json:"correlationId"`
}

type probeResponse struct {
	Healthy       bool   `json:"healthy"`
	Endpoint      string `json:"endpoint"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

// Check enqueues a probe on the chosen queue and waits for its response
// stream. A dead dispatcher surfaces as an unhealthy result, not an
// error; errors mean the probe itself could not run.
func (p *Prober) Check(ctx context.Context, endpoint Endpoint) (*Result, error) {
	queue := dispatch.WorkflowHealthQueue
	if endpoint == EndpointStep {
		queue = dispatch.StepHealthQueue
	}
	cid := ids.NewCorrelationID("hc")

	raw, err := json.Marshal(probePayload{HealthCheck: true, CorrelationID: cid})
	if err != nil {
		return nil, fmt.Errorf("marshal probe: %w", err)
	}
	msg := &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      queue,
		Payload:        raw,
		CreatedAt:      p.clock(),
		IdempotencyKey: cid,
		Attempt:        1,
	}
	if err := p.world.Queue().Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue probe: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// The response stream may appear with backend-dependent delay; the
	// reader polls an empty-and-open stream until the line arrives.
	reader := streams.NewReader(p.world.Streams(), cid, dispatch.HealthStreamName(cid),
		streams.WithPollInterval(p.poll))
	line, err := reader.Next(ctx)
	if err != nil {
		p.logger.Warn("health probe timed out",
			zap.String("endpoint", string(endpoint)),
			zap.String("correlation_id", cid),
			zap.Error(err))
		return &Result{Healthy: false, Error: fmt.Sprintf("no response within %s", p.timeout)}, nil
	}

	var resp probeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return &Result{Healthy: false, Error: fmt.Sprintf("malformed response: %v", err)}, nil
	}
	if !resp.Healthy || resp.CorrelationID != cid {
		return &Result{Healthy: false, Error: "mismatched response"}, nil
	}
	return &Result{Healthy: true}, nil
}
