package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/executor"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/replay"
	"github.com/loomworks/loom/workflow"
	"github.com/loomworks/loom/world"
	"github.com/loomworks/loom/worlds/memoryworld"
)

const (
	runID  = "wrun_01DISPATCH"
	stepID = "step//calc.ts//add"
)

type fixture struct {
	world      *memoryworld.World
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, cfg config.QueueConfig, stepFn workflow.StepFunc) *fixture {
	t.Helper()
	if stepFn == nil {
		stepFn = func(_ context.Context, _ any) (any, error) { return "done", nil }
	}
	b := registry.NewBuilder()
	b.RegisterStep(stepID, stepFn)
	b.RegisterWorkflow("adder", func(ctx workflow.Context) (any, error) {
		return ctx.Step(stepID, ctx.Arguments())
	})
	reg, err := b.Build()
	require.NoError(t, err)

	w := memoryworld.New()
	c := codec.New(codec.WithClasses(reg), codec.WithBlobStore(w.Blobs(), 256*1024))
	eng := replay.New(reg, c, w.Streams())
	ex := executor.New(reg, c, w)
	return &fixture{world: w, dispatcher: New(w, eng, ex, cfg)}
}

func defaultQueueCfg() config.QueueConfig {
	return config.QueueConfig{MaxAgeSec: 86400, BufferSec: 3600}
}

func (f *fixture) seedRun(t *testing.T, args any) {
	t.Helper()
	enc, err := codec.New().Encode(context.Background(), args)
	require.NoError(t, err)
	require.NoError(t, f.world.Events().Append(context.Background(), runID, []events.Event{{
		ID: ids.NewEventID(), RunID: runID, Type: events.TypeRunCreated, CreatedAt: time.Now(),
		Data: events.MustMarshal(events.RunCreatedData{
			WorkflowID: "adder", SpecVersion: "4.2.0", Arguments: enc,
		}),
	}}))
}

// receive pops one delivery or fails the test.
func (f *fixture) receive(t *testing.T, queues ...string) world.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := f.world.Queue().Receive(ctx, queues)
	require.NoError(t, err)
	return d
}

func (f *fixture) assertEmpty(t *testing.T, queues ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := f.world.Queue().Receive(ctx, queues)
	if err == nil {
		t.Fatalf("expected empty queues, got message on %s", d.Message().QueueName)
	}
}

func TestQueueNaming(t *testing.T) {
	assert.Equal(t, "__wkf_workflow_", WorkflowQueue(""))
	assert.Equal(t, "__wkf_workflow_eu1", WorkflowQueue("eu1"))
	q := StepQueue("step//calc.ts//add")
	assert.Equal(t, "__wkf_step_step%2F%2Fcalc.ts%2F%2Fadd", q)
	assert.Equal(t, "step", queueKind(q))
	assert.Equal(t, "workflow", queueKind(WorkflowQueue("")))
	assert.Equal(t, "health", queueKind(WorkflowHealthQueue))
	assert.Equal(t, "health", queueKind(StepHealthQueue))
}

func TestTickSchedulesRequestedStep(t *testing.T) {
	f := newFixture(t, defaultQueueCfg(), nil)
	f.seedRun(t, map[string]any{"a": 2, "b": 3})
	require.NoError(t, f.dispatcher.EnqueueTick(context.Background(), runID, "boot"))

	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))

	log, err := world.LoadAll(context.Background(), f.world.Events(), runID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeStepRequested, log[len(log)-1].Type)

	d := f.receive(t, StepQueue(stepID))
	var p stepPayload
	require.NoError(t, json.Unmarshal(d.Message().Payload, &p))
	assert.Equal(t, runID, p.WorkflowRunID)
	assert.Equal(t, stepID, p.StepID)
	assert.Equal(t, 1, p.Attempt)
	assert.Equal(t, p.StepInstanceID+":1", d.Message().IdempotencyKey)
}

func TestStepSettlementEnqueuesTick(t *testing.T) {
	f := newFixture(t, defaultQueueCfg(), nil)
	f.seedRun(t, map[string]any{"a": 2, "b": 3})
	require.NoError(t, f.dispatcher.EnqueueTick(context.Background(), runID, "boot"))
	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))

	f.dispatcher.Handle(context.Background(), f.receive(t, StepQueue(stepID)))

	log, err := world.LoadAll(context.Background(), f.world.Events(), runID)
	require.NoError(t, err)
	types := make([]events.Type, len(log))
	for i, e := range log {
		types[i] = e.Type
	}
	assert.Contains(t, types, events.TypeStepStarted)
	assert.Contains(t, types, events.TypeStepCompleted)

	// The settlement tick completes the run.
	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))
	log, err = world.LoadAll(context.Background(), f.world.Events(), runID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeRunCompleted, log[len(log)-1].Type)
}

func TestRetryDecisionEnqueuesNextAttempt(t *testing.T) {
	attempts := 0
	f := newFixture(t, defaultQueueCfg(), func(_ context.Context, _ any) (any, error) {
		attempts++
		return nil, workflow.RetryableAfter(assert.AnError, time.Millisecond)
	})
	f.seedRun(t, nil)
	require.NoError(t, f.dispatcher.EnqueueTick(context.Background(), runID, "boot"))
	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))

	f.dispatcher.Handle(context.Background(), f.receive(t, StepQueue(stepID)))
	require.Equal(t, 1, attempts)

	d := f.receive(t, StepQueue(stepID))
	var p stepPayload
	require.NoError(t, json.Unmarshal(d.Message().Payload, &p))
	assert.Equal(t, 2, p.Attempt)
	assert.Equal(t, p.StepInstanceID+":2", d.Message().IdempotencyKey)
}

func TestExpiredMessageRequeuedWithoutInvoking(t *testing.T) {
	f := newFixture(t, config.QueueConfig{MaxAgeSec: 100, BufferSec: 10}, nil)
	f.seedRun(t, nil)

	// Age the message past the lifetime budget by hand.
	stale := &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      WorkflowQueue(""),
		Payload:        []byte(`{"runId":"` + runID + `"}`),
		CreatedAt:      time.Now().Add(-95 * time.Second),
		IdempotencyKey: "stale",
		Attempt:        1,
	}
	require.NoError(t, f.world.Queue().Enqueue(context.Background(), stale))

	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))

	// The handler never ran: the log still has only run_created.
	log, err := world.LoadAll(context.Background(), f.world.Events(), runID)
	require.NoError(t, err)
	require.Len(t, log, 1)

	// The replacement carries the same payload and a fresh budget,
	// bypassing idempotency suppression.
	d := f.receive(t, WorkflowQueue(""))
	assert.Equal(t, stale.ID, d.Message().ID)
	assert.JSONEq(t, string(stale.Payload), string(d.Message().Payload))
	assert.WithinDuration(t, time.Now(), d.Message().CreatedAt, time.Second)
}

func TestFreshMessageDeadlineClamped(t *testing.T) {
	var deadline time.Time
	f := newFixture(t, config.QueueConfig{MaxAgeSec: 100, BufferSec: 10}, func(ctx context.Context, _ any) (any, error) {
		deadline, _ = ctx.Deadline()
		return nil, nil
	})
	f.seedRun(t, nil)
	require.NoError(t, f.dispatcher.EnqueueTick(context.Background(), runID, "boot"))
	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))
	f.dispatcher.Handle(context.Background(), f.receive(t, StepQueue(stepID)))

	require.False(t, deadline.IsZero())
	remaining := time.Until(deadline)
	assert.Greater(t, remaining, 80*time.Second)
	assert.LessOrEqual(t, remaining, 90*time.Second)
}

func TestBadMessageDropped(t *testing.T) {
	f := newFixture(t, defaultQueueCfg(), nil)
	require.NoError(t, f.world.Queue().Enqueue(context.Background(), &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      WorkflowQueue(""),
		Payload:        []byte(`{"not":"a tick"}`),
		CreatedAt:      time.Now(),
		IdempotencyKey: "junk",
		Attempt:        1,
	}))

	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowQueue("")))
	f.assertEmpty(t, WorkflowQueue(""))
}

func TestSleepScheduledBecomesDelayedTick(t *testing.T) {
	b := registry.NewBuilder()
	b.RegisterWorkflow("napper", func(ctx workflow.Context) (any, error) {
		if err := ctx.Sleep(30 * time.Millisecond); err != nil {
			return nil, err
		}
		return "rested", nil
	})
	reg, err := b.Build()
	require.NoError(t, err)
	w := memoryworld.New()
	c := codec.New()
	disp := New(w, replay.New(reg, c, w.Streams()), executor.New(reg, c, w), defaultQueueCfg())

	require.NoError(t, w.Events().Append(context.Background(), runID, []events.Event{{
		ID: ids.NewEventID(), RunID: runID, Type: events.TypeRunCreated, CreatedAt: time.Now(),
		Data: events.MustMarshal(events.RunCreatedData{WorkflowID: "napper", SpecVersion: "4.2.0"}),
	}}))
	require.NoError(t, disp.EnqueueTick(context.Background(), runID, "boot"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := w.Queue().Receive(ctx, []string{WorkflowQueue("")})
	require.NoError(t, err)
	disp.Handle(context.Background(), d)

	// The wake tick is held until wakeAt, then settles the sleep.
	d, err = w.Queue().Receive(ctx, []string{WorkflowQueue("")})
	require.NoError(t, err)
	var p tickPayload
	require.NoError(t, json.Unmarshal(d.Message().Payload, &p))
	assert.Equal(t, "sleep#1", p.Wake)
	disp.Handle(context.Background(), d)

	log, err := world.LoadAll(context.Background(), w.Events(), runID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeRunCompleted, log[len(log)-1].Type)
}

func TestHealthProbeAnswersOnStream(t *testing.T) {
	f := newFixture(t, defaultQueueCfg(), nil)
	cid := ids.NewCorrelationID("hc")
	raw, _ := json.Marshal(healthPayload{HealthCheck: true, CorrelationID: cid})
	require.NoError(t, f.world.Queue().Enqueue(context.Background(), &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      WorkflowHealthQueue,
		Payload:        raw,
		CreatedAt:      time.Now(),
		IdempotencyKey: cid,
		Attempt:        1,
	}))

	f.dispatcher.Handle(context.Background(), f.receive(t, WorkflowHealthQueue))

	chunks, closed, err := f.world.Streams().ReadChunks(context.Background(), cid, HealthStreamName(cid), 0)
	require.NoError(t, err)
	assert.True(t, closed)
	require.Len(t, chunks, 1)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(chunks[0], &resp))
	assert.True(t, resp.Healthy)
	assert.Equal(t, "workflow", resp.Endpoint)
	assert.Equal(t, cid, resp.CorrelationID)
}

func TestRemainingLifetimeMath(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 90*time.Second,
		remainingLifetime(now, now, 100*time.Second, 10*time.Second))
	assert.Equal(t, time.Duration(0),
		remainingLifetime(now.Add(-90*time.Second), now, 100*time.Second, 10*time.Second))
	assert.Negative(t,
		remainingLifetime(now.Add(-2*time.Hour), now, 100*time.Second, 10*time.Second))
}
