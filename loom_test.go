package loom

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/health"
	"github.com/loomworks/loom/hooks"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/workflow"
	"github.com/loomworks/loom/world"
	"github.com/loomworks/loom/worlds/memoryworld"
)

// harness runs a worker over a memory world for the duration of a test.
type harness struct {
	world  *memoryworld.World
	client *Client
}

func newHarness(t *testing.T, build func(b *registry.Builder)) *harness {
	t.Helper()
	b := registry.NewBuilder()
	build(b)
	reg, err := b.Build()
	require.NoError(t, err)

	w := memoryworld.New()
	client := NewClient(w, reg)
	worker := NewWorker(client, WithConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("worker did not drain in time")
		}
	})
	return &harness{world: w, client: client}
}

// await polls until the run reaches a terminal status.
func (h *harness) await(t *testing.T, runID string) *runsView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.client.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			log, err := world.LoadAll(context.Background(), h.world.Events(), runID)
			require.NoError(t, err)
			return &runsView{status: string(run.Status), log: log}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

type runsView struct {
	status string
	log    []events.Event
}

func (v *runsView) types() []events.Type {
	out := make([]events.Type, len(v.log))
	for i, e := range v.log {
		out[i] = e.Type
	}
	return out
}

const addStep = "step//math.ts//add"

func TestSimpleAdd(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(_ context.Context, input any) (any, error) {
			args := input.(map[string]any)
			a, _ := args["a"].(json.Number).Float64()
			bv, _ := args["b"].(json.Number).Float64()
			return a + bv, nil
		})
		b.RegisterWorkflow("add", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, ctx.Arguments())
		})
	})

	runID, err := h.client.Start(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)

	view := h.await(t, runID)
	assert.Equal(t, "completed", view.status)
	assert.Equal(t, []events.Type{
		events.TypeRunCreated, events.TypeRunStarted,
		events.TypeStepRequested, events.TypeStepStarted,
		events.TypeStepCompleted, events.TypeRunCompleted,
	}, view.types())

	value, err := h.client.ReturnValue(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, json.Number("5"), value)
}

func TestRetryThenSucceed(t *testing.T) {
	attempts := 0
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(ctx context.Context, _ any) (any, error) {
			info, err := workflow.StepInfoFrom(ctx)
			if err != nil {
				return nil, err
			}
			attempts = info.Attempt
			if info.Attempt == 1 {
				return nil, workflow.RetryableAfter(errors.New("not yet"), 20*time.Millisecond)
			}
			return "ok", nil
		})
		b.RegisterWorkflow("flaky", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, nil)
		})
	})

	runID, err := h.client.Start(context.Background(), "flaky", nil)
	require.NoError(t, err)

	view := h.await(t, runID)
	assert.Equal(t, "completed", view.status)
	assert.Equal(t, 2, attempts)

	counts := map[events.Type]int{}
	for _, typ := range view.types() {
		counts[typ]++
	}
	assert.Equal(t, 2, counts[events.TypeStepStarted])
	assert.Equal(t, 1, counts[events.TypeStepRetryScheduled])
	assert.Equal(t, 1, counts[events.TypeStepCompleted])

	value, err := h.client.ReturnValue(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestFatalStepFailsRun(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(_ context.Context, _ any) (any, error) {
			return nil, workflow.Fatalf("bad")
		})
		b.RegisterWorkflow("doomed", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, nil)
		})
	})

	runID, err := h.client.Start(context.Background(), "doomed", nil)
	require.NoError(t, err)

	view := h.await(t, runID)
	assert.Equal(t, "failed", view.status)

	counts := map[events.Type]int{}
	for _, typ := range view.types() {
		counts[typ]++
	}
	assert.Equal(t, 1, counts[events.TypeStepStarted])
	assert.Equal(t, 1, counts[events.TypeStepFailed])
	assert.Equal(t, 1, counts[events.TypeRunFailed])

	_, err = h.client.ReturnValue(context.Background(), runID)
	var failed *workflow.RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "bad", failed.Cause.Message)
}

func TestHookRoundTrip(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterWorkflow("approval", func(ctx workflow.Context) (any, error) {
			hook, err := ctx.CreateHook(map[string]any{"kind": "signoff"})
			if err != nil {
				return nil, err
			}
			return ctx.AwaitHook(hook)
		})
	})

	runID, err := h.client.Start(context.Background(), "approval", nil)
	require.NoError(t, err)

	// Wait for the hook to become externally visible.
	var token string
	deadline := time.Now().Add(5 * time.Second)
	for token == "" && time.Now().Before(deadline) {
		log, err := world.LoadAll(context.Background(), h.world.Events(), runID)
		require.NoError(t, err)
		for _, e := range log {
			if e.Type == events.TypeHookCreated {
				var hc events.HookCreatedData
				require.NoError(t, events.Unmarshal(e, &hc))
				token = hc.Token
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, token)

	hook, err := h.client.GetHookByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, runID, hook.RunID)
	assert.JSONEq(t, `{"kind":"signoff"}`, string(hook.Metadata.Inline))

	require.NoError(t, h.client.ResumeHook(context.Background(), token, map[string]any{"x": 7}))

	view := h.await(t, runID)
	assert.Equal(t, "completed", view.status)
	value, err := h.client.ReturnValue(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": json.Number("7")}, value)

	err = h.client.ResumeHook(context.Background(), token, nil)
	assert.ErrorIs(t, err, hooks.ErrHookAlreadyResumed)
}

func TestSleepCompletes(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterWorkflow("napper", func(ctx workflow.Context) (any, error) {
			if err := ctx.Sleep(50 * time.Millisecond); err != nil {
				return nil, err
			}
			return "rested", nil
		})
	})

	runID, err := h.client.Start(context.Background(), "napper", nil)
	require.NoError(t, err)

	view := h.await(t, runID)
	assert.Equal(t, "completed", view.status)
	assert.Contains(t, view.types(), events.TypeSleepScheduled)
	assert.Contains(t, view.types(), events.TypeWaitCompleted)
}

func TestCancelRun(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(ctx context.Context, _ any) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return "late", nil
		})
		b.RegisterWorkflow("cancellable", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, nil)
		})
	})

	runID, err := h.client.Start(context.Background(), "cancellable", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.client.Cancel(context.Background(), runID, "operator"))
	close(block)

	view := h.await(t, runID)
	assert.Equal(t, "cancelled", view.status)

	_, err = h.client.ReturnValue(context.Background(), runID)
	var failed *workflow.RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "cancelled", failed.Cause.Code)

	// Cancelling again stays a no-op.
	assert.NoError(t, h.client.Cancel(context.Background(), runID, "again"))
}

func TestHealthCheckLiveAndDead(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {})

	res, err := h.client.HealthCheck(context.Background(), health.EndpointWorkflow)
	require.NoError(t, err)
	assert.True(t, res.Healthy)

	// A world without a worker never answers.
	idle := NewClient(memoryworld.New(), mustRegistry(t), WithConfig(shortHealthConfig()))
	res, err = idle.HealthCheck(context.Background(), health.EndpointStep)
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "no response")
}

func mustRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewBuilder().Build()
	require.NoError(t, err)
	return reg
}

func shortHealthConfig() *config.Config {
	cfg := config.Default()
	cfg.Health.Timeout = 200 * time.Millisecond
	return cfg
}

func TestStartUnknownWorkflow(t *testing.T) {
	h := newHarness(t, func(b *registry.Builder) {})
	_, err := h.client.Start(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestLargePayloadSpillsToBlobStore(t *testing.T) {
	big := make([]byte, 400*1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(_ context.Context, input any) (any, error) {
			return input, nil
		})
		b.RegisterWorkflow("echo", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, ctx.Arguments())
		})
	})

	runID, err := h.client.Start(context.Background(), "echo", big)
	require.NoError(t, err)
	view := h.await(t, runID)
	assert.Equal(t, "completed", view.status)

	value, err := h.client.ReturnValue(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, big, value)

	// The oversized payload must have left the inline log.
	var sawRef bool
	for _, e := range view.log {
		switch e.Type {
		case events.TypeRunCreated:
			var data events.RunCreatedData
			require.NoError(t, events.Unmarshal(e, &data))
			sawRef = sawRef || data.Arguments.IsRef()
		case events.TypeRunCompleted:
			var data events.RunCompletedData
			require.NoError(t, events.Unmarshal(e, &data))
			sawRef = sawRef || data.Output.IsRef()
		}
	}
	assert.True(t, sawRef, "expected at least one blob-backed payload")
}

func TestCodecRoundTripThroughRun(t *testing.T) {
	when := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, func(b *registry.Builder) {
		b.RegisterStep(addStep, func(_ context.Context, input any) (any, error) {
			return input, nil
		})
		b.RegisterWorkflow("echo", func(ctx workflow.Context) (any, error) {
			return ctx.Step(addStep, ctx.Arguments())
		})
	})

	runID, err := h.client.Start(context.Background(), "echo", map[string]any{
		"at":    when,
		"raw":   []byte{1, 2, 3},
		"label": "x",
	})
	require.NoError(t, err)
	h.await(t, runID)

	value, err := h.client.ReturnValue(context.Background(), runID)
	require.NoError(t, err)
	m := value.(map[string]any)
	assert.Equal(t, when, m["at"])
	assert.Equal(t, []byte{1, 2, 3}, m["raw"])
	assert.Equal(t, "x", m["label"])
}
