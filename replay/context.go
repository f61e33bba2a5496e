package replay

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/workflow"
)

// wfContext implements workflow.Context for one tick. Instance ids come
// from per-call-site counters, so two replays assign the same id
// sequence regardless of event interleaving across different ids.
type wfContext struct {
	context.Context

	engine *Engine
	idx    *runIndex
	runID  string
	args   any
	now    time.Time
	rng    *rand.Rand
	logger *zap.Logger

	counters map[string]int
	sleepSeq int
	hookSeq  int
	idSeq    int

	pending []events.Event
}

func newWorkflowContext(ctx context.Context, e *Engine, idx *runIndex, runID string, args any) *wfContext {
	now := idx.lastEventAt
	if now.IsZero() {
		now = e.clock()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return &wfContext{
		Context:  workflow.MarkWorkflowContext(ctx),
		engine:   e,
		idx:      idx,
		runID:    runID,
		args:     args,
		now:      now,
		rng:      rand.New(rand.NewSource(int64(h.Sum64()))),
		logger:   e.logger.With(zap.String("run_id", runID)),
		counters: make(map[string]int),
	}
}

func (c *wfContext) suspend() {
	panic(suspendSignal{})
}

func (c *wfContext) emit(typ events.Type, correlationID string, data *codec.Encoded) {
	c.pending = append(c.pending, c.engine.newEvent(c.runID, typ, correlationID, data))
}

func (c *wfContext) RunID() string      { return c.runID }
func (c *wfContext) WorkflowID() string { return c.idx.created.WorkflowID }
func (c *wfContext) Arguments() any     { return c.args }

func (c *wfContext) Step(stepID string, input any) (any, error) {
	c.counters[stepID]++
	instanceID := fmt.Sprintf("%s#%d", stepID, c.counters[stepID])

	enc, err := c.engine.codec.Encode(c.Context, input)
	if err != nil {
		// No encoding for the input: non-retryable, surfaced to the
		// body, which may catch it.
		return nil, c.engine.codec.EncodeError(err)
	}

	cl := c.idx.clusters[instanceID]
	if cl == nil {
		c.emit(events.TypeStepRequested, instanceID, events.MustMarshal(events.StepRequestedData{
			StepID:     stepID,
			InstanceID: instanceID,
			Input:      enc,
		}))
		c.suspend()
	}
	cl.consumed = true

	// Divergence guard: a replayed call site must request the same
	// input it recorded.
	if cl.input != nil && !cl.input.IsRef() && !enc.IsRef() && !bytes.Equal(cl.input.Inline, enc.Inline) {
		panic(&workflow.NonDeterministicError{
			RunID:   c.runID,
			Details: fmt.Sprintf("step %s input diverged from the recorded request", instanceID),
		})
	}

	switch {
	case cl.completed != nil:
		c.advanceNow(cl.settledAt)
		out, err := c.engine.codec.Decode(c.Context, cl.completed.Output)
		if err != nil {
			panic(fmt.Errorf("decode recorded output of %s: %w", instanceID, err))
		}
		return out, nil
	case cl.failed != nil:
		c.advanceNow(cl.settledAt)
		return nil, cl.failed.Error
	default:
		// In flight: the tick ends and a later message re-enters here.
		c.suspend()
		return nil, nil
	}
}

func (c *wfContext) Sleep(d time.Duration) error {
	c.sleepSeq++
	instanceID := fmt.Sprintf("sleep#%d", c.sleepSeq)

	s := c.idx.sleeps[instanceID]
	if s == nil {
		c.emit(events.TypeSleepScheduled, instanceID, events.MustMarshal(events.SleepScheduledData{
			InstanceID: instanceID,
			WakeAt:     c.engine.clock().Add(d),
		}))
		c.suspend()
	}
	s.consumed = true
	if !s.completed {
		c.suspend()
	}
	c.advanceNow(s.completedAt)
	return nil
}

func (c *wfContext) CreateHook(metadata any) (workflow.Hook, error) {
	if c.idx.legacy {
		return workflow.Hook{}, workflow.ErrUnsupportedLegacyOperation
	}
	c.hookSeq++
	if c.hookSeq <= len(c.idx.hooks) {
		return workflow.Hook{Token: c.idx.hooks[c.hookSeq-1].token}, nil
	}
	meta, err := c.engine.codec.Encode(c.Context, metadata)
	if err != nil {
		return workflow.Hook{}, c.engine.codec.EncodeError(err)
	}
	token, err := ids.NewHookToken()
	if err != nil {
		return workflow.Hook{}, fmt.Errorf("mint hook token: %w", err)
	}
	c.emit(events.TypeHookCreated, token, events.MustMarshal(events.HookCreatedData{
		Token:    token,
		Metadata: meta,
	}))
	// The hook becomes externally visible once the batch commits; the
	// body keeps running with the fresh token.
	c.idx.hooks = append(c.idx.hooks, &hookState{token: token, metadata: meta})
	c.idx.hooksByTok[token] = c.idx.hooks[len(c.idx.hooks)-1]
	return workflow.Hook{Token: token}, nil
}

func (c *wfContext) AwaitHook(h workflow.Hook) (any, error) {
	if c.idx.legacy {
		return nil, workflow.ErrUnsupportedLegacyOperation
	}
	hs := c.idx.hooksByTok[h.Token]
	if hs == nil {
		return nil, fmt.Errorf("await hook: unknown token for this run")
	}
	if !hs.resumed {
		if !c.idx.waitStarted[h.Token] {
			c.emit(events.TypeWaitStarted, h.Token, nil)
		}
		c.suspend()
	}
	c.advanceNow(hs.resumedAt)
	out, err := c.engine.codec.Decode(c.Context, hs.payload)
	if err != nil {
		panic(fmt.Errorf("decode hook payload: %w", err))
	}
	return out, nil
}

func (c *wfContext) Stream(name string) codec.StreamRef {
	return codec.StreamRef{Name: name}
}

func (c *wfContext) ReadStream(name string) ([][]byte, error) {
	if c.idx.legacy {
		return nil, workflow.ErrUnsupportedLegacyOperation
	}
	// Only a closed stream is stable across replays.
	if !c.idx.closed[name] {
		if !c.idx.waitStarted["stream//"+name] {
			c.emit(events.TypeWaitStarted, "stream//"+name, nil)
		}
		c.suspend()
	}
	chunks, _, err := c.engine.streams.ReadChunks(c.Context, c.runID, name, 0)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", name, err)
	}
	return chunks, nil
}

// advanceNow moves the deterministic clock to the recorded settlement
// time of a consumed decision.
func (c *wfContext) advanceNow(at time.Time) {
	if at.After(c.now) {
		c.now = at
	}
}

func (c *wfContext) Now() time.Time { return c.now }

func (c *wfContext) Random() *rand.Rand { return c.rng }

func (c *wfContext) NewID() string {
	c.idSeq++
	return fmt.Sprintf("%s-id-%d", c.runID, c.idSeq)
}

func (c *wfContext) Logger() *zap.Logger { return c.logger }
