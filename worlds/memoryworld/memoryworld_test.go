package memoryworld

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/world"
)

func ev(id string, typ events.Type, at time.Time) events.Event {
	return events.Event{ID: id, RunID: "wrun_test", Type: typ, CreatedAt: at}
}

func TestAppendAndList(t *testing.T) {
	w := New()
	ctx := context.Background()
	t0 := time.Now()

	batch := []events.Event{
		ev("01A", events.TypeRunCreated, t0),
		ev("01B", events.TypeRunStarted, t0.Add(time.Millisecond)),
		ev("01C", events.TypeStepRequested, t0.Add(2*time.Millisecond)),
	}
	require.NoError(t, w.Events().Append(ctx, "wrun_test", batch))

	page, err := w.Events().List(ctx, "wrun_test", world.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)

	page, err = w.Events().List(ctx, "wrun_test", world.ListOptions{Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "01C", page.Events[0].ID)

	all, err := world.LoadAll(ctx, w.Events(), "wrun_test")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "createdAt must be non-decreasing")
	}
}

func TestTerminalAbsorption(t *testing.T) {
	w := New()
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, w.Events().Append(ctx, "wrun_test", []events.Event{
		ev("01A", events.TypeRunCreated, t0),
		ev("01B", events.TypeRunCompleted, t0),
	}))

	err := w.Events().Append(ctx, "wrun_test", []events.Event{
		ev("01C", events.TypeStepStarted, t0),
	})
	assert.ErrorIs(t, err, world.ErrTerminalRun)

	// Informational events are dropped silently, not rejected.
	require.NoError(t, w.Events().Append(ctx, "wrun_test", []events.Event{
		ev("01D", events.TypeStreamChunk, t0),
	}))
	all, err := world.LoadAll(ctx, w.Events(), "wrun_test")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDuplicateEventIDRejected(t *testing.T) {
	w := New()
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, w.Events().Append(ctx, "wrun_test", []events.Event{
		ev("01A", events.TypeRunCreated, t0),
	}))

	// Re-appending an already-stored event id is a single-writer
	// violation, and it must not land a second copy.
	err := w.Events().Append(ctx, "wrun_test", []events.Event{
		ev("01A", events.TypeRunCreated, t0),
		ev("01B", events.TypeRunStarted, t0),
	})
	assert.ErrorIs(t, err, world.ErrConcurrentAppend)

	all, err := world.LoadAll(ctx, w.Events(), "wrun_test")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueueIdempotency(t *testing.T) {
	w := New()
	ctx := context.Background()

	msg := &world.Message{ID: "m1", QueueName: "q", IdempotencyKey: "k1", CreatedAt: time.Now()}
	require.NoError(t, w.Queue().Enqueue(ctx, msg))
	dup := &world.Message{ID: "m2", QueueName: "q", IdempotencyKey: "k1", CreatedAt: time.Now()}
	require.NoError(t, w.Queue().Enqueue(ctx, dup))

	d, err := w.Queue().Receive(ctx, []string{"q"})
	require.NoError(t, err)
	assert.Equal(t, "m1", d.Message().ID)
	require.NoError(t, d.Ack(ctx))

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = w.Queue().Receive(rctx, []string{"q"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDelayedDelivery(t *testing.T) {
	w := New()
	ctx := context.Background()

	due := time.Now().Add(60 * time.Millisecond)
	msg := &world.Message{ID: "m1", QueueName: "q", CreatedAt: time.Now(), RequestedAt: &due}
	require.NoError(t, w.Queue().Enqueue(ctx, msg))

	start := time.Now()
	d, err := w.Queue().Receive(ctx, []string{"q"})
	require.NoError(t, err)
	assert.Equal(t, "m1", d.Message().ID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, d.Ack(ctx))
}

func TestQueueNackRedelivers(t *testing.T) {
	w := New()
	ctx := context.Background()

	require.NoError(t, w.Queue().Enqueue(ctx, &world.Message{ID: "m1", QueueName: "q", CreatedAt: time.Now()}))
	d, err := w.Queue().Receive(ctx, []string{"q"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.DeliveryCount())
	require.NoError(t, d.Nack(ctx, 0))

	d, err = w.Queue().Receive(ctx, []string{"q"})
	require.NoError(t, err)
	assert.Equal(t, 2, d.DeliveryCount())
	require.NoError(t, d.Ack(ctx))
}

func TestStreams(t *testing.T) {
	w := New()
	ctx := context.Background()

	require.NoError(t, w.Streams().AppendChunk(ctx, "wrun_x", "out", []byte("one")))
	require.NoError(t, w.Streams().AppendChunk(ctx, "wrun_x", "out", []byte("two")))

	chunks, closed, err := w.Streams().ReadChunks(ctx, "wrun_x", "out", 0)
	require.NoError(t, err)
	assert.False(t, closed)
	require.Len(t, chunks, 2)
	assert.Equal(t, "one", string(chunks[0]))

	require.NoError(t, w.Streams().CloseStream(ctx, "wrun_x", "out"))
	assert.ErrorIs(t, w.Streams().AppendChunk(ctx, "wrun_x", "out", []byte("late")), world.ErrStreamClosed)

	chunks, closed, err = w.Streams().ReadChunks(ctx, "wrun_x", "out", 1)
	require.NoError(t, err)
	assert.True(t, closed)
	require.Len(t, chunks, 1)
	assert.Equal(t, "two", string(chunks[0]))
}

func TestHookIndex(t *testing.T) {
	w := New()
	ctx := context.Background()

	_, err := w.Hooks().Lookup(ctx, "nope")
	assert.ErrorIs(t, err, world.ErrHookNotFound)

	require.NoError(t, w.Hooks().Register(ctx, "tok", "wrun_y"))
	runID, err := w.Hooks().Lookup(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "wrun_y", runID)
}

func TestLeases(t *testing.T) {
	w := New()
	ctx := context.Background()

	l1, err := w.Leases().Acquire(ctx, "wrun_z", time.Second)
	require.NoError(t, err)

	_, err = w.Leases().Acquire(ctx, "wrun_z", time.Second)
	assert.ErrorIs(t, err, world.ErrLeaseHeld)

	require.NoError(t, l1.Release(ctx))
	l2, err := w.Leases().Acquire(ctx, "wrun_z", time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}
