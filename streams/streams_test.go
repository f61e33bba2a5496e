package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/worlds/memoryworld"
)

func TestWriterMarkersAndReader(t *testing.T) {
	w := memoryworld.New()
	ctx := context.Background()

	var markers []events.Event
	appender := func(_ context.Context, e events.Event) error {
		markers = append(markers, e)
		return nil
	}

	wr := NewWriter(w.Streams(), "wrun_s", "out",
		WithMarkerEvents(appender), WithKind(KindJSONChunks))
	require.NoError(t, wr.WriteJSON(ctx, map[string]any{"n": 1}))
	require.NoError(t, wr.Write(ctx, []byte("raw\n")))
	require.NoError(t, wr.Close(ctx))

	// Writes after close fail; Close is idempotent.
	assert.Error(t, wr.Write(ctx, []byte("late")))
	require.NoError(t, wr.Close(ctx))

	require.Len(t, markers, 2)
	assert.Equal(t, events.TypeStreamOpened, markers[0].Type)
	assert.Equal(t, events.TypeStreamClosed, markers[1].Type)
	assert.Equal(t, "out", markers[0].CorrelationID)

	rd := NewReader(w.Streams(), "wrun_s", "out", WithPollInterval(5*time.Millisecond))
	chunks, err := rd.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.JSONEq(t, `{"n":1}`, string(chunks[0]))
	assert.Equal(t, "raw\n", string(chunks[1]))
}

func TestReaderFollowsLiveWriter(t *testing.T) {
	w := memoryworld.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wr := NewWriter(w.Streams(), "wrun_s", "live")
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(10 * time.Millisecond)
			_ = wr.Write(ctx, []byte{byte('a' + i)})
		}
		_ = wr.Close(ctx)
	}()

	rd := NewReader(w.Streams(), "wrun_s", "live", WithPollInterval(5*time.Millisecond))
	chunks, err := rd.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a", string(chunks[0]))
	assert.Equal(t, "c", string(chunks[2]))
}
