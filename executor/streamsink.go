package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/streams"
	"github.com/loomworks/loom/workflow"
	"github.com/loomworks/loom/world"
)

// streamSink adapts the world's stream store to the per-step
// workflow.StreamSink. One writer per stream name; lifecycle markers go
// into the run's event log so replay can observe open/close.
type streamSink struct {
	world world.World
	runID string

	mu      sync.Mutex
	writers map[string]*streams.Writer
}

func newStreamSink(w world.World, runID string) workflow.StreamSink {
	return &streamSink{world: w, runID: runID, writers: make(map[string]*streams.Writer)}
}

func (s *streamSink) writer(name string) *streams.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[name]
	if !ok {
		w = streams.NewWriter(s.world.Streams(), s.runID, name,
			streams.WithMarkerEvents(s.appendMarker))
		s.writers[name] = w
	}
	return w
}

// appendMarker records stream_opened/stream_closed in the log. Markers
// on a terminal run are dropped by the informational-event rule.
func (s *streamSink) appendMarker(ctx context.Context, e events.Event) error {
	err := world.AppendLeased(ctx, s.world, s.runID, []events.Event{e})
	if errors.Is(err, world.ErrTerminalRun) {
		return nil
	}
	return err
}

func (s *streamSink) WriteChunk(ctx context.Context, name string, chunk []byte) error {
	return s.writer(name).Write(ctx, chunk)
}

func (s *streamSink) CloseStream(ctx context.Context, name string) error {
	return s.writer(name).Close(ctx)
}
