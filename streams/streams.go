// Package streams layers producer/consumer helpers over the backend
// StreamStore: a Writer that appends chunks (optionally recording
// open/close marker events in the run's log) and a Reader that follows a
// stream lazily until it closes.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/world"
)

// Stream kinds.
const (
	KindBytes      = "bytes"
	KindJSONChunks = "json-chunks"
)

// EventAppender records stream marker events in the owning run's log.
// Marker events are informational: a terminal run drops them silently.
type EventAppender func(ctx context.Context, e events.Event) error

// Writer appends chunks to one named stream of a run.
type Writer struct {
	mu     sync.Mutex
	store  world.StreamStore
	append EventAppender
	clock  func() time.Time
	runID  string
	name   string
	kind   string
	opened bool
	closed bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMarkerEvents records stream_opened/stream_closed in the run log.
func WithMarkerEvents(fn EventAppender) WriterOption {
	return func(w *Writer) { w.append = fn }
}

// WithKind sets the declared chunk encoding (bytes by default).
func WithKind(kind string) WriterOption {
	return func(w *Writer) { w.kind = kind }
}

// WithClock overrides the marker event clock for tests.
func WithClock(fn func() time.Time) WriterOption {
	return func(w *Writer) { w.clock = fn }
}

// NewWriter returns a Writer for (runID, name).
func NewWriter(store world.StreamStore, runID, name string, opts ...WriterOption) *Writer {
	w := &Writer{store: store, runID: runID, name: name, kind: KindBytes, clock: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write appends one chunk. The first write emits the stream_opened
// marker when marker events are enabled.
func (w *Writer) Write(ctx context.Context, chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return world.ErrStreamClosed
	}
	if !w.opened {
		if err := w.marker(ctx, events.TypeStreamOpened, events.StreamOpenedData{Name: w.name, Kind: w.kind}); err != nil {
			return err
		}
		w.opened = true
	}
	return w.store.AppendChunk(ctx, w.runID, w.name, chunk)
}

// WriteJSON appends v as one newline-terminated JSON chunk.
func (w *Writer) WriteJSON(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream %s: %w", w.name, err)
	}
	return w.Write(ctx, append(raw, '\n'))
}

// Close seals the stream; further writes fail.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.store.CloseStream(ctx, w.runID, w.name); err != nil {
		return err
	}
	return w.marker(ctx, events.TypeStreamClosed, events.StreamClosedData{Name: w.name})
}

func (w *Writer) marker(ctx context.Context, typ events.Type, data any) error {
	if w.append == nil {
		return nil
	}
	enc, err := events.Marshal(data)
	if err != nil {
		return err
	}
	return w.append(ctx, events.Event{
		ID:            ids.NewEventID(),
		RunID:         w.runID,
		Type:          typ,
		CreatedAt:     w.clock(),
		CorrelationID: w.name,
		Data:          enc,
	})
}

// Reader follows one stream lazily, polling until new chunks arrive or
// the stream closes.
type Reader struct {
	store    world.StreamStore
	runID    string
	name     string
	interval time.Duration
	pos      int
	buf      [][]byte
	done     bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithPollInterval sets how often the reader re-checks an idle stream
// (default 100ms).
func WithPollInterval(d time.Duration) ReaderOption {
	return func(r *Reader) { r.interval = d }
}

// NewReader returns a Reader positioned at the start of (runID, name).
func NewReader(store world.StreamStore, runID, name string, opts ...ReaderOption) *Reader {
	r := &Reader{store: store, runID: runID, name: name, interval: 100 * time.Millisecond}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Next returns the next chunk, blocking until one is available. It
// returns io.EOF once the stream is closed and drained.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(r.buf) > 0 {
			chunk := r.buf[0]
			r.buf = r.buf[1:]
			return chunk, nil
		}
		if r.done {
			return nil, io.EOF
		}
		chunks, closed, err := r.store.ReadChunks(ctx, r.runID, r.name, r.pos)
		if err != nil {
			return nil, err
		}
		r.pos += len(chunks)
		r.buf = chunks
		r.done = closed
		if len(chunks) > 0 || closed {
			continue
		}
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReadAll drains the stream to the end, blocking until it closes.
func (r *Reader) ReadAll(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
}
