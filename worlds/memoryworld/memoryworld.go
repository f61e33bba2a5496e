// Package memoryworld is the reference in-process World implementation.
// It keeps the full backend contract — ordered per-run logs with terminal
// rejection, idempotent delayed queues, chunked streams, blobs, run
// leases, and the hook index — behind a single mutex, and exists for
// embedders' tests and the engine's own.
package memoryworld

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/world"
)

// World is an in-memory backend. The zero value is not usable; call New.
type World struct {
	mu     sync.Mutex
	notify chan struct{}
	logger *zap.Logger
	clock  func() time.Time

	logs     map[string][]events.Event
	eventIDs map[string]map[string]struct{}
	terminal map[string]bool

	ready    map[string][]*world.Message
	delayed  []*world.Message
	inflight map[string]*world.Message
	idem     map[string]string
	counts   map[string]int

	streams map[string]*memStream
	blobs   map[string][]byte
	hooks   map[string]string
	leases  map[string]string
	blobSeq int
}

type memStream struct {
	chunks [][]byte
	closed bool
}

// Option configures the world.
type Option func(*World)

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(l *zap.Logger) Option { return func(w *World) { w.logger = l } }

// WithClock overrides the clock for tests.
func WithClock(fn func() time.Time) Option { return func(w *World) { w.clock = fn } }

// New returns an empty in-memory world.
func New(opts ...Option) *World {
	w := &World{
		notify:   make(chan struct{}, 1),
		logger:   zap.NewNop(),
		clock:    time.Now,
		logs:     make(map[string][]events.Event),
		eventIDs: make(map[string]map[string]struct{}),
		terminal: make(map[string]bool),
		ready:    make(map[string][]*world.Message),
		inflight: make(map[string]*world.Message),
		idem:     make(map[string]string),
		counts:   make(map[string]int),
		streams:  make(map[string]*memStream),
		blobs:    make(map[string][]byte),
		hooks:    make(map[string]string),
		leases:   make(map[string]string),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *World) Events() world.EventStore   { return (*eventStore)(w) }
func (w *World) Queue() world.QueueClient   { return (*queueClient)(w) }
func (w *World) Streams() world.StreamStore { return (*streamStore)(w) }
func (w *World) Blobs() codec.BlobStore     { return (*blobStore)(w) }
func (w *World) Hooks() world.HookIndex     { return (*hookIndex)(w) }
func (w *World) Leases() world.LeaseStore   { return (*leaseStore)(w) }
func (w *World) Close() error               { return nil }

func (w *World) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// --- event store ---

type eventStore World

func (s *eventStore) Append(_ context.Context, runID string, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	w := (*World)(s)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminal[runID] {
		for _, e := range batch {
			if !events.Informational(e.Type) {
				return fmt.Errorf("append to %s: %w", runID, world.ErrTerminalRun)
			}
		}
		// Late informational traffic is dropped silently.
		return nil
	}

	seen := w.eventIDs[runID]
	if seen == nil {
		seen = make(map[string]struct{})
		w.eventIDs[runID] = seen
	}
	for _, e := range batch {
		// A repeated event id means two writers appended the same
		// replay output.
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("append to %s: event %s: %w", runID, e.ID, world.ErrConcurrentAppend)
		}
	}

	log := w.logs[runID]
	last := time.Time{}
	if n := len(log); n > 0 {
		last = log[n-1].CreatedAt
	}
	for _, e := range batch {
		seen[e.ID] = struct{}{}
		if e.CreatedAt.Before(last) {
			// CreatedAt is non-decreasing per append; clamp clock skew.
			e.CreatedAt = last
		}
		last = e.CreatedAt
		log = append(log, e)
		if events.TerminalRun(e.Type) {
			w.terminal[runID] = true
		}
	}
	w.logs[runID] = log
	return nil
}

func (s *eventStore) List(_ context.Context, runID string, opts world.ListOptions) (*world.Page, error) {
	w := (*World)(s)
	w.mu.Lock()
	log := append([]events.Event(nil), w.logs[runID]...)
	w.mu.Unlock()

	if opts.Desc {
		sort.SliceStable(log, func(i, j int) bool { return events.Less(log[j], log[i]) })
	}
	start := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", opts.Cursor)
		}
		start = n
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if start > len(log) {
		start = len(log)
	}
	end := start + limit
	if end > len(log) {
		end = len(log)
	}
	return &world.Page{
		Events:  log[start:end],
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(log),
	}, nil
}

// --- queue ---

type queueClient World

func (q *queueClient) Enqueue(_ context.Context, msg *world.Message) error {
	w := (*World)(q)
	w.mu.Lock()
	defer w.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if _, dup := w.idem[msg.IdempotencyKey]; dup {
			w.logger.Debug("duplicate enqueue suppressed",
				zap.String("queue", msg.QueueName),
				zap.String("idempotency_key", msg.IdempotencyKey))
			return nil
		}
		w.idem[msg.IdempotencyKey] = msg.ID
	}
	w.push(msg)
	return nil
}

func (q *queueClient) Requeue(_ context.Context, msg *world.Message) error {
	w := (*World)(q)
	w.mu.Lock()
	defer w.mu.Unlock()
	fresh := *msg
	fresh.CreatedAt = w.clock()
	w.push(&fresh)
	return nil
}

// push assumes w.mu is held.
func (w *World) push(msg *world.Message) {
	if msg.RequestedAt != nil && msg.RequestedAt.After(w.clock()) {
		w.delayed = append(w.delayed, msg)
	} else {
		w.ready[msg.QueueName] = append(w.ready[msg.QueueName], msg)
	}
	w.wake()
}

// promote moves due delayed messages to their ready lists; assumes w.mu
// held. Returns the next due time, zero if none pending.
func (w *World) promote() time.Time {
	now := w.clock()
	var next time.Time
	kept := w.delayed[:0]
	for _, m := range w.delayed {
		if !m.RequestedAt.After(now) {
			w.ready[m.QueueName] = append(w.ready[m.QueueName], m)
			continue
		}
		if next.IsZero() || m.RequestedAt.Before(next) {
			next = *m.RequestedAt
		}
		kept = append(kept, m)
	}
	w.delayed = kept
	return next
}

func (q *queueClient) Receive(ctx context.Context, queues []string) (world.Delivery, error) {
	w := (*World)(q)
	for {
		w.mu.Lock()
		next := w.promote()
		for _, name := range queues {
			list := w.ready[name]
			if len(list) == 0 {
				continue
			}
			msg := list[0]
			w.ready[name] = list[1:]
			w.counts[msg.ID]++
			w.inflight[msg.ID] = msg
			count := w.counts[msg.ID]
			w.mu.Unlock()
			return &delivery{w: w, msg: msg, count: count}, nil
		}
		w.mu.Unlock()

		wait := time.Minute
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-w.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

type delivery struct {
	w     *World
	msg   *world.Message
	count int
}

func (d *delivery) Message() *world.Message { return d.msg }
func (d *delivery) DeliveryCount() int      { return d.count }

func (d *delivery) Ack(context.Context) error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	delete(d.w.inflight, d.msg.ID)
	return nil
}

func (d *delivery) Nack(_ context.Context, delay time.Duration) error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	delete(d.w.inflight, d.msg.ID)
	msg := *d.msg
	if delay > 0 {
		at := d.w.clock().Add(delay)
		msg.RequestedAt = &at
	}
	d.w.push(&msg)
	return nil
}

// --- streams ---

type streamStore World

func streamKey(runID, name string) string { return runID + "\x00" + name }

func (s *streamStore) AppendChunk(_ context.Context, runID, name string, chunk []byte) error {
	w := (*World)(s)
	w.mu.Lock()
	defer w.mu.Unlock()
	key := streamKey(runID, name)
	st := w.streams[key]
	if st == nil {
		st = &memStream{}
		w.streams[key] = st
	}
	if st.closed {
		return world.ErrStreamClosed
	}
	buf := append([]byte(nil), chunk...)
	st.chunks = append(st.chunks, buf)
	return nil
}

func (s *streamStore) CloseStream(_ context.Context, runID, name string) error {
	w := (*World)(s)
	w.mu.Lock()
	defer w.mu.Unlock()
	key := streamKey(runID, name)
	st := w.streams[key]
	if st == nil {
		st = &memStream{}
		w.streams[key] = st
	}
	st.closed = true
	return nil
}

func (s *streamStore) ReadChunks(_ context.Context, runID, name string, from int) ([][]byte, bool, error) {
	w := (*World)(s)
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.streams[streamKey(runID, name)]
	if st == nil {
		return nil, false, nil
	}
	if from < 0 || from > len(st.chunks) {
		return nil, st.closed, nil
	}
	out := make([][]byte, len(st.chunks)-from)
	copy(out, st.chunks[from:])
	return out, st.closed, nil
}

// --- blobs ---

type blobStore World

func (b *blobStore) PutBlob(_ context.Context, data []byte) (string, error) {
	w := (*World)(b)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blobSeq++
	ref := "blob_" + strconv.Itoa(w.blobSeq)
	w.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *blobStore) GetBlob(_ context.Context, ref string) ([]byte, error) {
	w := (*World)(b)
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", ref)
	}
	return data, nil
}

// --- hooks ---

type hookIndex World

func (h *hookIndex) Register(_ context.Context, token, runID string) error {
	w := (*World)(h)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[token] = runID
	return nil
}

func (h *hookIndex) Lookup(_ context.Context, token string) (string, error) {
	w := (*World)(h)
	w.mu.Lock()
	defer w.mu.Unlock()
	runID, ok := w.hooks[token]
	if !ok {
		return "", world.ErrHookNotFound
	}
	return runID, nil
}

// --- leases ---

type leaseStore World

func (l *leaseStore) Acquire(_ context.Context, runID string, _ time.Duration) (world.Lease, error) {
	w := (*World)(l)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, held := w.leases[runID]; held {
		return nil, world.ErrLeaseHeld
	}
	token := strconv.Itoa(len(w.leases)+1) + "-" + runID
	w.leases[runID] = token
	return &lease{w: w, runID: runID, token: token}, nil
}

type lease struct {
	w     *World
	runID string
	token string
}

func (l *lease) Release(context.Context) error {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	if l.w.leases[l.runID] == l.token {
		delete(l.w.leases, l.runID)
	}
	return nil
}
