// Package world declares the pluggable backend interface: an event store
// with ordered per-run logs, a queue with idempotent enqueue and
// re-enqueue, a named byte-stream store, a blob store for large payloads,
// run write leases, and the hook token index. Backends implement these
// contracts; the engine never assumes anything beyond them.
package world

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/events"
)

var (
	// ErrTerminalRun rejects non-informational appends to a run already
	// in a terminal state.
	ErrTerminalRun = errors.New("run is in a terminal state")
	// ErrConcurrentAppend signals a violated single-writer assumption.
	ErrConcurrentAppend = errors.New("concurrent append detected")
	// ErrLeaseHeld means another writer currently owns the run.
	ErrLeaseHeld = errors.New("run lease held elsewhere")
	// ErrHookNotFound covers unknown and already-consumed hook tokens.
	ErrHookNotFound = errors.New("hook not found")
	// ErrStreamClosed rejects writes to a closed stream.
	ErrStreamClosed = errors.New("stream closed")
)

// World bundles the backend primitives.
type World interface {
	Events() EventStore
	Queue() QueueClient
	Streams() StreamStore
	Blobs() codec.BlobStore
	Hooks() HookIndex
	Leases() LeaseStore
	Close() error
}

// ListOptions pages through a run's log. Replay must use ascending order.
type ListOptions struct {
	Cursor string
	Desc   bool
	Limit  int
}

// Page is one page of events plus the continuation cursor.
type Page struct {
	Events  []events.Event
	Cursor  string
	HasMore bool
}

// EventStore is durable, ordered per-run event storage.
type EventStore interface {
	// Append atomically appends a batch. It returns ErrTerminalRun when
	// the run is terminal and the batch is not purely informational
	// (informational events on terminal runs are dropped silently), and
	// ErrConcurrentAppend when a single-writer violation is detected.
	Append(ctx context.Context, runID string, batch []events.Event) error
	// List returns a page in (CreatedAt, eventId) order.
	List(ctx context.Context, runID string, opts ListOptions) (*Page, error)
}

// LoadAll drains every page of a run's log in ascending order.
func LoadAll(ctx context.Context, store EventStore, runID string) ([]events.Event, error) {
	var all []events.Event
	opts := ListOptions{}
	for {
		page, err := store.List(ctx, runID, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if !page.HasMore {
			return all, nil
		}
		opts.Cursor = page.Cursor
	}
}

// Message is the queue envelope (§6). RequestedAt, when set, is the
// earliest delivery time; the backend holds the message until then.
type Message struct {
	ID             string     `json:"messageId"`
	QueueName      string     `json:"queueName"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"createdAt"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Attempt        int        `json:"attempt"`
	RequestedAt    *time.Time `json:"requestedAt,omitempty"`
}

// Delivery is one received message plus its settlement handle.
type Delivery interface {
	Message() *Message
	// DeliveryCount is 1 on first delivery.
	DeliveryCount() int
	// Ack settles the message.
	Ack(ctx context.Context) error
	// Nack returns the message to the queue after delay.
	Nack(ctx context.Context, delay time.Duration) error
}

// QueueClient is the reliable queue primitive.
type QueueClient interface {
	// Enqueue publishes msg. A message whose IdempotencyKey was already
	// seen is suppressed and the call still succeeds.
	Enqueue(ctx context.Context, msg *Message) error
	// Requeue re-publishes an expired message with a fresh CreatedAt,
	// bypassing idempotency suppression (the key already maps to this
	// message id).
	Requeue(ctx context.Context, msg *Message) error
	// Receive blocks until a message is available on one of queues or
	// ctx is done.
	Receive(ctx context.Context, queues []string) (Delivery, error)
}

// StreamStore keeps named append-only chunk sequences per run. Health
// check streams are exempt from run-existence validation by contract.
type StreamStore interface {
	AppendChunk(ctx context.Context, runID, name string, chunk []byte) error
	CloseStream(ctx context.Context, runID, name string) error
	// ReadChunks returns chunks starting at offset from (0-based) and
	// whether the stream is closed. A missing stream reads as empty and
	// open.
	ReadChunks(ctx context.Context, runID, name string, from int) (chunks [][]byte, closed bool, err error)
}

// HookIndex correlates opaque hook tokens to runs.
type HookIndex interface {
	Register(ctx context.Context, token, runID string) error
	// Lookup returns the run owning token, or ErrHookNotFound.
	Lookup(ctx context.Context, token string) (runID string, err error)
}

// Lease is a held run write lease.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseStore hands out single-writer leases per run.
type LeaseStore interface {
	// Acquire returns ErrLeaseHeld when the run is owned elsewhere.
	Acquire(ctx context.Context, runID string, ttl time.Duration) (Lease, error)
}

// AppendLeased acquires the run lease, appends the batch, and releases.
// The dispatcher funnels every log write through this helper so the
// single-writer invariant holds regardless of backend.
func AppendLeased(ctx context.Context, w World, runID string, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	lease, err := w.Leases().Acquire(ctx, runID, 30*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return w.Events().Append(ctx, runID, batch)
}
