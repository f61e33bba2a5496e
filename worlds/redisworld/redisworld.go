// Package redisworld backs the engine with Redis: run logs as Redis
// Streams, queues as ready lists plus delay zsets, SET NX idempotency
// and leases, byte streams with close markers, and plain-key blobs.
package redisworld

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/world"
)

// World is the Redis-backed world.
type World struct {
	client  *redis.Client
	logger  *zap.Logger
	clock   func() time.Time
	ownsCli bool

	// maxAge bounds idempotency key retention; it mirrors the queue's
	// configured maximum message age.
	maxAge time.Duration
	// pollInterval paces the blocking receive loop.
	pollInterval time.Duration
}

// Option configures the world.
type Option func(*World)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(w *World) { w.logger = l } }

// WithQueueMaxAge aligns idempotency retention with the queue max age.
func WithQueueMaxAge(d time.Duration) Option { return func(w *World) { w.maxAge = d } }

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option { return func(w *World) { w.clock = fn } }

// WithPollInterval tunes the receive loop cadence (tests).
func WithPollInterval(d time.Duration) Option { return func(w *World) { w.pollInterval = d } }

// New wraps an existing client. The caller keeps ownership of it.
func New(client *redis.Client, opts ...Option) *World {
	w := &World{
		client:       client,
		logger:       zap.NewNop(),
		clock:        time.Now,
		maxAge:       24 * time.Hour,
		pollInterval: 250 * time.Millisecond,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Open connects to url (redis://...) and returns an owning World.
func Open(url string, opts ...Option) (*World, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	w := New(redis.NewClient(ropts), opts...)
	w.ownsCli = true
	return w, nil
}

func (w *World) Events() world.EventStore   { return (*eventStore)(w) }
func (w *World) Queue() world.QueueClient   { return (*queueClient)(w) }
func (w *World) Streams() world.StreamStore { return (*streamStore)(w) }
func (w *World) Blobs() codec.BlobStore     { return (*blobStore)(w) }
func (w *World) Hooks() world.HookIndex     { return (*hookIndex)(w) }
func (w *World) Leases() world.LeaseStore   { return (*leaseStore)(w) }

// Close releases the client if this World opened it.
func (w *World) Close() error {
	if w.ownsCli {
		return w.client.Close()
	}
	return nil
}

// Key layout. Everything lives under loom: so one Redis can host other
// tenants.
func runLogKey(runID string) string { return "loom:run:" + runID + ":log" }
func runMetaKey(runID string) string { return "loom:run:" + runID + ":meta" }
func runEventIDsKey(runID string) string { return "loom:run:" + runID + ":ids" }
func queueReadyKey(name string) string { return "loom:q:" + name }
func queueDelayedKey(name string) string { return "loom:q:" + name + ":delayed" }
func idemKey(queue, key string) string { return "loom:idem:" + queue + ":" + key }
func streamKey(runID, name string) string { return "loom:stream:" + runID + ":" + name }
func streamDoneKey(runID, name string) string {
	return "loom:stream:" + runID + ":" + name + ":closed"
}
func blobKey(id string) string { return "loom:blob:" + id }
func hookKey(token string) string { return "loom:hook:" + token }
func leaseKey(runID string) string { return "loom:lease:" + runID }
