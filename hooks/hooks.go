// Package hooks is the external side of durable pause points: token
// lookup and single-use resumption.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/dispatch"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/metrics"
	"github.com/loomworks/loom/world"
)

// ErrHookAlreadyResumed rejects a second resume of the same token.
var ErrHookAlreadyResumed = errors.New("hook already resumed")

// Hook is the external view of a pause point.
type Hook struct {
	RunID    string
	Token    string
	Metadata *codec.Encoded
}

// Manager serves hook lookups and resumes against a world.
type Manager struct {
	world      world.World
	codec      *codec.Codec
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
	clock      func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.clock = fn } }

// NewManager returns a Manager that schedules post-resume ticks through
// disp.
func NewManager(w world.World, c *codec.Codec, disp *dispatch.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		world:      w,
		codec:      c,
		dispatcher: disp,
		logger:     zap.NewNop(),
		clock:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetHookByToken resolves token to its run and creation metadata. An
// unknown or already-consumed token fails with world.ErrHookNotFound;
// consumed tokens are indistinguishable from unknown ones on purpose.
func (m *Manager) GetHookByToken(ctx context.Context, token string) (*Hook, error) {
	runID, err := m.world.Hooks().Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	state, err := m.loadHookState(ctx, runID, token)
	if err != nil {
		return nil, err
	}
	if state.resumed {
		return nil, world.ErrHookNotFound
	}
	return &Hook{RunID: runID, Token: token, Metadata: state.metadata}, nil
}

// Resume consumes token exactly once: it validates single-use under the
// run's write lease, appends hook_resumed with the encoded data, and
// enqueues a tick so the run advances. A second call fails with
// ErrHookAlreadyResumed.
func (m *Manager) Resume(ctx context.Context, token string, data any) error {
	runID, err := m.world.Hooks().Lookup(ctx, token)
	if err != nil {
		return err
	}
	payload, err := m.codec.Encode(ctx, data)
	if err != nil {
		return fmt.Errorf("encode hook payload: %w", err)
	}

	lease, err := m.world.Leases().Acquire(ctx, runID, 30*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	// Re-check under the lease: the log is the source of truth for
	// single-use, not the token index.
	state, err := m.loadHookState(ctx, runID, token)
	if err != nil {
		return err
	}
	if state.resumed {
		return ErrHookAlreadyResumed
	}

	resumed := events.Event{
		ID:            ids.NewEventID(),
		RunID:         runID,
		Type:          events.TypeHookResumed,
		CreatedAt:     m.clock(),
		CorrelationID: token,
		Data: events.MustMarshal(events.HookResumedData{
			Token:   token,
			Payload: payload,
		}),
	}
	if err := m.world.Events().Append(ctx, runID, []events.Event{resumed}); err != nil {
		return fmt.Errorf("append hook_resumed: %w", err)
	}
	metrics.HooksResumed.Inc()
	m.logger.Info("hook resumed",
		zap.String("run_id", runID), zap.String("token", token))

	return m.dispatcher.EnqueueTick(ctx, runID, runID+":"+resumed.ID)
}

type hookLogState struct {
	created  bool
	resumed  bool
	metadata *codec.Encoded
}

func (m *Manager) loadHookState(ctx context.Context, runID, token string) (*hookLogState, error) {
	log, err := world.LoadAll(ctx, m.world.Events(), runID)
	if err != nil {
		return nil, fmt.Errorf("load log of %s: %w", runID, err)
	}
	state := &hookLogState{}
	for _, e := range log {
		if e.CorrelationID != token {
			continue
		}
		switch e.Type {
		case events.TypeHookCreated:
			var d events.HookCreatedData
			if err := events.Unmarshal(e, &d); err != nil {
				return nil, err
			}
			state.created = true
			state.metadata = d.Metadata
		case events.TypeHookResumed:
			state.resumed = true
		}
	}
	if !state.created {
		// The index knew the token but the log does not: the tick that
		// minted it has not committed yet, or the index is stale.
		return nil, world.ErrHookNotFound
	}
	return state, nil
}
