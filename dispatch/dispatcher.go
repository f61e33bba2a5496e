package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/executor"
	"github.com/loomworks/loom/ids"
	"github.com/loomworks/loom/metrics"
	"github.com/loomworks/loom/replay"
	"github.com/loomworks/loom/streams"
	"github.com/loomworks/loom/tracing"
	"github.com/loomworks/loom/world"
)

// Dispatcher consumes queue messages and drives the engine: workflow
// ticks through the replay engine, step attempts through the executor,
// health probes onto their response streams.
type Dispatcher struct {
	world    world.World
	engine   *replay.Engine
	executor *executor.Executor
	logger   *zap.Logger
	limiter  *rate.Limiter
	clock    func() time.Time

	// queueCfg hot-reloads; reads race with the config watcher.
	queueCfg atomic.Pointer[config.QueueConfig]

	wg sync.WaitGroup
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option { return func(d *Dispatcher) { d.clock = fn } }

// New returns a Dispatcher. The queue section of cfg may be swapped at
// runtime through SetQueueConfig.
func New(w world.World, eng *replay.Engine, ex *executor.Executor, cfg config.QueueConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		world:    w,
		engine:   eng,
		executor: ex,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	d.queueCfg.Store(&cfg)
	for _, o := range opts {
		o(d)
	}
	d.limiter = newLimiter(cfg.ReceiveRate)
	return d
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// SetQueueConfig applies a hot-reloaded queue section.
func (d *Dispatcher) SetQueueConfig(cfg config.QueueConfig) {
	d.queueCfg.Store(&cfg)
	d.limiter.SetLimit(newLimiter(cfg.ReceiveRate).Limit())
}

// Run consumes queues until ctx is done, then drains in-flight
// handlers.
func (d *Dispatcher) Run(ctx context.Context, queues []string) error {
	defer d.wg.Wait()
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}
		delivery, err := d.world.Queue().Receive(ctx, queues)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("queue receive failed", zap.Error(err))
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Handle(ctx, delivery)
		}()
	}
}

// Handle processes one delivery end to end, including settlement.
func (d *Dispatcher) Handle(ctx context.Context, delivery world.Delivery) {
	msg := delivery.Message()
	kind := queueKind(msg.QueueName)
	metrics.MessagesDispatched.WithLabelValues(kind).Inc()

	ctx, span := tracing.StartMessageSpan(ctx, msg.QueueName, msg.ID)
	defer span.End()

	cfg := d.queueCfg.Load()
	remaining := remainingLifetime(msg.CreatedAt, d.clock(), cfg.MaxAge(), cfg.Buffer())
	if remaining <= 0 {
		// Budget exhausted before the handler ran: restart the lifetime
		// instead of invoking with a dead deadline.
		d.requeueExpired(ctx, delivery)
		return
	}

	hctx, cancel := context.WithDeadline(ctx, d.clock().Add(remaining))
	defer cancel()

	err := d.route(hctx, kind, msg)

	var bad *badMessageError
	switch {
	case err == nil:
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			d.logger.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(ackErr))
		}
	case errors.As(err, &bad):
		// Malformed payloads never heal; drop them.
		d.logger.Error("dropping bad message",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			d.logger.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(ackErr))
		}
	case errors.Is(err, world.ErrLeaseHeld):
		// Another writer owns the run right now; come back shortly.
		if nackErr := delivery.Nack(ctx, time.Second); nackErr != nil {
			d.logger.Warn("nack failed", zap.String("message_id", msg.ID), zap.Error(nackErr))
		}
	default:
		d.logger.Warn("handler failed, redelivering",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.ID),
			zap.Int("delivery_count", delivery.DeliveryCount()),
			zap.Error(err))
		if nackErr := delivery.Nack(ctx, redeliveryDelay(delivery.DeliveryCount())); nackErr != nil {
			d.logger.Warn("nack failed", zap.String("message_id", msg.ID), zap.Error(nackErr))
		}
	}
}

// redeliveryDelay backs off transient handler failures per delivery.
func redeliveryDelay(deliveryCount int) time.Duration {
	d := time.Second << uint(min(deliveryCount-1, 6))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// requeueExpired acknowledges the stale message and re-publishes it with
// a fresh lifetime, preserving payload, queue, and attempt.
func (d *Dispatcher) requeueExpired(ctx context.Context, delivery world.Delivery) {
	msg := delivery.Message()
	fresh := *msg
	fresh.CreatedAt = d.clock()
	if err := d.world.Queue().Requeue(ctx, &fresh); err != nil {
		d.logger.Error("requeue of expired message failed",
			zap.String("message_id", msg.ID), zap.Error(err))
		if nackErr := delivery.Nack(ctx, time.Second); nackErr != nil {
			d.logger.Warn("nack failed", zap.String("message_id", msg.ID), zap.Error(nackErr))
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		d.logger.Warn("ack of expired message failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	metrics.MessagesRequeued.Inc()
	d.logger.Info("message lifetime expired, re-enqueued",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", msg.ID))
}

func (d *Dispatcher) route(ctx context.Context, kind string, msg *world.Message) error {
	if p, ok := isHealthPayload(msg.Payload); ok {
		endpoint := "workflow"
		if msg.QueueName == StepHealthQueue || strings.HasPrefix(msg.QueueName, stepQueuePrefix) {
			endpoint = "step"
		}
		return d.handleHealth(ctx, endpoint, p)
	}
	switch kind {
	case "workflow":
		var p tickPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.RunID == "" {
			return &badMessageError{queue: msg.QueueName, cause: fmt.Errorf("tick payload: %v", err)}
		}
		return d.handleTick(ctx, &p)
	case "step":
		var p stepPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.StepInstanceID == "" || p.Attempt < 1 {
			return &badMessageError{queue: msg.QueueName, cause: fmt.Errorf("step payload: %v", err)}
		}
		return d.handleStep(ctx, &p)
	default:
		return &badMessageError{queue: msg.QueueName, cause: errors.New("unroutable queue")}
	}
}

// handleTick settles a pending wake if the message carries one, replays
// the run, commits new events, and schedules the follow-up messages
// they imply.
func (d *Dispatcher) handleTick(ctx context.Context, p *tickPayload) error {
	ctx, span := tracing.StartTickSpan(ctx, p.RunID)
	defer span.End()

	if p.Wake != "" {
		woke := events.Event{
			ID:            ids.NewEventID(),
			RunID:         p.RunID,
			Type:          events.TypeWaitCompleted,
			CreatedAt:     d.clock(),
			CorrelationID: p.Wake,
			Data:          events.MustMarshal(events.WaitCompletedData{InstanceID: p.Wake}),
		}
		if err := world.AppendLeased(ctx, d.world, p.RunID, []events.Event{woke}); err != nil &&
			!errors.Is(err, world.ErrTerminalRun) {
			return fmt.Errorf("settle wake %s: %w", p.Wake, err)
		}
	}

	log, err := world.LoadAll(ctx, d.world.Events(), p.RunID)
	if err != nil {
		return fmt.Errorf("load log of %s: %w", p.RunID, err)
	}

	started := d.clock()
	res, err := d.engine.Tick(ctx, p.RunID, log)
	metrics.TickDuration.Observe(d.clock().Sub(started).Seconds())
	if err != nil {
		metrics.Ticks.WithLabelValues("error").Inc()
		return fmt.Errorf("tick %s: %w", p.RunID, err)
	}
	metrics.Ticks.WithLabelValues(tickResult(res.Outcome)).Inc()

	if err := world.AppendLeased(ctx, d.world, p.RunID, res.NewEvents); err != nil {
		if errors.Is(err, world.ErrTerminalRun) {
			return nil
		}
		return fmt.Errorf("commit tick of %s: %w", p.RunID, err)
	}
	return d.scheduleFollowups(ctx, p.RunID, log, res.NewEvents)
}

// scheduleFollowups turns freshly committed events into queue traffic.
func (d *Dispatcher) scheduleFollowups(ctx context.Context, runID string, log, fresh []events.Event) error {
	var workflowID string
	var workflowStartedAt time.Time
	for _, e := range log {
		switch e.Type {
		case events.TypeRunCreated:
			var c events.RunCreatedData
			if events.Unmarshal(e, &c) == nil {
				workflowID = c.WorkflowID
			}
			workflowStartedAt = e.CreatedAt
		case events.TypeRunStarted:
			workflowStartedAt = e.CreatedAt
		}
	}

	for _, e := range fresh {
		switch e.Type {
		case events.TypeRunStarted:
			metrics.RunsStarted.Inc()

		case events.TypeStepRequested:
			var req events.StepRequestedData
			if err := events.Unmarshal(e, &req); err != nil {
				return err
			}
			if err := d.EnqueueStep(ctx, &executor.Task{
				WorkflowID:        workflowID,
				RunID:             runID,
				WorkflowStartedAt: workflowStartedAt,
				StepID:            req.StepID,
				InstanceID:        req.InstanceID,
				Attempt:           1,
				Input:             req.Input,
			}, nil); err != nil {
				return err
			}

		case events.TypeSleepScheduled:
			var sched events.SleepScheduledData
			if err := events.Unmarshal(e, &sched); err != nil {
				return err
			}
			if err := d.EnqueueTick(ctx, runID, "sleep:"+runID+":"+sched.InstanceID,
				withWake(sched.InstanceID), withNotBefore(sched.WakeAt)); err != nil {
				return err
			}

		case events.TypeHookCreated:
			var hook events.HookCreatedData
			if err := events.Unmarshal(e, &hook); err != nil {
				return err
			}
			if err := d.world.Hooks().Register(ctx, hook.Token, runID); err != nil {
				return fmt.Errorf("register hook: %w", err)
			}
			metrics.HooksCreated.Inc()

		case events.TypeRunCompleted:
			metrics.RunsCompleted.WithLabelValues("completed").Inc()
		case events.TypeRunFailed:
			metrics.RunsCompleted.WithLabelValues("failed").Inc()
		}
	}
	return nil
}

// tickOption tweaks an outgoing tick message.
type tickOption func(*tickPayload, *world.Message)

func withWake(instanceID string) tickOption {
	return func(p *tickPayload, _ *world.Message) { p.Wake = instanceID }
}

func withNotBefore(at time.Time) tickOption {
	return func(_ *tickPayload, m *world.Message) { m.RequestedAt = &at }
}

// EnqueueTick publishes a workflow tick for runID. Duplicate
// idempotency keys are suppressed by the queue and treated as success.
func (d *Dispatcher) EnqueueTick(ctx context.Context, runID, idempotencyKey string, opts ...tickOption) error {
	cfg := d.queueCfg.Load()
	p := tickPayload{RunID: runID}
	msg := &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      WorkflowQueue(cfg.Shard),
		CreatedAt:      d.clock(),
		IdempotencyKey: idempotencyKey,
		Attempt:        1,
	}
	for _, o := range opts {
		o(&p, msg)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal tick payload: %w", err)
	}
	msg.Payload = raw
	if err := d.world.Queue().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue tick for %s: %w", runID, err)
	}
	return nil
}

// EnqueueStep publishes one step attempt; notBefore delays delivery
// (retries).
func (d *Dispatcher) EnqueueStep(ctx context.Context, task *executor.Task, notBefore *time.Time) error {
	raw, err := json.Marshal(stepPayload{
		WorkflowName:      task.WorkflowID,
		WorkflowRunID:     task.RunID,
		WorkflowStartedAt: task.WorkflowStartedAt.UnixMilli(),
		StepID:            task.StepID,
		StepInstanceID:    task.InstanceID,
		Attempt:           task.Attempt,
		Input:             task.Input,
	})
	if err != nil {
		return fmt.Errorf("marshal step payload: %w", err)
	}
	msg := &world.Message{
		ID:             ids.NewMessageID(),
		QueueName:      StepQueue(task.StepID),
		Payload:        raw,
		CreatedAt:      d.clock(),
		IdempotencyKey: fmt.Sprintf("%s:%d", task.InstanceID, task.Attempt),
		Attempt:        task.Attempt,
		RequestedAt:    notBefore,
	}
	if err := d.world.Queue().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue step %s: %w", task.InstanceID, err)
	}
	return nil
}

// handleStep runs one attempt and schedules its consequence: a tick
// after settlement, or the next attempt after a retry decision.
func (d *Dispatcher) handleStep(ctx context.Context, p *stepPayload) error {
	task := &executor.Task{
		WorkflowID:        p.WorkflowName,
		RunID:             p.WorkflowRunID,
		WorkflowStartedAt: time.UnixMilli(p.WorkflowStartedAt),
		StepID:            p.StepID,
		InstanceID:        p.StepInstanceID,
		Attempt:           p.Attempt,
		Input:             p.Input,
	}
	ctx, span := tracing.StartStepSpan(ctx, task.RunID, task.InstanceID, task.Attempt)
	defer span.End()

	res, err := d.executor.Execute(ctx, task)
	if err != nil {
		return err
	}
	switch {
	case res.Settled != nil:
		return d.EnqueueTick(ctx, task.RunID, task.RunID+":"+res.Settled.ID)
	case res.Retry != nil:
		next := *task
		next.Attempt = res.Retry.NextAttempt
		return d.EnqueueStep(ctx, &next, &res.Retry.NextAttemptAt)
	default:
		return nil
	}
}

// handleHealth answers a probe on its response stream. Health streams
// belong to no run; stores must accept them regardless.
func (d *Dispatcher) handleHealth(ctx context.Context, endpoint string, p *healthPayload) error {
	w := streams.NewWriter(d.world.Streams(), p.CorrelationID, HealthStreamName(p.CorrelationID))
	err := w.WriteJSON(ctx, healthResponse{
		Healthy:       true,
		Endpoint:      endpoint,
		CorrelationID: p.CorrelationID,
		Timestamp:     d.clock().UnixMilli(),
	})
	if err == nil {
		err = w.Close(ctx)
	}
	metrics.HealthChecks.WithLabelValues(endpoint, fmt.Sprint(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("health response %s: %w", p.CorrelationID, err)
	}
	return nil
}

func tickResult(o replay.Outcome) string {
	switch o {
	case replay.OutcomeCompleted:
		return "completed"
	case replay.OutcomeFailed:
		return "failed"
	default:
		return "suspended"
	}
}
