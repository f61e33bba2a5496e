package redisworld

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/world"
)

type queueClient World

// envelope wraps a message on the wire with its delivery bookkeeping.
type envelope struct {
	DeliveryCount int            `json:"deliveryCount"`
	Message       *world.Message `json:"message"`
}

// promoteScript moves due delayed messages onto the ready list.
// KEYS: delayed zset, ready list. ARGV[1]: now in unix ms.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for i = 1, #due do
  redis.call('RPUSH', KEYS[2], due[i])
  redis.call('ZREM', KEYS[1], due[i])
end
return #due
`)

func (q *queueClient) Enqueue(ctx context.Context, msg *world.Message) error {
	if msg.IdempotencyKey != "" {
		ok, err := q.client.SetNX(ctx, idemKey(msg.QueueName, msg.IdempotencyKey), msg.ID, q.maxAge).Result()
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if !ok {
			// Duplicate: suppressed, and suppression is success.
			return nil
		}
	}
	return q.push(ctx, &envelope{DeliveryCount: 1, Message: msg})
}

func (q *queueClient) Requeue(ctx context.Context, msg *world.Message) error {
	// The idempotency key already maps to this message id; skipping the
	// check restarts the lifetime without forging a new identity.
	return q.push(ctx, &envelope{DeliveryCount: 1, Message: msg})
}

func (q *queueClient) push(ctx context.Context, env *envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", env.Message.ID, err)
	}
	msg := env.Message
	if msg.RequestedAt != nil && msg.RequestedAt.After(q.clock()) {
		err = q.client.ZAdd(ctx, queueDelayedKey(msg.QueueName), redis.Z{
			Score:  float64(msg.RequestedAt.UnixMilli()),
			Member: string(raw),
		}).Err()
	} else {
		err = q.client.RPush(ctx, queueReadyKey(msg.QueueName), string(raw)).Err()
	}
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", msg.ID, msg.QueueName, err)
	}
	return nil
}

func (q *queueClient) Receive(ctx context.Context, queues []string) (world.Delivery, error) {
	readyKeys := make([]string, len(queues))
	for i, name := range queues {
		readyKeys[i] = queueReadyKey(name)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := q.clock().UnixMilli()
		for _, name := range queues {
			if err := promoteScript.Run(ctx, q.client,
				[]string{queueDelayedKey(name), queueReadyKey(name)}, now).Err(); err != nil {
				return nil, fmt.Errorf("promote delayed on %s: %w", name, err)
			}
		}

		res, err := q.client.BLPop(ctx, q.pollInterval, readyKeys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		// res is [key, value].
		var env envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		return &delivery{q: q, env: &env}, nil
	}
}

type delivery struct {
	q   *queueClient
	env *envelope
}

func (d *delivery) Message() *world.Message { return d.env.Message }
func (d *delivery) DeliveryCount() int      { return d.env.DeliveryCount }

// Ack is a no-op: the pop already consumed the message.
func (d *delivery) Ack(ctx context.Context) error { return nil }

func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	next := *d.env.Message
	at := d.q.clock().Add(delay)
	next.RequestedAt = &at
	return d.q.push(ctx, &envelope{
		DeliveryCount: d.env.DeliveryCount + 1,
		Message:       &next,
	})
}
