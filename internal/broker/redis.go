package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/models"
)

// Queue keys. pending is the ready FIFO, delayed and inflight are sorted
// sets scored by ready-at and visibility deadline in unix milliseconds, and
// payload maps delivery IDs to their JSON messages.
const (
	keyPending  = "reelforge:queue:pending"
	keyDelayed  = "reelforge:queue:delayed"
	keyInflight = "reelforge:queue:inflight"
	keyPayload  = "reelforge:queue:payload"
)

// dequeueScript promotes due delayed entries and expired in-flight entries
// onto the pending list, pops the oldest ready delivery, marks it in flight
// and returns its payload. One script so a crash between the pop and the
// in-flight mark cannot lose a delivery.
var dequeueScript = redis.NewScript(`
local pending = KEYS[1]
local delayed = KEYS[2]
local inflight = KEYS[3]
local payload = KEYS[4]
local now = ARGV[1]
local deadline = ARGV[2]

local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', delayed, id)
  redis.call('RPUSH', pending, id)
end

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', inflight, id)
  redis.call('RPUSH', pending, id)
end

local id = redis.call('LPOP', pending)
if not id then
  return false
end

redis.call('ZADD', inflight, deadline, id)

local data = redis.call('HGET', payload, id)
if not data then
  redis.call('ZREM', inflight, id)
  return false
end
return data
`)

// nackScript requeues an in-flight delivery for a later attempt. The guard
// on the ZREM result makes a nack for an already acked or reclaimed
// delivery a no-op instead of a duplicate.
var nackScript = redis.NewScript(`
local inflight = KEYS[1]
local delayed = KEYS[2]
local pending = KEYS[3]
local id = ARGV[1]
local readyAt = tonumber(ARGV[2])

if redis.call('ZREM', inflight, id) == 0 then
  return 0
end

if readyAt > 0 then
  redis.call('ZADD', delayed, readyAt, id)
else
  redis.call('RPUSH', pending, id)
end
return 1
`)

// RedisBroker is the Redis-backed Broker implementation.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	// now is swapped out by tests to drive visibility deadlines.
	now func() time.Time
}

// NewRedisBroker connects to Redis and returns a broker. The connection is
// verified with a ping before returning.
func NewRedisBroker(cfg config.RedisConfig, logger *slog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("connected to redis broker", "addr", cfg.Addr, "db", cfg.DB)

	return &RedisBroker{
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Enqueue queues a start message for the job. A positive delay parks the
// message on the delayed set until it becomes ready.
func (b *RedisBroker) Enqueue(ctx context.Context, jobID models.ULID, delay time.Duration) error {
	msg := Message{
		DeliveryID: models.NewULID().String(),
		JobID:      jobID,
		EnqueuedAt: b.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, keyPayload, msg.DeliveryID, data)
	if delay > 0 {
		readyAt := b.now().Add(delay)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: msg.DeliveryID})
	} else {
		pipe.RPush(ctx, keyPending, msg.DeliveryID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue pops the oldest ready message and makes it invisible for the
// visibility window. Due delayed messages and expired in-flight deliveries
// are promoted first. Returns nil when no message is ready.
func (b *RedisBroker) Dequeue(ctx context.Context, visibility time.Duration) (*Message, error) {
	now := b.now()
	deadline := now.Add(visibility)

	result, err := dequeueScript.Run(ctx, b.client,
		[]string{keyPending, keyDelayed, keyInflight, keyPayload},
		now.UnixMilli(), deadline.UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing: %w", err)
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("dequeueing: unexpected script result %T", result)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshaling message: %w", err)
	}
	return &msg, nil
}

// Ack removes a delivered message for good.
func (b *RedisBroker) Ack(ctx context.Context, deliveryID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight, deliveryID)
	pipe.HDel(ctx, keyPayload, deliveryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking delivery %s: %w", deliveryID, err)
	}
	return nil
}

// Nack returns a delivered message to the queue after the given delay.
// Nacking a delivery that is no longer in flight is a no-op.
func (b *RedisBroker) Nack(ctx context.Context, deliveryID string, delay time.Duration) error {
	var readyAt int64
	if delay > 0 {
		readyAt = b.now().Add(delay).UnixMilli()
	}

	err := nackScript.Run(ctx, b.client,
		[]string{keyInflight, keyDelayed, keyPending},
		deliveryID, readyAt,
	).Err()
	if err != nil {
		return fmt.Errorf("nacking delivery %s: %w", deliveryID, err)
	}
	return nil
}

// Len reports how many messages are queued: ready, delayed and in flight
// combined.
func (b *RedisBroker) Len(ctx context.Context) (int64, error) {
	pipe := b.client.TxPipeline()
	pending := pipe.LLen(ctx, keyPending)
	delayed := pipe.ZCard(ctx, keyDelayed)
	inflight := pipe.ZCard(ctx, keyInflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("measuring queue depth: %w", err)
	}
	return pending.Val() + delayed.Val() + inflight.Val(), nil
}

// Ping verifies the broker connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the broker connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Ensure RedisBroker implements the Broker interface
var _ Broker = (*RedisBroker)(nil)
