package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisPollInterval = 250 * time.Millisecond

// receiveScript requeues expired leases, then pops ready ids until one is
// leasable. Messages whose receive count exceeds the cap move to the DLQ list.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local mkey = ARGV[4] .. id
  if redis.call('EXISTS', mkey) == 1 then
    local count = redis.call('HINCRBY', mkey, 'receive_count', 1)
    if count > tonumber(ARGV[3]) then
      redis.call('RPUSH', KEYS[3], id)
    else
      redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
      local fields = redis.call('HMGET', mkey, 'body', 'enqueued_at')
      return {id, fields[1], count, fields[2]}
    end
  end
end
`)

// deleteScript acks a message only while the receipt's receive count is current.
var deleteScript = redis.NewScript(`
local mkey = ARGV[2] .. ARGV[1]
if redis.call('HGET', mkey, 'receive_count') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', mkey)
return 1
`)

var extendScript = redis.NewScript(`
local mkey = ARGV[2] .. ARGV[1]
if redis.call('HGET', mkey, 'receive_count') ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[1])
return 1
`)

type redisQueue struct {
	client          redis.UniversalClient
	name            string
	visibility      time.Duration
	maxReceiveCount int
}

func newRedisQueue(cfg Config) (Queue, error) {
	if cfg.RedisClient == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: redis queue name is required", ErrInvalidConfig)
	}
	return &redisQueue{
		client:          cfg.RedisClient,
		name:            name,
		visibility:      cfg.Visibility,
		maxReceiveCount: cfg.MaxReceiveCount,
	}, nil
}

func (q *redisQueue) readyKey() string    { return "queue:" + q.name + ":ready" }
func (q *redisQueue) inflightKey() string { return "queue:" + q.name + ":inflight" }
func (q *redisQueue) dlqKey() string      { return "queue:" + q.name + ":dlq" }
func (q *redisQueue) msgPrefix() string   { return "queue:" + q.name + ":msg:" }

func (q *redisQueue) Send(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgPrefix()+id,
		"body", body,
		"receive_count", 0,
		"enqueued_at", time.Now().UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue/redis: send: %w", err)
	}
	return id, nil
}

func (q *redisQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		d, err := q.receiveOnce(ctx)
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !sleepCtx(ctx, min(remaining, redisPollInterval)) {
			return nil, nil
		}
	}
}

func (q *redisQueue) receiveOnce(ctx context.Context) (*Delivery, error) {
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.dlqKey()},
		time.Now().UnixMilli(), q.visibility.Milliseconds(), q.maxReceiveCount, q.msgPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: receive: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("queue/redis: receive: unexpected reply length %d", len(res))
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)
	d := &Delivery{
		ID:            id,
		Body:          []byte(body),
		ReceiveCount:  int(count),
		ReceiptHandle: id + ":" + strconv.FormatInt(count, 10),
	}
	if s, ok := res[3].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			d.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return d, nil
}

func (q *redisQueue) Delete(ctx context.Context, receiptHandle string) error {
	id, count, err := parseReceipt(receiptHandle)
	if err != nil {
		return err
	}
	n, err := deleteScript.Run(ctx, q.client, []string{q.inflightKey()}, id, q.msgPrefix(), count).Int()
	if err != nil {
		return fmt.Errorf("queue/redis: delete: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (q *redisQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	id, count, err := parseReceipt(receiptHandle)
	if err != nil {
		return err
	}
	visibleAt := time.Now().Add(timeout).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{q.inflightKey()}, id, q.msgPrefix(), count, visibleAt).Int()
	if err != nil {
		return fmt.Errorf("queue/redis: change visibility: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (q *redisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *redisQueue) Close() error { return nil }

// DeadLetterLen reports how many messages sit in the dead-letter list.
func (q *redisQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey()).Result()
}

func parseReceipt(handle string) (string, string, error) {
	id, count, ok := strings.Cut(handle, ":")
	if !ok || id == "" || count == "" {
		return "", "", fmt.Errorf("queue: malformed receipt handle %q", handle)
	}
	return id, count, nil
}
