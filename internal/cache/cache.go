package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetPredictionStatus(ctx context.Context, predictionID uuid.UUID, entry StatusEntry, ttl time.Duration) error
	GetPredictionStatus(ctx context.Context, predictionID uuid.UUID) (StatusEntry, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// StatusEntry is the cached view of a prediction: its owner and last known status.
type StatusEntry struct {
	TenantID uuid.UUID
	Status   string
}

func (e StatusEntry) encode() string {
	return e.TenantID.String() + "|" + e.Status
}

func decodeStatusEntry(v string) (StatusEntry, bool) {
	tenant, status, ok := strings.Cut(v, "|")
	if !ok || status == "" {
		return StatusEntry{}, false
	}
	id, err := uuid.Parse(tenant)
	if err != nil {
		return StatusEntry{}, false
	}
	return StatusEntry{TenantID: id, Status: status}, true
}

var predictionStatuses = []string{
	models.PredictionStatusQueued,
	models.PredictionStatusRunning,
	models.PredictionStatusCompleted,
	models.PredictionStatusFailed,
}

// outranking lists the statuses a cached entry may hold that status must not overwrite.
func outranking(status string) []string {
	var out []string
	for _, s := range predictionStatuses {
		if models.StatusRank(s) > models.StatusRank(status) {
			out = append(out, s)
		}
	}
	return out
}

// setStatusScript writes ARGV[1] unless the stored entry's status is one of ARGV[3..].
var setStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local status = string.match(cur, '|(.*)$')
  for i = 3, #ARGV do
    if status == ARGV[i] then
      return 0
    end
  end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection so the redis queue driver can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetPredictionStatus never moves a cached status backwards along the state machine.
func (c *RedisCache) SetPredictionStatus(ctx context.Context, predictionID uuid.UUID, entry StatusEntry, ttl time.Duration) error {
	args := []any{entry.encode(), ttl.Milliseconds()}
	for _, s := range outranking(entry.Status) {
		args = append(args, s)
	}
	return setStatusScript.Run(ctx, c.client, []string{PredictionStatusKey(predictionID)}, args...).Err()
}

func (c *RedisCache) GetPredictionStatus(ctx context.Context, predictionID uuid.UUID) (StatusEntry, bool, error) {
	val, err := c.client.Get(ctx, PredictionStatusKey(predictionID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusEntry{}, false, nil
	}
	if err != nil {
		return StatusEntry{}, false, err
	}
	entry, ok := decodeStatusEntry(val)
	if !ok {
		return StatusEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
