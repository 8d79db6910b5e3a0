package core

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the reliable queue used between the API and the mail worker.
// Reserved jobs stay in the processing set until acked, so a crashed worker
// loses nothing: the reclaimer moves expired reservations back to pending.
type RedisClient interface {
	Enqueue(ctx context.Context, pendingKey string, value string) error
	Reserve(ctx context.Context, pendingKey, processingKey string, visibility time.Duration) (string, error)
	Ack(ctx context.Context, processingKey string, value string) error
	RequeueExpired(ctx context.Context, processingKey, pendingKey string, now time.Time) ([]string, error)
}

// RedisClientRaw exposes a minimal subset used for metrics and heartbeat.
type RedisClientRaw interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
}

// reserveScript: RPOP pending, ZADD processing with the visibility deadline.
var reserveScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
  redis.call('ZADD', KEYS[2], ARGV[1], v)
end
return v
`)

// requeueScript moves up to ARGV[2] expired reservations back to pending.
// RPUSH puts them at the consuming end so a reclaimed notification is not
// delayed behind newer registrations.
var requeueScript = redis.NewScript(`
local vals = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #vals > 0 then
  redis.call('ZREM', KEYS[1], unpack(vals))
  redis.call('RPUSH', KEYS[2], unpack(vals))
end
return vals
`)

// RedisQueue implements RedisClient using go-redis.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisClient returns a configured go-redis client from URL (e.g., redis://localhost:6379/0).
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("empty redis url")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue pushes a value to the head of the pending list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, pendingKey string, value string) error {
	return q.client.LPush(ctx, pendingKey, value).Err()
}

// Reserve returns redis.Nil when the pending list is empty.
func (q *RedisQueue) Reserve(ctx context.Context, pendingKey, processingKey string, visibility time.Duration) (string, error) {
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	res, err := reserveScript.Run(ctx, q.client, []string{pendingKey, processingKey}, deadline).Result()
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", redis.Nil
	}
	s, ok := res.(string)
	if !ok {
		return "", errors.New("unexpected reserve response type")
	}
	return s, nil
}

// Ack removes a processing item after it has been handled.
func (q *RedisQueue) Ack(ctx context.Context, processingKey string, value string) error {
	return q.client.ZRem(ctx, processingKey, value).Err()
}

// RequeueExpired returns the jobs it moved back to pending, at most
// requeueBatchSize per call.
func (q *RedisQueue) RequeueExpired(ctx context.Context, processingKey, pendingKey string, now time.Time) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client, []string{processingKey, pendingKey}, now.UnixMilli(), requeueBatchSize).Result()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	rawVals, ok := res.([]interface{})
	if !ok {
		return nil, errors.New("unexpected requeue response type")
	}
	out := make([]string, 0, len(rawVals))
	for _, v := range rawVals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
