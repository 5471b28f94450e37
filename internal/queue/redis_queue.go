package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"express-audit/internal/config"
)

// RedisQueue coordinates the ready list and in-flight lease set for audit
// tokens. An audit is enqueued exactly once at creation; retries of the
// registry lookup happen inside the worker, never by re-queueing.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests with
// miniredis.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 90 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "audits:ready",
		inflightKey:   "audits:inflight",
		visibilityTTL: visibility,
	}
}

// Enqueue appends an audit token to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, token string) error {
	return q.client.RPush(ctx, q.readyKey, token).Err()
}

// DequeueWithLease pops the next token and places it into the in-flight set
// with a visibility deadline. Empty string means the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return token, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight audit,
// used while the registry stage waits out its backoff.
func (q *RedisQueue) ExtendLease(ctx context.Context, token string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: token,
	}).Err()
}

// Ack removes an audit from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, token string) error {
	return q.client.ZRem(ctx, q.inflightKey, token).Err()
}

// RequeueExpired reclaims leases that timed out, pushing the tokens back onto
// the ready list. The store-side status guard keeps a reclaimed token from
// running twice: a token whose audit already left pending is dropped on
// dequeue.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	tokens, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, token := range tokens {
		pipe.ZRem(ctx, q.inflightKey, token)
		pipe.RPush(ctx, q.readyKey, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Depth returns the number of audits waiting to run.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local token = redis.call('LPOP', KEYS[1])
if token then
  redis.call('ZADD', KEYS[2], ARGV[1], token)
  return token
end
return nil
`)
