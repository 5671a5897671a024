package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/models"
	"drawing-mesh-pipeline/internal/telemetry"
)

// RedisQueue keeps the delivery queue in a Redis list so a consumer restart
// or an operator with redis-cli can see what is pending. Entries that cannot
// be decoded on pop are moved to <key>:dead.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.DeliveryQueueKey)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "queue:delivery"
	}
	return &RedisQueue{client: client, key: key, deadKey: key + ":dead"}
}

// Push appends the encoded item to the tail of the list.
func (q *RedisQueue) Push(ctx context.Context, item models.DeliveryItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal delivery item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("rpush delivery item: %w", err)
	}
	return nil
}

// PopFront pops the head of the list. LPOP is atomic, so two concurrent
// pollers never receive the same item.
func (q *RedisQueue) PopFront(ctx context.Context) (models.DeliveryItem, bool, error) {
	raw, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DeliveryItem{}, false, nil
	}
	if err != nil {
		return models.DeliveryItem{}, false, fmt.Errorf("lpop delivery item: %w", err)
	}
	var item models.DeliveryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		if dlqErr := q.client.RPush(ctx, q.deadKey, raw).Err(); dlqErr != nil {
			return models.DeliveryItem{}, false, fmt.Errorf("decode delivery item: %w (dead-letter push failed: %v, payload %q)", err, dlqErr, raw)
		}
		telemetry.DeliveryDeadLetter.Inc()
		return models.DeliveryItem{}, false, fmt.Errorf("decode delivery item, moved to %s: %w", q.deadKey, err)
	}
	return item, true, nil
}

// DeadLetters returns the raw payloads that failed to decode, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]string, error) {
	raws, err := q.client.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dead letters: %w", err)
	}
	return raws, nil
}

// Peek reads every pending item without removing it.
func (q *RedisQueue) Peek(ctx context.Context) ([]models.DeliveryItem, error) {
	raws, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange delivery queue: %w", err)
	}
	out := make([]models.DeliveryItem, 0, len(raws))
	for _, raw := range raws {
		var item models.DeliveryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode delivery item: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Clear drops the list inside one transaction and returns the length it had.
func (q *RedisQueue) Clear(ctx context.Context) (int, error) {
	pipe := q.client.TxPipeline()
	n := pipe.LLen(ctx, q.key)
	pipe.Del(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clear delivery queue: %w", err)
	}
	return int(n.Val()), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen delivery queue: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
