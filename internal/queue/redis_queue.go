package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-allocator/internal/config"
)

const (
	readyKey     = "runs:ready"
	scheduledKey = "runs:scheduled"
)

// RunRequest asks the allocator to generate the task set for (model, date).
type RunRequest struct {
	ModelID     string `json:"model_id"`
	Date        string `json:"date"` // YYYY-MM-DD
	RequestedBy string `json:"requested_by,omitempty"`
}

// RedisQueue carries run requests from the API to the allocator worker and
// publishes sync notifications after successful batches.
type RedisQueue struct {
	client      *redis.Client
	syncChannel string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sync := cfg.SyncChannel
	if sync == "" {
		sync = "sync:changes"
	}
	return &RedisQueue{client: client, syncChannel: sync}
}

// NewRedisQueueWithClient wraps an existing client, used in tests.
func NewRedisQueueWithClient(client *redis.Client, syncChannel string) *RedisQueue {
	return &RedisQueue{client: client, syncChannel: syncChannel}
}

// EnqueueRun pushes a run request onto the ready list.
func (q *RedisQueue) EnqueueRun(ctx context.Context, req RunRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	if err := q.client.RPush(ctx, readyKey, body).Err(); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

// ScheduleRun defers a run request until runAt.
func (q *RedisQueue) ScheduleRun(ctx context.Context, req RunRequest, runAt time.Time) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	err = q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: body,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule run: %w", err)
	}
	return nil
}

// PromoteScheduled moves due scheduled requests onto the ready list and
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, scheduledKey, m)
		pipe.RPush(ctx, readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DequeueRun pops the next run request. Returns false when the queue is empty.
func (q *RedisQueue) DequeueRun(ctx context.Context) (RunRequest, bool, error) {
	body, err := q.client.LPop(ctx, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return RunRequest{}, false, nil
	}
	if err != nil {
		return RunRequest{}, false, fmt.Errorf("dequeue run: %w", err)
	}
	var req RunRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return RunRequest{}, false, fmt.Errorf("decode run request: %w", err)
	}
	return req, true, nil
}

// Depth returns the number of pending run requests.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

type syncEvent struct {
	ModelID string    `json:"model_id"`
	Date    string    `json:"date"`
	At      time.Time `json:"at"`
}

// PublishSync announces that a model's task set changed. Fire-and-forget:
// callers ignore the result beyond logging.
func (q *RedisQueue) PublishSync(ctx context.Context, modelID, date string) error {
	body, err := json.Marshal(syncEvent{ModelID: modelID, Date: date, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal sync event: %w", err)
	}
	return q.client.Publish(ctx, q.syncChannel, body).Err()
}
