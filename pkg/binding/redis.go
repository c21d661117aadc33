package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskbridge/pkg/config"
)

// NewRedisClient connects to the configured Redis and verifies it with PING.
func NewRedisClient(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// RedisStore keeps bindings as two keys per thread:
//
//	{prefix}:thread:{platform:channel:thread} -> task id
//	{prefix}:task:{task id}                   -> JSON binding
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = config.DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) threadKey(thread Thread) string {
	return s.prefix + ":thread:" + thread.Key()
}

func (s *RedisStore) taskKey(taskID string) string {
	return s.prefix + ":task:" + taskID
}

func (s *RedisStore) LookupThread(ctx context.Context, thread Thread) (string, error) {
	taskID, err := s.client.Get(ctx, s.threadKey(thread)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get thread %s: %w", thread.Key(), err)
	}
	return taskID, nil
}

func (s *RedisStore) LookupTask(ctx context.Context, taskID string) (Binding, error) {
	raw, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("redis get task %s: %w", taskID, err)
	}

	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode binding for task %s: %w", taskID, err)
	}
	return b, nil
}

// Bind claims the thread key with SETNX; only the winner writes the inverse key.
func (s *RedisStore) Bind(ctx context.Context, b Binding) (Binding, bool, error) {
	if err := validate(b); err != nil {
		return Binding{}, false, err
	}

	claimed, err := s.client.SetNX(ctx, s.threadKey(b.Thread), b.TaskID, s.ttl).Result()
	if err != nil {
		return Binding{}, false, fmt.Errorf("redis claim thread %s: %w", b.Key(), err)
	}

	if !claimed {
		existingID, err := s.LookupThread(ctx, b.Thread)
		if err != nil {
			return Binding{}, false, err
		}
		existing, err := s.LookupTask(ctx, existingID)
		if errors.Is(err, ErrNotFound) {
			// Inverse key not written yet by the winner.
			return Binding{Thread: b.Thread, TaskID: existingID}, false, nil
		}
		if err != nil {
			return Binding{}, false, err
		}
		return existing, false, nil
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return Binding{}, false, fmt.Errorf("encode binding: %w", err)
	}

	if err := s.client.Set(ctx, s.taskKey(b.TaskID), payload, s.ttl).Err(); err != nil {
		// Release the claim so the thread is not bound to a task whose
		// completions cannot be routed back.
		if delErr := s.client.Del(context.WithoutCancel(ctx), s.threadKey(b.Thread)).Err(); delErr != nil {
			err = errors.Join(err, fmt.Errorf("release thread claim: %w", delErr))
		}
		return Binding{}, false, fmt.Errorf("redis write task %s: %w", b.TaskID, err)
	}

	return b, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
