// Package dedup remembers recently delivered event ids so redelivered
// webhooks are acknowledged without being processed twice.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const defaultMemorySize = 10_000

// Deduper marks event ids as seen.
type Deduper interface {
	// Seen records id and reports whether it had already been recorded.
	Seen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a later redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// Nop never reports duplicates. It is used when dedup is disabled.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) Forget(context.Context, string) error       { return nil }

// Memory is an in-process expiring LRU of event ids.
type Memory struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemory remembers up to size ids for ttl each.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &Memory{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache.Contains(id) {
		return true, nil
	}
	m.cache.Add(id, struct{}{})
	return false, nil
}

func (m *Memory) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(id)
	return nil
}

// Redis shares seen ids across replicas using SETNX with expiry.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis stores ids under {prefix}:event:{id}.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string {
	return r.prefix + ":event:" + id
}

func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}

	fresh, err := r.client.SetNX(ctx, r.key(id), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis mark event %s: %w", id, err)
	}
	return !fresh, nil
}

func (r *Redis) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis forget event %s: %w", id, err)
	}
	return nil
}
