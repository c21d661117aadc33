// Package binding persists the association between a chat conversation
// thread and the remote task that serves it.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskbridge/pkg/config"
)

// ErrNotFound is returned when no live binding exists for a key.
var ErrNotFound = errors.New("binding not found")

// Thread identifies one conversation on one chat platform.
type Thread struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
}

// Key is the stable store key of the thread: platform:channel:thread.
func (t Thread) Key() string {
	return t.Platform + ":" + t.ChannelID + ":" + t.ThreadID
}

func (t Thread) String() string {
	return t.Key()
}

// Binding links a thread to its task.
type Binding struct {
	Thread
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps bindings in both directions. Bind is create-if-absent: when the
// thread already has a live binding the existing one is returned with
// created=false and nothing is overwritten.
type Store interface {
	LookupThread(ctx context.Context, thread Thread) (string, error)
	LookupTask(ctx context.Context, taskID string) (Binding, error)
	Bind(ctx context.Context, b Binding) (Binding, bool, error)
	Close() error
}

func validate(b Binding) error {
	if strings.TrimSpace(b.TaskID) == "" {
		return errors.New("binding: task id is required")
	}
	if strings.TrimSpace(b.ChannelID) == "" || strings.TrimSpace(b.ThreadID) == "" {
		return errors.New("binding: channel and thread ids are required")
	}
	return nil
}

// Open builds the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	ttl := cfg.Bridge.BindingTTL()

	switch cfg.Store.Driver {
	case "", config.StoreMemory:
		return NewMemoryStore(ttl), nil
	case config.StoreRedis:
		client, err := NewRedisClient(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Store.KeyPrefix, ttl), nil
	case config.StorePostgres:
		store, err := OpenPostgres(ctx, cfg.Store.DatabaseURL, ttl)
		if err != nil {
			return nil, err
		}
		if log != nil {
			log.With("component", "binding.postgres").Info("Binding table ready")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
