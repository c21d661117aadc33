package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when no buffer slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned by Submit after shutdown started.
	ErrClosed = errors.New("job queue is closed")
)

// JobKind names the kind of background work, used for logs and metrics.
type JobKind string

const (
	JobChatMessage    JobKind = "chat_message"
	JobTaskCompletion JobKind = "task_completion"
)

// Job is one unit of background work.
type Job struct {
	ID   string
	Kind JobKind
	// Key is a correlation hint for logs, e.g. a thread key or task id.
	Key        string
	Run        func(ctx context.Context) error
	EnqueuedAt time.Time
}

// Result describes a finished job.
type Result struct {
	Job      Job
	Duration time.Duration
	Err      error
}
