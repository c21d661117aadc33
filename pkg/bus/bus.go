package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBufferSize = 100
	defaultWorkers    = 4
)

// Options sizes the queue.
type Options struct {
	Workers   int
	QueueSize int
	// OnFinish, when set, is called synchronously after every job.
	OnFinish func(Result)
}

// Bus runs submitted jobs on a fixed pool of workers and fans lifecycle
// events out to subscribers.
type Bus struct {
	jobs     chan Job
	workers  int
	onFinish func(Result)

	jobCtx     context.Context
	cancelJobs context.CancelFunc
	startOnce  sync.Once
	workerWG   sync.WaitGroup

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultBufferSize
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	return &Bus{
		jobs:             make(chan Job, opts.QueueSize),
		workers:          opts.Workers,
		onFinish:         opts.OnFinish,
		jobCtx:           jobCtx,
		cancelJobs:       cancel,
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		for range b.workers {
			b.workerWG.Add(1)
			go b.worker()
		}
	})
}

// Submit enqueues job without blocking. It fails with ErrQueueFull when the
// buffer is exhausted and ErrClosed after Shutdown.
func (b *Bus) Submit(job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("job has no run function")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.EnqueuedAt = time.Now()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrClosed
	}
	select {
	case b.jobs <- job:
	default:
		b.mu.RUnlock()
		return "", ErrQueueFull
	}
	b.mu.RUnlock()

	b.publish(Event{Type: EventJobQueued, JobID: job.ID, Kind: job.Kind, Key: job.Key})
	return job.ID, nil
}

// Pending returns the number of queued jobs not yet picked up.
func (b *Bus) Pending() int {
	return len(b.jobs)
}

// Capacity returns the queue buffer size.
func (b *Bus) Capacity() int {
	return cap(b.jobs)
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. When ctx ends first, running jobs see their context cancelled.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()

	// Drain with no workers when Start was never called.
	b.startOnce.Do(func() {
		for range b.jobs {
		}
	})

	drained := make(chan struct{})
	go func() {
		b.workerWG.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		b.cancelJobs()
		<-drained
		err = ctx.Err()
	}

	b.cancelJobs()
	b.Close()
	return err
}

func (b *Bus) worker() {
	defer b.workerWG.Done()

	for job := range b.jobs {
		b.run(job)
	}
}

func (b *Bus) run(job Job) {
	b.publish(Event{Type: EventJobStarted, JobID: job.ID, Kind: job.Kind, Key: job.Key})

	started := time.Now()
	err := b.invoke(job)
	result := Result{Job: job, Duration: time.Since(started), Err: err}

	if b.onFinish != nil {
		b.onFinish(result)
	}

	event := Event{Type: EventJobCompleted, JobID: job.ID, Kind: job.Kind, Key: job.Key, Duration: result.Duration}
	if err != nil {
		event.Type = EventJobFailed
		event.Error = err.Error()
	}
	b.publish(event)
}

func (b *Bus) invoke(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
		}
	}()
	return job.Run(b.jobCtx)
}

// Close stops event delivery and closes all subscriber channels. It does not
// wait for jobs; use Shutdown for that.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.eventSubscribers {
			close(ch)
			delete(b.eventSubscribers, id)
		}
		b.mu.Unlock()
	})
}
