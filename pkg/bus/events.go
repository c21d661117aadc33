package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"

	EventTaskCreated   EventType = "task_created"
	EventTaskContinued EventType = "task_continued"
	EventTaskUntracked EventType = "task_untracked"
	EventReplyPosted   EventType = "reply_posted"
	EventDuplicate     EventType = "duplicate_delivery"
)

type Event struct {
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	JobID    string            `json:"job_id,omitempty"`
	Kind     JobKind           `json:"kind,omitempty"`
	Key      string            `json:"key,omitempty"`
	TaskID   string            `json:"task_id,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// PublishEvent delivers event to current subscribers. It returns false once
// the bus is closed or ctx is done.
func (b *Bus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	return b.publish(event)
}

func (b *Bus) publish(event Event) bool {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

// SubscribeEvents returns a buffered event stream that closes when ctx ends,
// the bus closes, or the returned cancel func is called.
func (b *Bus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextEventSubscriberID
	b.nextEventSubscriberID++
	b.eventSubscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.eventSubscribers[id]; ok {
				delete(b.eventSubscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
