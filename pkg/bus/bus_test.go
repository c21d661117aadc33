package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJob(t *testing.T) {
	b := New(Options{Workers: 2, QueueSize: 4})
	b.Start()
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	ran := make(chan string, 1)
	id, err := b.Submit(Job{Kind: JobChatMessage, Run: func(context.Context) error {
		ran <- "ok"
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated job id")
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestSubmitNeverBlocksWhenFull(t *testing.T) {
	b := New(Options{Workers: 1, QueueSize: 1})
	// Not started: nothing drains the buffer.
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	noop := func(context.Context) error { return nil }
	if _, err := b.Submit(Job{Run: noop}); err != nil {
		t.Fatalf("first Submit error: %v", err)
	}

	start := time.Now()
	_, err := b.Submit(Job{Run: noop})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit error = %v, want ErrQueueFull", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	b := New(Options{})
	b.Start()
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	if _, err := b.Submit(Job{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit error = %v, want ErrClosed", err)
	}
}

func TestSubmitRequiresRun(t *testing.T) {
	b := New(Options{})
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	if _, err := b.Submit(Job{}); err == nil {
		t.Fatal("expected error for job without run func")
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	b := New(Options{Workers: 1, QueueSize: 10})

	var count atomic.Int32
	for range 5 {
		if _, err := b.Submit(Job{Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	b.Start()
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	if got := count.Load(); got != 5 {
		t.Fatalf("jobs run = %d, want 5", got)
	}
}

func TestShutdownDeadlineCancelsRunningJobs(t *testing.T) {
	b := New(Options{Workers: 1})
	b.Start()

	started := make(chan struct{})
	if _, err := b.Submit(Job{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown error = %v, want deadline exceeded", err)
	}
}

func TestOnFinishReportsResults(t *testing.T) {
	var (
		mu      sync.Mutex
		results []Result
	)
	b := New(Options{Workers: 1, OnFinish: func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}})
	b.Start()

	boom := errors.New("boom")
	_, _ = b.Submit(Job{Kind: JobTaskCompletion, Run: func(context.Context) error { return boom }})
	_, _ = b.Submit(Job{Kind: JobChatMessage, Run: func(context.Context) error { panic("bad") }})

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("first result error = %v, want boom", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatal("expected panic to be reported as error")
	}
}

func TestJobLifecycleEvents(t *testing.T) {
	b := New(Options{Workers: 1})
	events, unsubscribe := b.SubscribeEvents(context.Background(), 10)
	defer unsubscribe()
	b.Start()

	_, err := b.Submit(Job{Kind: JobChatMessage, Key: "slack:C1:1", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	want := []EventType{EventJobQueued, EventJobStarted, EventJobCompleted}
	for _, wantType := range want {
		select {
		case got := <-events:
			if got.Type != wantType {
				t.Fatalf("event type = %q, want %q", got.Type, wantType)
			}
			if got.Key != "slack:C1:1" {
				t.Fatalf("event key = %q", got.Key)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %q event", wantType)
		}
	}

	_ = b.Shutdown(context.Background())
}

func TestEventFanout(t *testing.T) {
	b := New(Options{})
	t.Cleanup(b.Close)

	ctx := context.Background()
	eventsA, unsubA := b.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := b.SubscribeEvents(ctx, 1)
	defer unsubB()

	if ok := b.PublishEvent(ctx, Event{Type: EventTaskCreated, TaskID: "t-1"}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, ch := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-ch:
			if got.Type != EventTaskCreated || got.At.IsZero() {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	b := New(Options{})
	t.Cleanup(b.Close)

	ctx := context.Background()
	events, unsubscribe := b.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	b.PublishEvent(ctx, Event{Type: EventReplyPosted})

	start := time.Now()
	if ok := b.PublishEvent(ctx, Event{Type: EventReplyPosted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestPublishEventAfterClose(t *testing.T) {
	b := New(Options{})
	events, _ := b.SubscribeEvents(context.Background(), 1)
	b.Close()

	if ok := b.PublishEvent(context.Background(), Event{Type: EventReplyPosted}); ok {
		t.Fatal("expected publish to fail after close")
	}
	if _, open := <-events; open {
		t.Fatal("expected subscriber channel to be closed")
	}
}

func TestPublishEventCanceledContext(t *testing.T) {
	b := New(Options{})
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := b.PublishEvent(ctx, Event{Type: EventReplyPosted}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}
}
