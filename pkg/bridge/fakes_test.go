package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/manus"
)

type fakeTasks struct {
	mu       sync.Mutex
	creates  []manus.CreateTaskRequest
	uploads  map[string][]byte
	tasks    map[string]manus.Task
	nextID   int
	createFn func(manus.CreateTaskRequest) error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{uploads: make(map[string][]byte), tasks: make(map[string]manus.Task)}
}

func (f *fakeTasks) CreateTask(_ context.Context, req manus.CreateTaskRequest) (manus.CreatedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createFn != nil {
		if err := f.createFn(req); err != nil {
			return manus.CreatedTask{}, err
		}
	}

	f.creates = append(f.creates, req)
	id := req.TaskID
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("task-%d", f.nextID)
	}
	return manus.CreatedTask{TaskID: id, TaskURL: "https://manus.example/app/" + id}, nil
}

func (f *fakeTasks) GetTask(_ context.Context, taskID string) (manus.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return manus.Task{}, &manus.APIError{Method: "GET", Path: "/tasks/" + taskID, StatusCode: 404}
	}
	return task, nil
}

func (f *fakeTasks) UploadFile(_ context.Context, filename string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads[filename] = content
	return "file-" + filename, nil
}

func (f *fakeTasks) createdRequests() []manus.CreateTaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manus.CreateTaskRequest(nil), f.creates...)
}

type postedReply struct {
	thread binding.Thread
	reply  channel.Reply
}

type fakePlatform struct {
	name string

	mu           sync.Mutex
	downloads    []string
	started      []string
	acknowledged []string
	replies      []postedReply
	downloadErr  error
	replyErr     error
}

func (p *fakePlatform) Name() string { return p.name }

func (p *fakePlatform) DownloadAttachment(_ context.Context, file channel.InboundFile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.downloadErr != nil {
		return nil, p.downloadErr
	}
	p.downloads = append(p.downloads, file.URL)
	return []byte("content of " + file.Name), nil
}

func (p *fakePlatform) PostTaskStarted(_ context.Context, _ binding.Thread, taskURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, taskURL)
	return nil
}

func (p *fakePlatform) Acknowledge(_ context.Context, _ binding.Thread, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acknowledged = append(p.acknowledged, messageID)
	return nil
}

func (p *fakePlatform) PostReply(_ context.Context, thread binding.Thread, reply channel.Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.replyErr != nil {
		return p.replyErr
	}
	p.replies = append(p.replies, postedReply{thread: thread, reply: reply})
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingEvents) PublishEvent(_ context.Context, event bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *recordingEvents) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]bus.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var errFake = errors.New("fake failure")
