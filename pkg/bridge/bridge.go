// Package bridge correlates chat conversations with remote tasks and
// replays finished task turns back into the conversation they came from.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/config"
	"taskbridge/pkg/manus"
)

const defaultPromptTemplate = "{{.Prompt}}"

// TaskAPI is the subset of the remote task client the bridge needs.
type TaskAPI interface {
	CreateTask(ctx context.Context, req manus.CreateTaskRequest) (manus.CreatedTask, error)
	GetTask(ctx context.Context, taskID string) (manus.Task, error)
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
}

// EventPublisher receives bridge lifecycle events. *bus.Bus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Options carries task defaults applied to every created task.
type Options struct {
	AgentProfile   string
	TaskMode       string
	Connectors     []string
	PromptTemplate string
}

// OptionsFromConfig maps config sections onto bridge options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AgentProfile:   cfg.Manus.AgentProfile,
		TaskMode:       cfg.Manus.TaskMode,
		Connectors:     cfg.Manus.Connectors,
		PromptTemplate: cfg.Bridge.PromptTemplate,
	}
}

// promptData is the template input for Options.PromptTemplate.
type promptData struct {
	Prompt    string
	Platform  string
	ChannelID string
	ThreadID  string
}

// Bridge owns the correlator and the reply synchronizer.
type Bridge struct {
	tasks  TaskAPI
	store  binding.Store
	events EventPublisher
	opts   Options
	prompt *template.Template
	log    *slog.Logger

	threadLocks *keyedMutex
	taskLocks   *keyedMutex

	mu        sync.RWMutex
	platforms map[string]channel.Platform
}

// New validates options and compiles the prompt template.
func New(tasks TaskAPI, store binding.Store, opts Options, log *slog.Logger) (*Bridge, error) {
	if tasks == nil {
		return nil, errors.New("task api is required")
	}
	if store == nil {
		return nil, errors.New("binding store is required")
	}
	if strings.TrimSpace(opts.AgentProfile) == "" {
		opts.AgentProfile = config.DefaultAgentProfile
	}

	text := opts.PromptTemplate
	if strings.TrimSpace(text) == "" {
		text = defaultPromptTemplate
	}
	prompt, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Bridge{
		tasks:       tasks,
		store:       store,
		opts:        opts,
		prompt:      prompt,
		log:         log,
		threadLocks: newKeyedMutex(),
		taskLocks:   newKeyedMutex(),
		platforms:   make(map[string]channel.Platform),
	}, nil
}

// SetEventPublisher attaches an optional event sink.
func (b *Bridge) SetEventPublisher(events EventPublisher) {
	b.events = events
}

// RegisterPlatform makes a chat platform available for routing by name.
func (b *Bridge) RegisterPlatform(p channel.Platform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platforms[p.Name()] = p
}

// Platforms lists registered platform names.
func (b *Bridge) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.platforms))
	for name := range b.platforms {
		names = append(names, name)
	}
	return names
}

func (b *Bridge) platform(name string) (channel.Platform, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.platforms[name]
	if !ok {
		return nil, fmt.Errorf("no platform registered for %q", name)
	}
	return p, nil
}

func (b *Bridge) renderPrompt(thread binding.Thread, text string) (string, error) {
	var out strings.Builder
	err := b.prompt.Execute(&out, promptData{
		Prompt:    text,
		Platform:  thread.Platform,
		ChannelID: thread.ChannelID,
		ThreadID:  thread.ThreadID,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return out.String(), nil
}

func (b *Bridge) publish(ctx context.Context, event bus.Event) {
	if b.events != nil {
		b.events.PublishEvent(ctx, event)
	}
}
