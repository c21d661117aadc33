package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/manus"
)

// Outcome reports what HandleIncomingMessage did.
type Outcome struct {
	TaskID  string
	TaskURL string
	// Created is true when a new task was started and bound to the thread.
	Created bool
	// Skipped is true when the message had no prompt and no files.
	Skipped bool
}

// HandleIncomingMessage starts a task for the first message of a thread and
// continues the bound task for every later one.
func (b *Bridge) HandleIncomingMessage(ctx context.Context, msg channel.InboundMessage) (Outcome, error) {
	log := b.log.With("component", "bridge.correlator", "thread", msg.Thread.Key())

	platform, err := b.platform(msg.Thread.Platform)
	if err != nil {
		return Outcome{}, err
	}

	text := strings.TrimSpace(channel.StripMention(msg.Text))
	if text == "" && len(msg.Files) == 0 {
		log.Info("Ignoring empty mention", "message_id", msg.MessageID)
		return Outcome{Skipped: true}, nil
	}

	unlock := b.threadLocks.Lock(msg.Thread.Key())
	defer unlock()

	attachments, err := b.transferAttachments(ctx, platform, msg.Files)
	if err != nil {
		return Outcome{}, err
	}

	prompt, err := b.renderPrompt(msg.Thread, text)
	if err != nil {
		return Outcome{}, err
	}

	existingID, err := b.store.LookupThread(ctx, msg.Thread)
	switch {
	case err == nil:
		return b.continueTask(ctx, platform, msg, existingID, prompt, attachments)
	case errors.Is(err, binding.ErrNotFound):
		return b.startTask(ctx, platform, msg, prompt, attachments)
	default:
		return Outcome{}, fmt.Errorf("lookup thread %s: %w", msg.Thread.Key(), err)
	}
}

func (b *Bridge) startTask(ctx context.Context, platform channel.Platform, msg channel.InboundMessage, prompt string, attachments []manus.Attachment) (Outcome, error) {
	log := b.log.With("component", "bridge.correlator", "thread", msg.Thread.Key())

	created, err := b.tasks.CreateTask(ctx, b.taskRequest(prompt, "", attachments))
	if err != nil {
		return Outcome{}, err
	}

	bound, isNew, err := b.store.Bind(ctx, binding.Binding{
		Thread:    msg.Thread,
		TaskID:    created.TaskID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("bind thread %s to task %s: %w", msg.Thread.Key(), created.TaskID, err)
	}
	if !isNew {
		// Another replica bound the thread first; its task keeps the thread
		// and this message continues it.
		log.Warn("Thread already bound, continuing bound task", "orphaned_task_id", created.TaskID, "bound_task_id", bound.TaskID)
		return b.continueTask(ctx, platform, msg, bound.TaskID, prompt, attachments)
	}

	log.Info("Task created", "task_id", created.TaskID, "attachments", len(attachments))
	b.publish(ctx, bus.Event{Type: bus.EventTaskCreated, TaskID: created.TaskID, Key: msg.Thread.Key()})

	if err := platform.PostTaskStarted(ctx, msg.Thread, created.TaskURL); err != nil {
		log.Warn("Failed to announce task", "task_id", created.TaskID, "error", err)
	}

	return Outcome{TaskID: created.TaskID, TaskURL: created.TaskURL, Created: true}, nil
}

func (b *Bridge) continueTask(ctx context.Context, platform channel.Platform, msg channel.InboundMessage, taskID string, prompt string, attachments []manus.Attachment) (Outcome, error) {
	log := b.log.With("component", "bridge.correlator", "thread", msg.Thread.Key())

	created, err := b.tasks.CreateTask(ctx, b.taskRequest(prompt, taskID, attachments))
	if err != nil {
		return Outcome{}, err
	}

	log.Info("Task continued", "task_id", taskID, "attachments", len(attachments))
	b.publish(ctx, bus.Event{Type: bus.EventTaskContinued, TaskID: taskID, Key: msg.Thread.Key()})

	if err := platform.Acknowledge(ctx, msg.Thread, msg.MessageID); err != nil {
		log.Warn("Failed to acknowledge follow-up", "task_id", taskID, "error", err)
	}

	return Outcome{TaskID: taskID, TaskURL: created.TaskURL}, nil
}

func (b *Bridge) taskRequest(prompt string, taskID string, attachments []manus.Attachment) manus.CreateTaskRequest {
	return manus.CreateTaskRequest{
		Prompt:       prompt,
		AgentProfile: b.opts.AgentProfile,
		TaskMode:     b.opts.TaskMode,
		TaskID:       taskID,
		Attachments:  attachments,
		Connectors:   b.opts.Connectors,
	}
}

// transferAttachments downloads each chat file and uploads it to the remote
// task API. Any failure aborts the message.
func (b *Bridge) transferAttachments(ctx context.Context, platform channel.Platform, files []channel.InboundFile) ([]manus.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	attachments := make([]manus.Attachment, 0, len(files))
	for _, file := range files {
		content, err := platform.DownloadAttachment(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("download attachment %q: %w", file.Name, err)
		}

		fileID, err := b.tasks.UploadFile(ctx, file.Name, content)
		if err != nil {
			return nil, fmt.Errorf("upload attachment %q: %w", file.Name, err)
		}

		attachments = append(attachments, manus.Attachment{FileID: fileID, Filename: file.Name})
	}

	return attachments, nil
}
