package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/bus"
)

// HandleTaskCompletion posts the assistant turns produced since the last user
// turn into the thread bound to taskID. Untracked tasks are logged and ignored.
// It returns the number of messages posted.
func (b *Bridge) HandleTaskCompletion(ctx context.Context, taskID string) (int, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return 0, errors.New("task id is required")
	}

	log := b.log.With("component", "bridge.synchronizer", "task_id", taskID)

	unlock := b.taskLocks.Lock(taskID)
	defer unlock()

	bound, err := b.store.LookupTask(ctx, taskID)
	if errors.Is(err, binding.ErrNotFound) {
		log.Warn("Received event for untracked task")
		b.publish(ctx, bus.Event{Type: bus.EventTaskUntracked, TaskID: taskID})
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup task %s: %w", taskID, err)
	}

	platform, err := b.platform(bound.Platform)
	if err != nil {
		return 0, err
	}

	task, err := b.tasks.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}

	replies := Replies(taskID, task.Output)
	if len(replies) == 0 {
		log.Info("No new assistant turns to post", "turns", len(task.Output))
		return 0, nil
	}

	posted := 0
	for _, reply := range replies {
		if err := platform.PostReply(ctx, bound.Thread, reply); err != nil {
			return posted, fmt.Errorf("post reply %d/%d to %s: %w", posted+1, len(replies), bound.Key(), err)
		}
		posted++
		b.publish(ctx, bus.Event{
			Type:    bus.EventReplyPosted,
			TaskID:  taskID,
			Key:     bound.Key(),
			Payload: map[string]string{"files": fmt.Sprint(len(reply.Files))},
		})
	}

	log.Info("Replayed task turns", "thread", bound.Key(), "posted", posted)
	return posted, nil
}
