package server

import (
	"context"
	"log/slog"

	"taskbridge/pkg/bus"
)

func (s *Service) observeEvents(ctx context.Context) {
	log := s.log.With("component", "bus.events")
	events, unsubscribe := s.jobs.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.metrics.ObserveEvent(event)
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"job_id", event.JobID,
		"kind", event.Kind,
		"key", event.Key,
	}
	if event.TaskID != "" {
		attrs = append(attrs, "task_id", event.TaskID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration", event.Duration)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventJobFailed:
		log.Error("Job event", append(attrs, "error", event.Error)...)
	case bus.EventTaskUntracked:
		log.Warn("Task event", attrs...)
	case bus.EventTaskCreated, bus.EventTaskContinued, bus.EventReplyPosted:
		log.Info("Task event", attrs...)
	case bus.EventJobCompleted:
		log.Info("Job event", attrs...)
	default:
		log.Debug("Job event", attrs...)
	}
}
