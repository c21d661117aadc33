package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	slackchannel "taskbridge/pkg/channel/slack"
	"taskbridge/pkg/metrics"
)

const (
	maxWebhookBytes = 1 << 20

	sourceManus = "manus"
	sourceSlack = "slack"

	eventTaskStopped = "task_stopped"
)

type taskEvent struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	TaskDetail struct {
		TaskID     string `json:"task_id"`
		TaskURL    string `json:"task_url"`
		StopReason string `json:"stop_reason"`
	} `json:"task_detail"`
}

var ackResponse = map[string]string{"status": "ok"}

// handleTaskEvent accepts remote task notifications. A stopped task, whether
// finished or waiting on the user, schedules a reply sync.
func (s *Service) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.rejectBody(w, sourceManus, err)
		return
	}

	var event taskEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.metrics.IngressEvent(sourceManus, "", metrics.OutcomeInvalid)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if event.EventType != eventTaskStopped {
		s.log.Debug("Ignoring task event", "event_type", event.EventType, "task_id", event.TaskDetail.TaskID)
		s.metrics.IngressEvent(sourceManus, event.EventType, metrics.OutcomeIgnored)
		s.writeJSON(w, http.StatusOK, ackResponse)
		return
	}

	taskID := strings.TrimSpace(event.TaskDetail.TaskID)
	if taskID == "" {
		s.log.Warn("Task stopped event without task id", "event_id", event.EventID)
		s.metrics.IngressEvent(sourceManus, event.EventType, metrics.OutcomeIgnored)
		s.writeJSON(w, http.StatusOK, ackResponse)
		return
	}

	s.log.Info("Task stopped", "task_id", taskID, "stop_reason", event.TaskDetail.StopReason)
	job := bus.Job{
		Kind: bus.JobTaskCompletion,
		Key:  taskID,
		Run: func(ctx context.Context) error {
			_, err := s.bridge.HandleTaskCompletion(ctx, taskID)
			return err
		},
	}
	s.dispatch(w, r, sourceManus, event.EventType, deliveryKey(sourceManus, event.EventID), job)
}

// handleSlackEvent verifies the request signature before looking at the
// payload. Mentions are queued for the correlator.
func (s *Service) handleSlackEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.rejectBody(w, sourceSlack, err)
		return
	}

	if err := slackchannel.VerifyRequest(r.Header, body, s.cfg.Channels.Slack.SigningSecret); err != nil {
		s.log.Warn("Rejected slack request", "error", err)
		s.metrics.IngressEvent(sourceSlack, "", metrics.OutcomeForbidden)
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	event, err := slackchannel.ParseEvent(body)
	if err != nil {
		s.metrics.IngressEvent(sourceSlack, "", metrics.OutcomeInvalid)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		s.log.Debug("Slack redelivery", "retry", retry, "reason", r.Header.Get("X-Slack-Retry-Reason"), "event_id", event.EventID)
	}

	switch event.Kind {
	case slackchannel.KindURLVerification:
		s.metrics.IngressEvent(sourceSlack, "url_verification", metrics.OutcomeAccepted)
		s.writeJSON(w, http.StatusOK, map[string]string{"challenge": event.Challenge})
	case slackchannel.KindAppMention:
		msg := event.Message
		job := bus.Job{
			Kind: bus.JobChatMessage,
			Key:  msg.Thread.Key(),
			Run: func(ctx context.Context) error {
				_, err := s.bridge.HandleIncomingMessage(ctx, msg)
				return err
			},
		}
		s.dispatch(w, r, sourceSlack, event.InnerType, deliveryKey(sourceSlack, event.EventID), job)
	default:
		s.metrics.IngressEvent(sourceSlack, event.InnerType, metrics.OutcomeIgnored)
		s.writeJSON(w, http.StatusOK, ackResponse)
	}
}

// dispatch drops redelivered events and queues the rest. A full queue answers
// 503 and forgets the delivery so the sender's retry is processed.
func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, source, eventType, key string, job bus.Job) {
	ctx := r.Context()

	if s.duplicate(ctx, key) {
		s.log.Info("Ignoring duplicate delivery", "source", source, "delivery", key)
		s.metrics.IngressEvent(source, eventType, metrics.OutcomeDuplicate)
		s.jobs.PublishEvent(ctx, bus.Event{Type: bus.EventDuplicate, Key: key})
		s.writeJSON(w, http.StatusOK, ackResponse)
		return
	}

	if err := s.submit(ctx, key, job); err != nil {
		s.log.Warn("Rejected webhook", "source", source, "kind", job.Kind, "key", job.Key, "error", err)
		s.metrics.IngressEvent(source, eventType, metrics.OutcomeRejected)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	s.metrics.IngressEvent(source, eventType, metrics.OutcomeAccepted)
	s.writeJSON(w, http.StatusOK, ackResponse)
}

// handleAdapterMessage is the channel.Handler given to long-polling adapters.
func (s *Service) handleAdapterMessage(ctx context.Context, msg channel.InboundMessage) error {
	source := msg.Thread.Platform
	key := deliveryKey(source, msg.EventID)

	if s.duplicate(ctx, key) {
		s.metrics.IngressEvent(source, "message", metrics.OutcomeDuplicate)
		return nil
	}

	job := bus.Job{
		Kind: bus.JobChatMessage,
		Key:  msg.Thread.Key(),
		Run: func(ctx context.Context) error {
			_, err := s.bridge.HandleIncomingMessage(ctx, msg)
			return err
		},
	}
	if err := s.submit(ctx, key, job); err != nil {
		s.metrics.IngressEvent(source, "message", metrics.OutcomeRejected)
		return err
	}

	s.metrics.IngressEvent(source, "message", metrics.OutcomeAccepted)
	return nil
}

// duplicate fails open: a dedup backend error lets the delivery through.
func (s *Service) duplicate(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	seen, err := s.dedup.Seen(ctx, key)
	if err != nil {
		s.log.Warn("Dedup lookup failed", "delivery", key, "error", err)
		return false
	}
	return seen
}

func (s *Service) submit(ctx context.Context, key string, job bus.Job) error {
	if _, err := s.jobs.Submit(job); err != nil {
		if key != "" {
			if forgetErr := s.dedup.Forget(ctx, key); forgetErr != nil {
				s.log.Warn("Failed to forget delivery", "delivery", key, "error", forgetErr)
			}
		}
		if errors.Is(err, bus.ErrQueueFull) || errors.Is(err, bus.ErrClosed) {
			return err
		}
		return fmt.Errorf("queue %s job: %w", job.Kind, err)
	}
	return nil
}

func deliveryKey(source, eventID string) string {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ""
	}
	return source + ":" + eventID
}

// readBody reads the whole request body, failing with *http.MaxBytesError
// past maxWebhookBytes instead of truncating.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
}

func (s *Service) rejectBody(w http.ResponseWriter, source string, err error) {
	s.metrics.IngressEvent(source, "", metrics.OutcomeInvalid)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.log.Warn("Rejected oversized webhook", "source", source, "limit_bytes", tooLarge.Limit)
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
}
