package slack

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/channel"
)

// EventKind classifies an Events API request.
type EventKind int

const (
	// KindIgnored is any request the bridge acknowledges without acting on.
	KindIgnored EventKind = iota
	// KindURLVerification is the endpoint ownership challenge.
	KindURLVerification
	// KindAppMention is a message that mentions the bot.
	KindAppMention
)

// Event is a decoded Events API request.
type Event struct {
	Kind      EventKind
	Challenge string
	EventID   string
	InnerType string
	Message   channel.InboundMessage
}

type eventEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	EventID   string     `json:"event_id"`
	TeamID    string     `json:"team_id"`
	Event     eventInner `json:"event"`
}

type eventInner struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype"`
	User     string      `json:"user"`
	BotID    string      `json:"bot_id"`
	Text     string      `json:"text"`
	Ts       string      `json:"ts"`
	ThreadTs string      `json:"thread_ts"`
	Channel  string      `json:"channel"`
	Files    []eventFile `json:"files"`
}

type eventFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
	Size               int64  `json:"size"`
}

// VerifyRequest checks the v0 request signature and timestamp headers
// against the signing secret.
func VerifyRequest(header http.Header, body []byte, signingSecret string) error {
	verifier, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("slack signature headers: %w", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("slack signature body: %w", err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("slack signature: %w", err)
	}
	return nil
}

// ParseEvent decodes a verified request body.
func ParseEvent(body []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode slack event: %w", err)
	}

	switch envelope.Type {
	case "url_verification":
		return Event{Kind: KindURLVerification, Challenge: envelope.Challenge}, nil
	case "event_callback":
	default:
		return Event{Kind: KindIgnored}, nil
	}

	inner := envelope.Event
	event := Event{Kind: KindIgnored, EventID: envelope.EventID, InnerType: inner.Type}
	if inner.Type != "app_mention" || strings.TrimSpace(inner.Channel) == "" || strings.TrimSpace(inner.Ts) == "" {
		return event, nil
	}

	threadID := inner.ThreadTs
	if strings.TrimSpace(threadID) == "" {
		threadID = inner.Ts
	}

	event.Kind = KindAppMention
	event.Message = channel.InboundMessage{
		Thread: binding.Thread{
			Platform:  PlatformName,
			ChannelID: inner.Channel,
			ThreadID:  threadID,
		},
		MessageID: inner.Ts,
		SenderID:  inner.User,
		Text:      inner.Text,
		Files:     inboundFiles(inner.Files),
		EventID:   envelope.EventID,
	}
	return event, nil
}

func inboundFiles(files []eventFile) []channel.InboundFile {
	if len(files) == 0 {
		return nil
	}

	out := make([]channel.InboundFile, 0, len(files))
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		if url == "" {
			continue
		}
		name := f.Name
		if name == "" {
			name = f.ID
		}
		out = append(out, channel.InboundFile{ID: f.ID, Name: name, URL: url, Size: f.Size})
	}
	return out
}
