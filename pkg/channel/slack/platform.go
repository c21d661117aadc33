package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/config"
	"taskbridge/pkg/mrkdwn"
)

// PlatformName is the binding platform value for Slack threads.
const PlatformName = "slack"

const (
	ackReaction       = "eyes"
	replyMetadataType = "taskbridge_reply"
	maxReplyFileBytes = 50 << 20
)

// api is the subset of *slack.Client the platform calls.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// Platform posts into Slack threads through the Web API.
type Platform struct {
	api        api
	httpClient *http.Client
	log        *slog.Logger
}

// New builds a Slack platform from the bot token.
func New(cfg config.SlackConfig, log *slog.Logger) (*Platform, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("channels.slack.bot_token is required")
	}

	var opts []slack.Option
	if apiURL := strings.TrimSpace(cfg.APIURL); apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}

	return newPlatform(slack.New(token, opts...), &http.Client{Timeout: 2 * time.Minute}, log), nil
}

func newPlatform(client api, httpClient *http.Client, log *slog.Logger) *Platform {
	if log == nil {
		log = slog.Default()
	}
	return &Platform{
		api:        client,
		httpClient: httpClient,
		log:        log.With("component", "channel.slack"),
	}
}

func (p *Platform) Name() string {
	return PlatformName
}

// DownloadAttachment fetches a private file URL with the bot token.
func (p *Platform) DownloadAttachment(ctx context.Context, file channel.InboundFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.api.GetFileContext(ctx, file.URL, &buf); err != nil {
		return nil, fmt.Errorf("slack download %s: %w", file.Name, err)
	}
	return buf.Bytes(), nil
}

// PostTaskStarted posts the task link as a section with a button.
func (p *Platform) PostTaskStarted(ctx context.Context, thread binding.Thread, taskURL string) error {
	button := slack.NewButtonBlockElement("view_task", "view_task",
		slack.NewTextBlockObject(slack.PlainTextType, "View on Web 🌐", true, false))
	button.URL = taskURL

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "We've started working on your request!", false, false),
			nil, nil,
		),
		slack.NewActionBlock("task_actions", button),
	}

	_, _, err := p.api.PostMessageContext(ctx, thread.ChannelID,
		slack.MsgOptionText("Task created! View progress: "+taskURL, false),
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionTS(thread.ThreadID),
	)
	if err != nil {
		return fmt.Errorf("slack post task link: %w", err)
	}
	return nil
}

// Acknowledge reacts with :eyes: on the follow-up message.
func (p *Platform) Acknowledge(ctx context.Context, thread binding.Thread, messageID string) error {
	if messageID == "" {
		messageID = thread.ThreadID
	}
	if err := p.api.AddReactionContext(ctx, ackReaction, slack.NewRefToMessage(thread.ChannelID, messageID)); err != nil {
		return fmt.Errorf("slack add reaction: %w", err)
	}
	return nil
}

// PostReply uploads the reply files into the thread and then posts the text
// as Block Kit with a mrkdwn fallback. Uploaded file ids travel in the
// message metadata.
func (p *Platform) PostReply(ctx context.Context, thread binding.Thread, reply channel.Reply) error {
	fileIDs := p.uploadFiles(ctx, thread, reply.Files)

	text := mrkdwn.Convert(strings.TrimSpace(reply.Text))
	if text == "" && len(fileIDs) == 0 {
		return nil
	}
	if text == "" {
		text = fmt.Sprintf("Attached %d file(s)", len(fileIDs))
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(thread.ThreadID),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType: replyMetadataType,
			EventPayload: map[string]interface{}{
				"task_id":  reply.TaskID,
				"file_ids": fileIDs,
			},
		}),
	}
	if blocks := mrkdwn.Blocks(reply.Text); len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	if _, _, err := p.api.PostMessageContext(ctx, thread.ChannelID, opts...); err != nil {
		return fmt.Errorf("slack post reply: %w", err)
	}
	return nil
}

// uploadFiles uploads each file into the thread. Failed files are logged and
// left out of the result.
func (p *Platform) uploadFiles(ctx context.Context, thread binding.Thread, files []channel.ReplyFile) []string {
	ids := make([]string, 0, len(files))
	for _, file := range files {
		content, err := p.fetch(ctx, file.URL)
		if err != nil {
			p.log.Warn("Failed to fetch reply file", "file", file.Name, "error", err)
			continue
		}

		summary, err := p.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:          bytes.NewReader(content),
			FileSize:        len(content),
			Filename:        file.Name,
			Title:           file.Name,
			Channel:         thread.ChannelID,
			ThreadTimestamp: thread.ThreadID,
		})
		if err != nil {
			p.log.Warn("Failed to upload reply file", "file", file.Name, "error", err)
			continue
		}
		ids = append(ids, summary.ID)
	}
	return ids
}

func (p *Platform) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(content) > maxReplyFileBytes {
		return nil, fmt.Errorf("file larger than %d bytes", maxReplyFileBytes)
	}
	return content, nil
}
