package channel

import (
	"context"
	"regexp"
	"strings"

	"taskbridge/pkg/binding"
)

// InboundFile is an attachment on a chat message, downloadable through the
// platform that delivered it.
type InboundFile struct {
	ID   string
	Name string
	URL  string
	Size int64
}

// InboundMessage is one user message addressed to the bridge.
type InboundMessage struct {
	Thread    binding.Thread
	MessageID string
	SenderID  string
	Text      string
	Files     []InboundFile
	// EventID is the platform delivery id, used for dedup when present.
	EventID string
}

// ReplyFile is a task output file to be attached to a reply.
type ReplyFile struct {
	Name string
	URL  string
}

// Reply is one assistant turn rendered back into a conversation. Text is
// markdown; each platform converts it to its own markup.
type Reply struct {
	TaskID string
	Text   string
	Files  []ReplyFile
}

// Empty reports whether the reply carries neither text nor files.
func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Files) == 0
}

// Platform is the outbound side of a chat platform.
type Platform interface {
	Name() string
	// DownloadAttachment fetches an inbound file with the platform's credentials.
	DownloadAttachment(ctx context.Context, file InboundFile) ([]byte, error)
	// PostTaskStarted announces a new task in the thread with a link to it.
	PostTaskStarted(ctx context.Context, thread binding.Thread, taskURL string) error
	// Acknowledge marks a follow-up message as received.
	Acknowledge(ctx context.Context, thread binding.Thread, messageID string) error
	// PostReply posts one assistant turn, uploading its files first.
	PostReply(ctx context.Context, thread binding.Thread, reply Reply) error
}

// Handler processes one inbound message.
type Handler func(context.Context, InboundMessage) error

// Adapter is a long-running inbound transport, for example Telegram polling.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

var leadingMention = regexp.MustCompile(`^<@[\w\d]+>\s*`)

// StripMention removes one leading <@ID> mention token and the whitespace after it.
func StripMention(text string) string {
	return leadingMention.ReplaceAllString(text, "")
}
