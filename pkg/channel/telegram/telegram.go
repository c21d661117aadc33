package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// PlatformName is the binding platform value for Telegram chats.
const PlatformName = "telegram"

// MainThread is the thread id of messages outside a forum topic.
const MainThread = "main"

const (
	messagePreviewLimit = 240
	maxMessageRunes     = 4096
	maxDownloadBytes    = 20 << 20
)

// botAPI is the subset of *telego.Bot the adapter calls.
type botAPI interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// Adapter receives Telegram updates by long polling and posts task
// progress back into the originating chat.
type Adapter struct {
	bot        botAPI
	httpClient *http.Client
	allowFrom  map[string]struct{}
	log        *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return newAdapter(bot, &http.Client{Timeout: 2 * time.Minute}, cfg.AllowFrom, log), nil
}

func newAdapter(bot botAPI, httpClient *http.Client, allowFrom []string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		bot:        bot,
		httpClient: httpClient,
		allowFrom:  allowFromSet(allowFrom),
		log:        log.With("component", "channel.telegram"),
	}
}

// Name returns the platform identifier used in bindings and logs.
func (a *Adapter) Name() string {
	return PlatformName
}

// Run starts Telegram long polling and forwards messages to handler until ctx
// is cancelled.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := a.inboundMessage(update)
			if !ok {
				continue
			}
			a.log.Info("Received message",
				"thread", inbound.Thread.Key(),
				"sender_id", inbound.SenderID,
				"files", len(inbound.Files),
				"content", previewText(inbound.Text),
			)

			if err := handler(ctx, inbound); err != nil {
				a.log.Error("Failed to dispatch inbound message", "thread", inbound.Thread.Key(), "error", err)
			}
		}
	}
}

// inboundMessage converts an update into a bridge message. Updates without a
// message, a sender, or any content are skipped, as are senders outside
// allow_from.
func (a *Adapter) inboundMessage(update telego.Update) (channel.InboundMessage, bool) {
	message := update.Message
	if message == nil {
		return channel.InboundMessage{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return channel.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return channel.InboundMessage{}, false
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	files := inboundFiles(message)
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return channel.InboundMessage{}, false
	}

	return channel.InboundMessage{
		Thread:    threadOf(message),
		MessageID: strconv.Itoa(message.MessageID),
		SenderID:  senderID,
		Text:      text,
		Files:     files,
		EventID:   strconv.Itoa(update.UpdateID),
	}, true
}

// threadOf maps a chat to a thread. Forum topics are their own threads; every
// other message in a chat shares the main thread.
func threadOf(message *telego.Message) binding.Thread {
	threadID := MainThread
	if message.MessageThreadID > 0 {
		threadID = strconv.Itoa(message.MessageThreadID)
	}
	return binding.Thread{
		Platform:  PlatformName,
		ChannelID: strconv.FormatInt(message.Chat.ID, 10),
		ThreadID:  threadID,
	}
}

func inboundFiles(message *telego.Message) []channel.InboundFile {
	var files []channel.InboundFile
	if doc := message.Document; doc != nil {
		name := doc.FileName
		if name == "" {
			name = doc.FileUniqueID
		}
		files = append(files, channel.InboundFile{ID: doc.FileID, Name: name, Size: doc.FileSize})
	}
	if n := len(message.Photo); n > 0 {
		// Sizes are ordered smallest first.
		photo := message.Photo[n-1]
		files = append(files, channel.InboundFile{
			ID:   photo.FileID,
			Name: "photo_" + photo.FileUniqueID + ".jpg",
			Size: int64(photo.FileSize),
		})
	}
	return files
}

// DownloadAttachment resolves the file path through getFile and downloads it
// from the bot file endpoint.
func (a *Adapter) DownloadAttachment(ctx context.Context, file channel.InboundFile) ([]byte, error) {
	info, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: file.ID})
	if err != nil {
		return nil, fmt.Errorf("telegram get file %s: %w", file.Name, err)
	}
	if info.FilePath == "" {
		return nil, fmt.Errorf("telegram file %s has no download path", file.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.bot.FileDownloadURL(info.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download %s: %w", file.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("telegram download %s: status %d", file.Name, resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram download %s: %w", file.Name, err)
	}
	if len(content) > maxDownloadBytes {
		return nil, fmt.Errorf("telegram download %s: larger than %d bytes", file.Name, maxDownloadBytes)
	}
	return content, nil
}

// PostTaskStarted sends the task link as an inline keyboard button.
func (a *Adapter) PostTaskStarted(ctx context.Context, thread binding.Thread, taskURL string) error {
	chatID, topicID, err := chatOf(thread)
	if err != nil {
		return err
	}

	params := tu.Message(tu.ID(chatID), "We've started working on your request!")
	params.MessageThreadID = topicID
	params.ReplyMarkup = tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("View on Web 🌐").WithURL(taskURL)),
	)

	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram post task link: %w", err)
	}
	return nil
}

// Acknowledge shows the typing indicator in the chat.
func (a *Adapter) Acknowledge(ctx context.Context, thread binding.Thread, _ string) error {
	chatID, topicID, err := chatOf(thread)
	if err != nil {
		return err
	}

	params := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	params.MessageThreadID = topicID
	if err := a.bot.SendChatAction(ctx, params); err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}

// PostReply sends the reply text, split at the message size limit, and then
// each file as a document fetched by Telegram from its URL. Files that fail
// are logged and skipped.
func (a *Adapter) PostReply(ctx context.Context, thread binding.Thread, reply channel.Reply) error {
	chatID, topicID, err := chatOf(thread)
	if err != nil {
		return err
	}

	for _, chunk := range splitText(strings.TrimSpace(reply.Text), maxMessageRunes) {
		params := tu.Message(tu.ID(chatID), chunk)
		params.MessageThreadID = topicID
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram post reply: %w", err)
		}
	}

	for _, file := range reply.Files {
		params := tu.Document(tu.ID(chatID), tu.FileFromURL(file.URL))
		params.MessageThreadID = topicID
		params.Caption = file.Name
		if _, err := a.bot.SendDocument(ctx, params); err != nil {
			a.log.Warn("Failed to send reply file", "task_id", reply.TaskID, "file", file.Name, "error", err)
		}
	}
	return nil
}

func chatOf(thread binding.Thread) (int64, int, error) {
	chatID, err := strconv.ParseInt(thread.ChannelID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id %q: %w", thread.ChannelID, err)
	}
	if thread.ThreadID == "" || thread.ThreadID == MainThread {
		return chatID, 0, nil
	}
	topicID, err := strconv.Atoi(thread.ThreadID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram topic id %q: %w", thread.ThreadID, err)
	}
	return chatID, topicID, nil
}

// splitText cuts text into chunks of at most limit runes, preferring line
// breaks.
func splitText(text string, limit int) []string {
	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		cut := len(string([]rune(text)[:limit]))
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return chunks
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
