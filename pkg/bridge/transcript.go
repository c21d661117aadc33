package bridge

import (
	"strings"

	"taskbridge/pkg/channel"
	"taskbridge/pkg/manus"
)

// ReplayWindow returns the turns strictly after the last user turn. With no
// user turn the whole transcript is returned.
func ReplayWindow(turns []manus.Turn) []manus.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == manus.RoleUser {
			return turns[i+1:]
		}
	}
	return turns
}

// replyFromTurn collects the text and file items of one assistant turn.
// Items of unknown type, blank text and files without a URL are skipped.
func replyFromTurn(taskID string, turn manus.Turn) channel.Reply {
	reply := channel.Reply{TaskID: taskID}

	var texts []string
	for _, item := range turn.Content {
		switch item.Type {
		case manus.ContentOutputText:
			if text := strings.TrimSpace(item.Text); text != "" {
				texts = append(texts, text)
			}
		case manus.ContentOutputFile:
			if strings.TrimSpace(item.FileURL) == "" {
				continue
			}
			name := strings.TrimSpace(item.FileName)
			if name == "" {
				name = fileNameFromURL(item.FileURL)
			}
			reply.Files = append(reply.Files, channel.ReplyFile{Name: name, URL: item.FileURL})
		}
	}
	reply.Text = strings.Join(texts, "\n\n")

	return reply
}

// Replies converts the replay window of a transcript into postable replies,
// in transcript order. Only assistant turns with content are included.
func Replies(taskID string, turns []manus.Turn) []channel.Reply {
	var replies []channel.Reply
	for _, turn := range ReplayWindow(turns) {
		if turn.Role != manus.RoleAssistant {
			continue
		}
		reply := replyFromTurn(taskID, turn)
		if reply.Empty() {
			continue
		}
		replies = append(replies, reply)
	}
	return replies
}

func fileNameFromURL(raw string) string {
	trimmed := raw
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return "attachment"
	}
	return trimmed
}
