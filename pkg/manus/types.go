package manus

import "strings"

// Task statuses reported by GET /tasks/{id}.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Transcript roles and content item types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ContentOutputText = "output_text"
	ContentOutputFile = "output_file"
)

// Attachment references input material for a task. Exactly one of FileID, URL
// or FileData is expected to be set.
type Attachment struct {
	FileID   string `json:"file_id,omitempty"`
	URL      string `json:"url,omitempty"`
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// CreateTaskRequest is the body of POST /tasks. A non-empty TaskID continues
// an existing task instead of starting a new one.
type CreateTaskRequest struct {
	Prompt       string       `json:"prompt"`
	AgentProfile string       `json:"agentProfile"`
	TaskMode     string       `json:"taskMode,omitempty"`
	TaskID       string       `json:"taskId,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Connectors   []string     `json:"connectors,omitempty"`
}

// CreatedTask is the response of POST /tasks.
type CreatedTask struct {
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	TaskURL   string `json:"task_url"`
}

// Task is the full task object including its transcript.
type Task struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Metadata TaskMetadata `json:"metadata"`
	Output   []Turn       `json:"output"`
}

// TaskMetadata carries auxiliary task fields.
type TaskMetadata struct {
	TaskURL   string `json:"task_url"`
	TaskTitle string `json:"task_title,omitempty"`
}

// Turn is one message of the task transcript.
type Turn struct {
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
}

// ContentItem is one piece of a turn: text for output_text, a file reference
// for output_file.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
}

// Running reports whether the task has not reached a terminal status yet.
func (t Task) Running() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case StatusRunning, StatusPending:
		return true
	default:
		return false
	}
}

// AssistantText returns every output_text item of assistant turns, in order.
func (t Task) AssistantText() []string {
	var out []string
	for _, turn := range t.Output {
		if turn.Role != RoleAssistant {
			continue
		}
		for _, item := range turn.Content {
			if item.Type == ContentOutputText {
				out = append(out, item.Text)
			}
		}
	}
	return out
}

// FileRecord is the response of POST /files.
type FileRecord struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
}

// Webhook is the response of POST /webhooks.
type Webhook struct {
	WebhookID string `json:"webhook_id"`
}
