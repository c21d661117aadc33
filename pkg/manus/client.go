package manus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskbridge/pkg/config"
)

const apiKeyHeader = "API_KEY"

// Client talks to the remote task API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log.With("component", "manus.client")
		}
	}
}

// New builds a client from the manus config section.
func New(cfg config.ManusConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("manus api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultManusBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse manus base url: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		log:        slog.Default().With("component", "manus.client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// CreateTask starts a task, or continues one when req.TaskID is set.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (CreatedTask, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return CreatedTask{}, errors.New("create task: prompt or attachments required")
	}

	var created CreatedTask
	if err := c.doJSON(ctx, http.MethodPost, "/tasks", req, &created); err != nil {
		return CreatedTask{}, fmt.Errorf("create task: %w", err)
	}
	if created.TaskID == "" {
		// Continuations may answer without echoing the id.
		created.TaskID = req.TaskID
	}

	c.log.Debug("Task created", "task_id", created.TaskID, "continued", req.TaskID != "")
	return created, nil
}

// GetTask fetches the task status and its full transcript.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, errors.New("get task: task id is required")
	}

	var task Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.ID == "" {
		task.ID = taskID
	}

	return task, nil
}

// UploadFile registers a file record and then PUTs content to the returned
// upload URL. It returns the file id to reference in task attachments.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", errors.New("upload file: filename is required")
	}

	var record FileRecord
	if err := c.doJSON(ctx, http.MethodPost, "/files", map[string]string{"filename": filename}, &record); err != nil {
		return "", fmt.Errorf("create file record %q: %w", filename, err)
	}
	if record.ID == "" || record.UploadURL == "" {
		return "", fmt.Errorf("create file record %q: response missing id or upload_url", filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, record.UploadURL, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload %q: %w", filename, &APIError{
			Method:     http.MethodPut,
			Path:       "upload_url",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		})
	}

	c.log.Debug("File uploaded", "file_id", record.ID, "filename", filename, "bytes", len(content))
	return record.ID, nil
}

// RegisterWebhook registers a completion callback URL and returns its id.
func (c *Client) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	if strings.TrimSpace(callbackURL) == "" {
		return "", errors.New("register webhook: url is required")
	}

	var hook Webhook
	if err := c.doJSON(ctx, http.MethodPost, "/webhooks", map[string]string{"url": callbackURL}, &hook); err != nil {
		return "", fmt.Errorf("register webhook: %w", err)
	}

	return hook.WebhookID, nil
}

// DeleteWebhook removes a registered callback.
func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	if strings.TrimSpace(webhookID) == "" {
		return errors.New("delete webhook: webhook id is required")
	}

	if err := c.doJSON(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(webhookID), nil, nil); err != nil {
		return fmt.Errorf("delete webhook %s: %w", webhookID, err)
	}
	return nil
}

// WaitOptions controls WaitForCompletion.
type WaitOptions struct {
	Interval time.Duration
	// Timeout of zero waits until ctx is done.
	Timeout time.Duration
	// OnPoll, when set, observes every fetched task snapshot.
	OnPoll func(Task)
}

// WaitForCompletion polls the task until it leaves the running state. When
// the deadline passes first the error wraps ErrPollTimeout.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, opts WaitOptions) (Task, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = config.DefaultPollIntervalSeconds * time.Second
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for attempt := 1; ; attempt++ {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if opts.OnPoll != nil {
			opts.OnPoll(task)
		}
		if !task.Running() {
			return task, nil
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return task, fmt.Errorf("task %s after %d polls: %w", taskID, attempt, ErrPollTimeout)
			}
			wait = min(wait, remaining)
		}

		c.log.Debug("Task still running", "task_id", taskID, "attempt", attempt, "task_url", task.Metadata.TaskURL)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return task, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.Debug("Remote call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
