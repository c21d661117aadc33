package manus

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(config.ManusConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	return client
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.ManusConfig{})
	if err == nil {
		t.Fatal("expected error when api key is missing")
	}
}

func TestCreateTaskSendsPayloadAndAPIKey(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("API_KEY"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"task_id":"t-1","task_title":"Title","task_url":"https://manus.im/app/t-1"}`))
	}))

	created, err := client.CreateTask(t.Context(), CreateTaskRequest{
		Prompt:       "summarize",
		AgentProfile: "manus-1.5",
		TaskMode:     "agent",
		Attachments:  []Attachment{{FileID: "f-1", Filename: "a.pdf"}},
	})
	require.NoError(t, err)

	assert.Equal(t, CreatedTask{TaskID: "t-1", TaskTitle: "Title", TaskURL: "https://manus.im/app/t-1"}, created)
	assert.Equal(t, "summarize", got["prompt"])
	assert.Equal(t, "manus-1.5", got["agentProfile"])
	assert.Equal(t, "agent", got["taskMode"])
	assert.NotContains(t, got, "taskId")
	assert.NotContains(t, got, "connectors")
	assert.Equal(t, []any{map[string]any{"file_id": "f-1", "filename": "a.pdf"}}, got["attachments"])
}

func TestCreateTaskContinuationCarriesTaskID(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))

	created, err := client.CreateTask(t.Context(), CreateTaskRequest{Prompt: "more", AgentProfile: "manus-1.5", TaskID: "t-9"})
	require.NoError(t, err)

	assert.Equal(t, "t-9", got["taskId"])
	assert.Equal(t, "t-9", created.TaskID)
}

func TestCreateTaskRequiresInput(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	_, err := client.CreateTask(t.Context(), CreateTaskRequest{Prompt: "  "})
	require.Error(t, err)
}

func TestNon2xxReturnsAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusUnauthorized)
	}))

	_, err := client.GetTask(t.Context(), "t-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "nope")
	assert.False(t, IsNotFound(err))
}

func TestGetTaskDecodesTranscript(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "t-1",
			"status": "completed",
			"metadata": {"task_url": "https://manus.im/app/t-1"},
			"output": [
				{"role": "user", "content": [{"type": "output_text", "text": "hi"}]},
				{"role": "assistant", "content": [
					{"type": "output_text", "text": "hello"},
					{"type": "output_file", "fileName": "r.csv", "fileUrl": "https://files/r.csv"}
				]}
			]
		}`))
	}))

	task, err := client.GetTask(t.Context(), "t-1")
	require.NoError(t, err)

	assert.False(t, task.Running())
	assert.Equal(t, "https://manus.im/app/t-1", task.Metadata.TaskURL)
	require.Len(t, task.Output, 2)
	assert.Equal(t, ContentItem{Type: ContentOutputFile, FileName: "r.csv", FileURL: "https://files/r.csv"}, task.Output[1].Content[1])
	assert.Equal(t, []string{"hello"}, task.AssistantText())
}

func TestUploadFileTwoStep(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []string
	)
	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, step)
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/files":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			record("POST " + body["filename"])
			_, _ = w.Write([]byte(`{"id":"file-1","upload_url":"` + srv.URL + `/upload/file-1"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/upload/file-1":
			content, _ := io.ReadAll(r.Body)
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			assert.Empty(t, r.Header.Get("API_KEY"))
			record("PUT " + string(content))
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := New(config.ManusConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	fileID, err := client.UploadFile(t.Context(), "notes.txt", []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, "file-1", fileID)
	assert.Equal(t, []string{"POST notes.txt", "PUT payload"}, steps)
}

func TestUploadFilePutFailure(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"file-1","upload_url":"` + srv.URL + `/upload"}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	client, err := New(config.ManusConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.UploadFile(t.Context(), "x.bin", []byte{1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestWebhookRegisterAndDelete(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "https://bridge.example/webhooks/manus", body["url"])
			_, _ = w.Write([]byte(`{"webhook_id":"wh-1"}`))
		case http.MethodDelete:
			assert.Equal(t, "/v1/webhooks/wh-1", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	}))

	id, err := client.RegisterWebhook(t.Context(), "https://bridge.example/webhooks/manus")
	require.NoError(t, err)
	assert.Equal(t, "wh-1", id)

	require.NoError(t, client.DeleteWebhook(t.Context(), id))
}

func TestWaitForCompletionReturnsFinalTask(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := StatusRunning
		if calls.Add(1) >= 3 {
			status = StatusCompleted
		}
		_, _ = w.Write([]byte(`{"id":"t-1","status":"` + status + `"}`))
	}))

	var seen []string
	task, err := client.WaitForCompletion(t.Context(), "t-1", WaitOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		OnPoll:   func(task Task) { seen = append(seen, task.Status) },
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, []string{StatusRunning, StatusRunning, StatusCompleted}, seen)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"t-1","status":"running"}`))
	}))

	_, err := client.WaitForCompletion(t.Context(), "t-1", WaitOptions{
		Interval: 5 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPollTimeout))

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
