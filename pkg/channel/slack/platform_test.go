package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/config"
)

type postedMessage struct {
	channel string
	values  url.Values
}

type fakeAPI struct {
	mu        sync.Mutex
	posts     []postedMessage
	reactions []string
	uploads   []slack.UploadFileV2Parameters
	uploadErr error
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMessage{channel: channelID, values: values})
	return channelID, "1.1", nil
}

func (f *fakeAPI) AddReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, name+"@"+item.Channel+"/"+item.Timestamp)
	return nil
}

func (f *fakeAPI) UploadFileV2Context(_ context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, params)
	return &slack.FileSummary{ID: "F-" + params.Filename}, nil
}

func (f *fakeAPI) GetFileContext(_ context.Context, downloadURL string, writer io.Writer) error {
	_, err := io.WriteString(writer, "bytes from "+downloadURL)
	return err
}

var testThread = binding.Thread{Platform: "slack", ChannelID: "C1", ThreadID: "100.1"}

func newTestPlatform(t *testing.T) (*Platform, *fakeAPI, *httptest.Server) {
	t.Helper()

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("file:" + r.URL.Path))
	}))
	t.Cleanup(files.Close)

	fake := &fakeAPI{}
	return newPlatform(fake, files.Client(), nil), fake, files
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.SlackConfig{}, nil)
	require.Error(t, err)

	p, err := New(config.SlackConfig{BotToken: "xoxb-test", APIURL: "http://localhost:1/api"}, nil)
	require.NoError(t, err)
	assert.Equal(t, PlatformName, p.Name())
}

func TestDownloadAttachment(t *testing.T) {
	p, _, _ := newTestPlatform(t)

	content, err := p.DownloadAttachment(context.Background(), channel.InboundFile{Name: "a.pdf", URL: "https://files.slack.com/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "bytes from https://files.slack.com/a.pdf", string(content))
}

func TestPostTaskStarted(t *testing.T) {
	p, fake, _ := newTestPlatform(t)

	require.NoError(t, p.PostTaskStarted(context.Background(), testThread, "https://manus.im/app/t-1"))

	require.Len(t, fake.posts, 1)
	got := fake.posts[0]
	assert.Equal(t, "C1", got.channel)
	assert.Equal(t, "100.1", got.values.Get("thread_ts"))
	assert.Equal(t, "Task created! View progress: https://manus.im/app/t-1", got.values.Get("text"))
	assert.Contains(t, got.values.Get("blocks"), "We've started working on your request!")
	assert.Contains(t, got.values.Get("blocks"), `"url":"https://manus.im/app/t-1"`)
}

func TestAcknowledgeReactsToMessage(t *testing.T) {
	p, fake, _ := newTestPlatform(t)

	require.NoError(t, p.Acknowledge(context.Background(), testThread, "100.5"))
	require.NoError(t, p.Acknowledge(context.Background(), testThread, ""))

	assert.Equal(t, []string{"eyes@C1/100.5", "eyes@C1/100.1"}, fake.reactions)
}

func TestPostReplyRendersBlocksAndFiles(t *testing.T) {
	p, fake, files := newTestPlatform(t)

	err := p.PostReply(context.Background(), testThread, channel.Reply{
		TaskID: "t-1",
		Text:   "**Q1** results: [see](http://x)\n### Header\n---\nbody",
		Files: []channel.ReplyFile{
			{Name: "chart.png", URL: files.URL + "/chart.png"},
			{Name: "gone.csv", URL: files.URL + "/missing"},
		},
	})
	require.NoError(t, err)

	require.Len(t, fake.uploads, 1)
	upload := fake.uploads[0]
	assert.Equal(t, "chart.png", upload.Filename)
	assert.Equal(t, "C1", upload.Channel)
	assert.Equal(t, "100.1", upload.ThreadTimestamp)
	assert.Equal(t, len("file:/chart.png"), upload.FileSize)

	require.Len(t, fake.posts, 1)
	values := fake.posts[0].values
	assert.Equal(t, "*Q1* results: <http://x|see>\n### Header\n---\nbody", values.Get("text"))
	assert.Equal(t, "100.1", values.Get("thread_ts"))

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(values.Get("blocks")), &blocks))
	types := make([]string, 0, len(blocks))
	for _, b := range blocks {
		types = append(types, b["type"].(string))
	}
	assert.Equal(t, []string{"section", "header", "divider", "section"}, types)

	assert.Contains(t, values.Get("metadata"), `"F-chart.png"`)
	assert.Contains(t, values.Get("metadata"), `"taskbridge_reply"`)
}

func TestPostReplyFilesOnly(t *testing.T) {
	p, fake, files := newTestPlatform(t)

	err := p.PostReply(context.Background(), testThread, channel.Reply{
		TaskID: "t-1",
		Files:  []channel.ReplyFile{{Name: "r.csv", URL: files.URL + "/r.csv"}},
	})
	require.NoError(t, err)

	require.Len(t, fake.posts, 1)
	assert.Equal(t, "Attached 1 file(s)", fake.posts[0].values.Get("text"))
	assert.Empty(t, fake.posts[0].values.Get("blocks"))
}

func TestPostReplyNothingToSay(t *testing.T) {
	p, fake, files := newTestPlatform(t)
	fake.uploadErr = errors.New("upload refused")

	err := p.PostReply(context.Background(), testThread, channel.Reply{
		Files: []channel.ReplyFile{{Name: "r.csv", URL: files.URL + "/r.csv"}},
	})
	require.NoError(t, err)
	assert.Empty(t, fake.posts)
}
