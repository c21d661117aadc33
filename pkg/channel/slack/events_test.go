package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/pkg/binding"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// signedHeaders returns the headers Slack would send for body at ts.
func signedHeaders(secret string, ts time.Time, body []byte) http.Header {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", timestamp)
	header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return header
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"type":"url_verification","challenge":"abc"}`)
	now := time.Now()

	tests := []struct {
		name    string
		header  http.Header
		body    []byte
		wantErr bool
	}{
		{name: "valid", header: signedHeaders(testSecret, now, body), body: body},
		{name: "wrong secret", header: signedHeaders("other", now, body), body: body, wantErr: true},
		{name: "tampered body", header: signedHeaders(testSecret, now, body), body: []byte(`{"type":"x"}`), wantErr: true},
		{name: "stale timestamp", header: signedHeaders(testSecret, now.Add(-10*time.Minute), body), body: body, wantErr: true},
		{name: "missing headers", header: http.Header{}, body: body, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.header, tt.body, testSecret)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseURLVerification(t *testing.T) {
	event, err := ParseEvent([]byte(`{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`))
	require.NoError(t, err)

	assert.Equal(t, KindURLVerification, event.Kind)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", event.Challenge)
}

func TestParseAppMention(t *testing.T) {
	body := []byte(`{
		"type": "event_callback",
		"event_id": "Ev123",
		"event": {
			"type": "app_mention",
			"user": "U1",
			"text": "<@UBOT> summarize",
			"ts": "1700000000.000200",
			"channel": "C1",
			"files": [
				{"id": "F1", "name": "a.pdf", "url_private_download": "https://files.slack.com/a.pdf", "size": 12},
				{"id": "F2", "name": "b.png", "url_private": "https://files.slack.com/b.png"},
				{"id": "F3", "name": "c"}
			]
		}
	}`)

	event, err := ParseEvent(body)
	require.NoError(t, err)

	require.Equal(t, KindAppMention, event.Kind)
	assert.Equal(t, "Ev123", event.EventID)

	msg := event.Message
	assert.Equal(t, binding.Thread{Platform: "slack", ChannelID: "C1", ThreadID: "1700000000.000200"}, msg.Thread)
	assert.Equal(t, "1700000000.000200", msg.MessageID)
	assert.Equal(t, "<@UBOT> summarize", msg.Text)
	require.Len(t, msg.Files, 2)
	assert.Equal(t, "https://files.slack.com/a.pdf", msg.Files[0].URL)
	assert.Equal(t, "https://files.slack.com/b.png", msg.Files[1].URL)
}

func TestParseThreadedMentionUsesThreadTs(t *testing.T) {
	event, err := ParseEvent([]byte(`{"type":"event_callback","event":{"type":"app_mention","text":"hi","ts":"2.0","thread_ts":"1.0","channel":"C1"}}`))
	require.NoError(t, err)

	assert.Equal(t, "1.0", event.Message.Thread.ThreadID)
	assert.Equal(t, "2.0", event.Message.MessageID)
}

func TestParseIgnoredEvents(t *testing.T) {
	tests := map[string]string{
		"plain message":  `{"type":"event_callback","event":{"type":"message","text":"hi","ts":"1","channel":"C1"}}`,
		"app rate limit": `{"type":"app_rate_limited"}`,
		"mention no ts":  `{"type":"event_callback","event":{"type":"app_mention","channel":"C1"}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			event, err := ParseEvent([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, KindIgnored, event.Kind)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":`))
	assert.Error(t, err)
}
