package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannels(t *testing.T) {
	n, err := New(config.NotifyConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindCompleted}))

	_, err = New(config.NotifyConfig{Channels: []string{"pager"}}, nil)
	require.Error(t, err)

	_, err = New(config.NotifyConfig{Channels: []string{ChannelWebhook}}, nil)
	require.Error(t, err)
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	n, err := New(config.NotifyConfig{Channels: []string{ChannelLog}}, log)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindReviewReady, RunID: "r1"}))
	assert.Contains(t, buf.String(), "kind=review_ready")
	assert.Contains(t, buf.String(), "run_id=r1")
}

func TestWebhook(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var e Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		received <- e
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := New(config.NotifyConfig{Channels: []string{ChannelLog, ChannelWebhook}, WebhookURL: srv.URL}, slog.Default())
	require.NoError(t, err)

	e := Event{Kind: KindFailed, RunID: "r2", Status: "failed", Message: "boom", Time: time.Now().UTC()}
	require.NoError(t, n.Notify(context.Background(), e))

	got := <-received
	assert.Equal(t, KindFailed, got.Kind)
	assert.Equal(t, "boom", got.Message)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), Event{Kind: KindCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
