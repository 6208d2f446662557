package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/sheetflow/internal/events"
)

// EventHandler receives stream events in order. Heartbeats arrive as events of type
// events.Heartbeat with no payload. Returning an error stops the stream.
type EventHandler func(e events.Event) error

// Stream opens the SSE stream of a run and delivers events until run_complete or
// run_error. Opening a stream on a pending run starts it; on a run waiting for
// review it attaches and replays review_ready.
func (c *Client) Stream(ctx context.Context, id string, onEvent EventHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+runPath(id, "stream"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			payload := strings.Join(data, "\n")
			data = data[:0]
			var e events.Event
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := onEvent(e); err != nil {
				return err
			}
			if e.Type.IsTerminal() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			if strings.TrimSpace(strings.TrimPrefix(line, ":")) == "heartbeat" {
				if err := onEvent(events.Event{Type: events.Heartbeat, RunID: id, TS: time.Now().UTC()}); err != nil {
					return err
				}
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return ErrStreamEnded
}

// StreamWS is Stream over WebSocket. A receive on cancel asks the server to cancel
// the run; the stream then ends with run_error.
func (c *Client) StreamWS(ctx context.Context, id string, cancel <-chan struct{}, onEvent EventHandler) error {
	endpoint := c.baseURL + runPath(id, "ws")
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return readAPIError(resp)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	conn.SetPingHandler(func(appData string) error {
		if err := onEvent(events.Event{Type: events.Heartbeat, RunID: id, TS: time.Now().UTC()}); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-cancel:
			_ = conn.WriteJSON(map[string]string{"type": "cancel"})
		case <-done:
		}
	}()

	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return ErrStreamEnded
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := onEvent(e); err != nil {
			return err
		}
		if e.Type.IsTerminal() {
			return nil
		}
	}
}
