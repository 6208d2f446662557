// Package stream delivers run events to one connected client over SSE or
// WebSocket and owns the cancellation signal of the executions it serves.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/sheetflow/internal/events"
)

// Conn is a send-only event channel with out-of-band signals from the transport.
type Conn interface {
	Send(ctx context.Context, e events.Event) error
	Heartbeat(ctx context.Context) error
	// Done is closed when the client goes away. A nil channel never fires.
	Done() <-chan struct{}
	// CancelRequests receives when the client asks to cancel the run. A nil
	// channel means the transport carries no such requests.
	CancelRequests() <-chan struct{}
	Close(ctx context.Context) error
}

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

const writeWait = 10 * time.Second

// SSEConn frames events as server-sent events: one "data: <json>" line per event and
// ": heartbeat" comment frames in between.
type SSEConn struct {
	mu   sync.Mutex
	w    http.ResponseWriter
	rc   *http.ResponseController
	done <-chan struct{}
}

// NewSSE writes the event-stream headers. It must be called before anything else
// is written to w.
func NewSSE(w http.ResponseWriter, r *http.Request) (*SSEConn, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &SSEConn{w: w, rc: http.NewResponseController(w), done: r.Context().Done()}
	if err := c.write(":\n\n"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SSEConn) Send(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(fmt.Sprintf("id: %d\ndata: %s\n\n", e.Seq, data))
}

func (c *SSEConn) Heartbeat(context.Context) error {
	return c.write(": heartbeat\n\n")
}

func (c *SSEConn) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.w.Write([]byte(frame)); err != nil {
		return err
	}
	return c.rc.Flush()
}

func (c *SSEConn) Done() <-chan struct{}           { return c.done }
func (c *SSEConn) CancelRequests() <-chan struct{} { return nil }

// Close is a no-op; the response ends when the handler returns.
func (c *SSEConn) Close(context.Context) error { return nil }

// ClientMessage is what a WebSocket client may send.
type ClientMessage struct {
	Type string `json:"type"`
}

// ClientCancel asks the server to cancel the run.
const ClientCancel = "cancel"

// Upgrader accepts WebSocket stream connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; no browser session to protect
	},
}

// WSConn sends one JSON text message per event and ping frames as heartbeat.
type WSConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	done      chan struct{}
	cancels   chan struct{}
	closeOnce sync.Once
}

// NewWS starts reading client messages from conn.
func NewWS(conn *websocket.Conn) *WSConn {
	c := &WSConn{conn: conn, done: make(chan struct{}), cancels: make(chan struct{}, 1)}
	go c.readLoop()
	return c
}

func (c *WSConn) readLoop() {
	defer close(c.done)
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == ClientCancel {
			select {
			case c.cancels <- struct{}{}:
			default:
			}
		}
	}
}

func (c *WSConn) Send(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(e)
}

func (c *WSConn) Heartbeat(context.Context) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WSConn) Done() <-chan struct{}           { return c.done }
func (c *WSConn) CancelRequests() <-chan struct{} { return c.cancels }

// Close sends a normal close frame and releases the connection.
func (c *WSConn) Close(context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// LogConn backs executions without a client: events go to the log.
type LogConn struct {
	log *slog.Logger
}

func NewLogConn(log *slog.Logger) *LogConn {
	if log == nil {
		log = slog.Default()
	}
	return &LogConn{log: log}
}

func (c *LogConn) Send(_ context.Context, e events.Event) error {
	c.log.Debug("run event", "run_id", e.RunID, "type", e.Type, "seq", e.Seq)
	return nil
}

func (c *LogConn) Heartbeat(context.Context) error { return nil }
func (c *LogConn) Done() <-chan struct{}           { return nil }
func (c *LogConn) CancelRequests() <-chan struct{} { return nil }
func (c *LogConn) Close(context.Context) error     { return nil }
