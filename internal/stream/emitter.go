package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/sheetflow/internal/events"
)

// emitter numbers events and serializes them with heartbeats onto one Conn.
// After the first failed write it stops writing; the run itself is unaffected.
type emitter struct {
	mu     sync.Mutex
	conn   Conn
	runID  string
	seq    int64
	broken bool
	log    *slog.Logger
}

func newEmitter(conn Conn, runID string, log *slog.Logger) *emitter {
	return &emitter{conn: conn, runID: runID, log: log}
}

func (e *emitter) Emit(t events.Type, data any) {
	ev, err := events.New(t, e.runID, data)
	if err != nil {
		e.log.Error("dropping unencodable event", "run_id", e.runID, "type", t, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	if e.broken {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := e.conn.Send(ctx, ev); err != nil {
		e.broken = true
		e.log.Debug("stream write failed", "run_id", e.runID, "type", t, "error", err)
	}
}

func (e *emitter) heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := e.conn.Heartbeat(ctx); err != nil {
		e.broken = true
		e.log.Debug("heartbeat failed", "run_id", e.runID, "error", err)
	}
}
