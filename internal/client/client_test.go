package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, seq int64, typ events.Type, data any) string {
	t.Helper()
	e, err := events.New(typ, "r1", data)
	require.NoError(t, err)
	e.Seq = seq
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return fmt.Sprintf("id: %d\ndata: %s\n\n", seq, raw)
}

func TestAPIErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/runs/done/cancel":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(models.APIError{Error: "run is in a terminal state", Code: models.CodeRunTerminal})
		case "/api/runs/missing":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(models.APIError{Error: "run not found", Code: models.CodeNotFound})
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.CancelRun(ctx, "done")
	require.ErrorIs(t, err, models.ErrRunTerminal)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = c.GetRun(ctx, "missing")
	require.ErrorIs(t, err, models.ErrRunNotFound)

	_, err = c.ListRuns(ctx, ListRunsOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestListRunsQuery(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(models.RunList{Limit: 10})
	}))
	defer srv.Close()

	list, err := New(srv.URL).ListRuns(context.Background(), ListRunsOptions{
		ProjectID: "p",
		Statuses:  []models.RunStatus{models.StatusFailed, models.StatusCancelled},
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, list.Limit)
	assert.Equal(t, "limit=10&project=p&status=failed%2Ccancelled", got)
}

func TestStreamSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ":\n\n")
		fmt.Fprint(w, frame(t, 1, events.RunStart, events.RunStartData{Status: models.StatusIngesting}))
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, frame(t, 2, events.Progress, models.Progress{Percent: 50}))
		fmt.Fprint(w, frame(t, 3, events.RunComplete, events.RunCompleteData{Status: models.StatusCompleted}))
		fmt.Fprint(w, frame(t, 4, events.Progress, nil))
	}))
	defer srv.Close()

	var types []events.Type
	err := New(srv.URL).Stream(context.Background(), "r1", func(e events.Event) error {
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.RunStart, events.Heartbeat, events.Progress, events.RunComplete}, types,
		"delivery stops at the terminal event")
}

func TestStreamEndsEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frame(t, 1, events.RunStart, nil))
	}))
	defer srv.Close()

	err := New(srv.URL).Stream(context.Background(), "r1", func(events.Event) error { return nil })
	require.ErrorIs(t, err, ErrStreamEnded)
}

func TestStreamPreconditionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(models.APIError{Error: "busy", Code: models.CodeAlreadyExecuting})
	}))
	defer srv.Close()

	err := New(srv.URL).Stream(context.Background(), "r1", func(events.Event) error { return nil })
	require.ErrorIs(t, err, models.ErrRunAlreadyExecuting)
}

func TestStreamWSCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		start, _ := events.New(events.RunStart, "r1", nil)
		_ = conn.WriteJSON(start)
		_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))

		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil || msg.Type != "cancel" {
			return
		}
		end, _ := events.New(events.RunError, "r1", events.RunErrorData{Code: events.CodeCancelled})
		_ = conn.WriteJSON(end)
	}))
	defer srv.Close()

	cancel := make(chan struct{})
	var types []events.Type
	err := New(srv.URL).StreamWS(context.Background(), "r1", cancel, func(e events.Event) error {
		types = append(types, e.Type)
		if e.Type == events.RunStart {
			close(cancel)
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, types)
	assert.Equal(t, events.RunStart, types[0])
	assert.Equal(t, events.RunError, types[len(types)-1])
}
