package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/pipeline"
	"github.com/raphaelgruber/sheetflow/internal/pipeline/pipelinetest"
	"github.com/raphaelgruber/sheetflow/internal/planner"
	"github.com/raphaelgruber/sheetflow/internal/server"
	"github.com/raphaelgruber/sheetflow/internal/service"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/raphaelgruber/sheetflow/internal/stream"
	"github.com/raphaelgruber/sheetflow/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger creates a logger that writes to stderr for test visibility.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type testServer struct {
	*httptest.Server
	runs    *service.RunService
	streams *stream.Controller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mc := metrics.NewCollector()
	p := planner.New(nil, nil)
	d := pipeline.NewDriver(pipeline.Deps{
		Store:    s,
		Parser:   pipelinetest.NewParser(),
		Analyzer: p,
		Designer: p,
		Writer:   pipelinetest.NewWriter(),
		Metrics:  mc,
		Logger:   testLogger(),
	}, pipeline.DefaultOptions())
	ctrl := stream.NewController(d, s, nil, 0, testLogger())
	runs := service.NewRunService(s, d, ctrl, testLogger())

	mcpServer := server.NewMCP("0.0.1-test", testLogger())
	tools.RegisterAll(mcpServer.MCPServer(), &tools.Dependencies{Runs: runs, Logger: testLogger()})
	api := server.New(runs, ctrl, mc, testLogger())
	api.MountMCP(mcpServer.HTTPHandler())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		runs.Wait()
	})
	return &testServer{Server: srv, runs: runs, streams: ctrl}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) createRun(t *testing.T, mode models.ReviewMode) models.Run {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/runs", models.CreateRunRequest{
		ProjectID:  "proj",
		ReviewMode: mode,
		SourceFiles: []models.SourceFile{
			{ID: "customers", Path: "/data/customers.csv"},
			{ID: "orders", Path: "/data/orders.csv"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Run](t, resp)
}

func assertAPIError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	apiErr := decode[models.APIError](t, resp)
	assert.Equal(t, code, apiErr.Code)
	assert.NotEmpty(t, apiErr.Error)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(body))
}

func TestRunLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, models.ReviewModeAuto)
	assert.Equal(t, models.StatusPending, run.Status)

	resp := ts.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.ID, decode[models.Run](t, resp).ID)

	resp = ts.do(t, http.MethodGet, "/api/runs?project=proj&status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[models.RunList](t, resp)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, models.DefaultListLimit, list.Limit)

	assertAPIError(t, ts.do(t, http.MethodDelete, "/api/runs/"+run.ID, nil), http.StatusConflict, models.CodeNotDeletable)

	resp = ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCancelled, decode[models.Run](t, resp).Status)

	assertAPIError(t, ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil), http.StatusConflict, models.CodeRunTerminal)
	assertAPIError(t, ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/stream", nil), http.StatusConflict, models.CodeRunTerminal)

	resp = ts.do(t, http.MethodDelete, "/api/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assertAPIError(t, ts.do(t, http.MethodGet, "/api/runs/"+run.ID, nil), http.StatusNotFound, models.CodeNotFound)
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown status filter", http.MethodGet, "/api/runs?status=running", nil, http.StatusBadRequest, models.CodeBadRequest},
		{"negative limit", http.MethodGet, "/api/runs?limit=-1", nil, http.StatusBadRequest, models.CodeBadRequest},
		{"no source files", http.MethodPost, "/api/runs", models.CreateRunRequest{ProjectID: "p"}, http.StatusBadRequest, models.CodeInvalidConfig},
		{"unknown field", http.MethodPost, "/api/runs", map[string]any{"files": []string{"a"}}, http.StatusBadRequest, models.CodeBadRequest},
		{"missing run", http.MethodGet, "/api/runs/nope", nil, http.StatusNotFound, models.CodeNotFound},
		{"stream missing run", http.MethodGet, "/api/runs/nope/stream", nil, http.StatusNotFound, models.CodeNotFound},
		{"review missing run", http.MethodPost, "/api/runs/nope/review", models.ReviewRequest{}, http.StatusNotFound, models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertAPIError(t, ts.do(t, tt.method, tt.path, tt.body), tt.status, tt.code)
		})
	}
}

func TestStreamRejectsSecondAttach(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, models.ReviewModeAuto)

	sess, err := ts.streams.Prepare(context.Background(), run.ID)
	require.NoError(t, err)
	assertAPIError(t, ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/stream", nil), http.StatusConflict, models.CodeAlreadyExecuting)
	assertAPIError(t, ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/execute", nil), http.StatusConflict, models.CodeAlreadyExecuting)
	sess.Abort(context.Background())
}

func TestStreamAndReview(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, models.ReviewModeReview)

	resp, err := http.Get(ts.URL + "/api/runs/" + run.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []events.Type
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		types = append(types, e.Type)

		if e.Type == events.ReviewReady {
			review := ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/review", models.ReviewRequest{
				Decisions: []models.ReviewDecision{{Table: "orders", Action: models.ActionSkip}},
			})
			require.Equal(t, http.StatusOK, review.StatusCode)
			assert.Equal(t, []string{"customers"}, decode[models.Run](t, review).ExtractionPlanModified.TableNames())
		}
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, types)
	assert.Equal(t, events.RunStart, types[0])
	assert.Contains(t, types, events.ReviewReady)
	assert.Equal(t, events.RunComplete, types[len(types)-1])

	resp2 := ts.do(t, http.MethodGet, "/api/runs/"+run.ID+"/tables", nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	tables := decode[models.TableList](t, resp2)
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, "customers", tables.Tables[0].Name)

	stats := ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, stats.StatusCode)
	var snapshot map[string]any
	require.NoError(t, json.NewDecoder(stats.Body).Decode(&snapshot))
	assert.Contains(t, snapshot, "runs")
	assert.Contains(t, snapshot, "attached_runs")
}

func TestExecuteDetached(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, models.ReviewModeAuto)

	resp := ts.do(t, http.MethodPost, "/api/runs/"+run.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.runs.Wait()

	got, err := ts.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestMCPEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	require.NoError(t, err)
	defer session.Close()

	list, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list.Tools, 8)

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "create_run",
		Arguments: map[string]any{
			"project": "proj",
			"files":   []any{map[string]any{"id": "customers", "path": "/data/customers.csv"}},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	// the run is visible through the REST API
	resp := ts.do(t, http.MethodGet, "/api/runs?project=proj", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var runs models.RunList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, models.StatusPending, runs.Runs[0].Status)
}

func TestMCPLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := server.NewMCP("0.0.1-test", logger)
	srv.Setup()
	mcp.AddTool(srv.MCPServer(), &mcp.Tool{Name: "echo", Description: "Echo the input"},
		func(ctx context.Context, req *mcp.CallToolRequest, input struct {
			Text string `json:"text"`
		}) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: input.Text}}}, nil, nil
		})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.MCPServer().Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	_, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": strings.Repeat("x", 500)},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "mcp request completed")
	assert.Contains(t, out, "method=tools/call")
	assert.Contains(t, out, "...")
}
