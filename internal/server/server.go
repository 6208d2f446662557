// Package server exposes the run API over HTTP: REST for the lifecycle, SSE and
// WebSocket for the event stream, MCP for agents.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/service"
	"github.com/raphaelgruber/sheetflow/internal/stream"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// Server wires HTTP routes to the run service and stream controller.
type Server struct {
	runs    *service.RunService
	streams *stream.Controller
	metrics *metrics.Collector
	mcp     http.Handler
	logger  *slog.Logger
}

// New creates a server. A nil metrics collector disables /api/stats.
func New(runs *service.RunService, streams *stream.Controller, mc *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runs: runs, streams: streams, metrics: mc, logger: logger}
}

// MountMCP serves h, the MCP streamable HTTP endpoint, under /mcp.
func (s *Server) MountMCP(h http.Handler) {
	s.mcp = h
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /api/runs/{id}/tables", s.listTables)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("POST /api/runs/{id}/review", s.submitReview)
	mux.HandleFunc("POST /api/runs/{id}/execute", s.executeRun)
	mux.HandleFunc("GET /api/runs/{id}/stream", s.streamSSE)
	mux.HandleFunc("GET /api/runs/{id}/ws", s.streamWS)
	mux.HandleFunc("GET /api/stats", s.stats)
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return LoggingMiddleware(s.logger, mux)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.runs.CreateRun(r.Context(), req.ProjectID, models.RunConfig{
		ReviewMode:  req.ReviewMode,
		SourceFiles: req.SourceFiles,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RunFilter{ProjectID: q.Get("project")}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		status := models.RunStatus(raw)
		if !status.Valid() {
			writeBadRequest(w, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset: "+err.Error())
		return
	}
	filter = filter.Normalize()

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, models.RunList{Runs: runs, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.DeleteRun(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.runs.ListTables(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tables == nil {
		tables = []models.CatalogTable{}
	}
	writeJSON(w, http.StatusOK, models.TableList{Tables: tables})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !run.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, run)
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.runs.SubmitReviewDecisions(r.Context(), r.PathValue("id"), req.Decisions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) executeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ExecuteRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// streamSSE checks preconditions before any stream byte is written so that they
// surface as ordinary HTTP errors.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError, models.APIError{Error: stream.ErrStreamingUnsupported.Error(), Code: models.CodeInternal})
		return
	}
	sess, err := s.streams.Prepare(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := stream.NewSSE(w, r)
	if err != nil {
		s.logger.Warn("opening event stream", "run_id", sess.RunID(), "error", err)
		sess.Abort(r.Context())
		return
	}
	sess.Serve(r.Context(), conn)
}

func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.streams.Prepare(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warn("websocket upgrade failed", "run_id", sess.RunID(), "error", err)
		sess.Abort(r.Context())
		return
	}
	sess.Serve(r.Context(), stream.NewWS(ws))
}

type statsResponse struct {
	metrics.Snapshot
	AttachedRuns int `json:"attached_runs"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusNotFound, models.APIError{Error: "stats disabled", Code: models.CodeNotFound})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Snapshot:     s.metrics.Snapshot(),
		AttachedRuns: s.streams.Registry().Len(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("want a non-negative integer, got %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, models.APIError{Error: msg, Code: models.CodeBadRequest})
}

// writeError maps precondition errors to status codes. Anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, models.CodeInternal
	switch {
	case errors.Is(err, models.ErrRunNotFound):
		status, code = http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, models.ErrRunAlreadyExecuting):
		status, code = http.StatusConflict, models.CodeAlreadyExecuting
	case errors.Is(err, models.ErrRunTerminal):
		status, code = http.StatusConflict, models.CodeRunTerminal
	case errors.Is(err, models.ErrNotAwaitingReview):
		status, code = http.StatusConflict, models.CodeNotAwaitingReview
	case errors.Is(err, models.ErrRunNotDeletable):
		status, code = http.StatusConflict, models.CodeNotDeletable
	case errors.Is(err, models.ErrInvalidConfig):
		status, code = http.StatusBadRequest, models.CodeInvalidConfig
	case errors.Is(err, models.ErrInvalidDecision):
		status, code = http.StatusBadRequest, models.CodeInvalidDecision
	default:
		slog.Error("request error", "error", err)
	}
	writeJSON(w, status, models.APIError{Error: err.Error(), Code: code})
}
