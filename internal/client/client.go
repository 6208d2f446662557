// Package client provides an HTTP client for the sheetflow server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

// Client talks to the sheetflow REST API and its event streams.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client // no overall timeout
}

// New creates a client.
// If baseURL is empty, uses SHEETFLOW_SERVER_URL or defaults to localhost:8484.
// The request timeout can be set via SHEETFLOW_CLIENT_TIMEOUT (default 1m).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("SHEETFLOW_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := time.Minute
	if t := os.Getenv("SHEETFLOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// APIError is a non-2xx response. It unwraps to the matching models sentinel so
// callers can use errors.Is(err, models.ErrRunTerminal) and friends.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.Status, e.Code)
	}
	return e.Message
}

var codeErrors = map[string]error{
	models.CodeNotFound:          models.ErrRunNotFound,
	models.CodeAlreadyExecuting:  models.ErrRunAlreadyExecuting,
	models.CodeRunTerminal:       models.ErrRunTerminal,
	models.CodeNotAwaitingReview: models.ErrNotAwaitingReview,
	models.CodeNotDeletable:      models.ErrRunNotDeletable,
	models.CodeInvalidConfig:     models.ErrInvalidConfig,
	models.CodeInvalidDecision:   models.ErrInvalidDecision,
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// do sends a JSON request and decodes a JSON response into result when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var payload models.APIError
	if json.Unmarshal(body, &payload) == nil && payload.Code != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = fmt.Sprintf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return apiErr
}

func runPath(id string, suffix ...string) string {
	p := "/api/runs/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// CreateRun creates a pending run.
func (c *Client) CreateRun(ctx context.Context, req models.CreateRunRequest) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns a run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodGet, runPath(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunsOptions filters ListRuns. Zero values are omitted.
type ListRunsOptions struct {
	ProjectID string
	Statuses  []models.RunStatus
	Limit     int
	Offset    int
}

// ListRuns returns runs newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (*models.RunList, error) {
	q := url.Values{}
	if opts.ProjectID != "" {
		q.Set("project", opts.ProjectID)
	}
	if len(opts.Statuses) > 0 {
		s := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			s[i] = string(st)
		}
		q.Set("status", strings.Join(s, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list models.RunList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ListTables returns the catalog tables a run registered.
func (c *Client) ListTables(ctx context.Context, id string) ([]models.CatalogTable, error) {
	var list models.TableList
	if err := c.do(ctx, http.MethodGet, runPath(id, "tables"), nil, &list); err != nil {
		return nil, err
	}
	return list.Tables, nil
}

// CancelRun requests cancellation and returns the run as stored afterwards.
func (c *Client) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, runPath(id, "cancel"), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteRun deletes a failed or cancelled run.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, runPath(id), nil, nil)
}

// SubmitReview sends review decisions for a run waiting for review.
func (c *Client) SubmitReview(ctx context.Context, id string, decisions []models.ReviewDecision) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, runPath(id, "review"), models.ReviewRequest{Decisions: decisions}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ExecuteRun starts a pending run on the server without a stream.
func (c *Client) ExecuteRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, runPath(id, "execute"), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ServerStats is the response of /api/stats.
type ServerStats struct {
	UptimeSeconds float64                    `json:"uptime_seconds"`
	LLMGenerate   *OperationStats            `json:"llm_generate,omitempty"`
	DBQuery       *OperationStats            `json:"db_query,omitempty"`
	Phases        map[string]*OperationStats `json:"phases"`
	Runs          map[string]int64           `json:"runs"`
	ActiveRuns    int64                      `json:"active_runs"`
	AttachedRuns  int                        `json:"attached_runs"`
}

// OperationStats holds timing (and, for LLM calls, token) statistics.
type OperationStats struct {
	Count             int64   `json:"count"`
	TotalTimeMs       int64   `json:"total_time_ms"`
	AvgTimeMs         float64 `json:"avg_time_ms"`
	MinTimeMs         int64   `json:"min_time_ms"`
	MaxTimeMs         int64   `json:"max_time_ms"`
	TotalInputTokens  *int64  `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64  `json:"total_output_tokens,omitempty"`
}

// GetServerStats returns in-memory runtime statistics.
func (c *Client) GetServerStats(ctx context.Context) (*ServerStats, error) {
	var stats ServerStats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ErrStreamEnded is returned when a stream closes before a terminal event.
var ErrStreamEnded = errors.New("stream ended before the run finished")
