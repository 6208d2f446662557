// Package events defines the typed run event stream shared by the server,
// its transports and clients.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

// Type discriminates events on the wire.
type Type string

const (
	RunStart         Type = "run_start"
	PhaseStart       Type = "phase_start"
	PhaseComplete    Type = "phase_complete"
	FileStart        Type = "file_start"
	FileComplete     Type = "file_complete"
	FileError        Type = "file_error"
	SheetAnalysis    Type = "sheet_analysis"
	Progress         Type = "progress"
	ExtractionPlan   Type = "extraction_plan"
	ReviewReady      Type = "review_ready"
	TableStart       Type = "table_start"
	TableComplete    Type = "table_complete"
	TableError       Type = "table_error"
	ValidationResult Type = "validation_result"
	TokenUpdate      Type = "token_update"
	Text             Type = "text"
	RunComplete      Type = "run_complete"
	RunError         Type = "run_error"

	// Heartbeat is never framed as an event on SSE or WebSocket; clients see it
	// only as a decoded keep-alive.
	Heartbeat Type = "heartbeat"
)

// AllTypes lists the event types a stream may carry, excluding Heartbeat.
var AllTypes = []Type{
	RunStart, PhaseStart, PhaseComplete, FileStart, FileComplete, FileError,
	SheetAnalysis, Progress, ExtractionPlan, ReviewReady, TableStart, TableComplete,
	TableError, ValidationResult, TokenUpdate, Text, RunComplete, RunError,
}

// IsTerminal reports whether t closes the stream.
func (t Type) IsTerminal() bool {
	return t == RunComplete || t == RunError
}

// Event is one framed stream message. Seq increases by one per event within a stream.
type Event struct {
	Type  Type            `json:"type"`
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq"`
	TS    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New encodes data into an event without sequence number.
func New(t Type, runID string, data any) (Event, error) {
	e := Event{Type: t, RunID: runID, TS: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		e.Data = raw
	}
	return e, nil
}

// Decode unmarshals the payload of e.
func Decode[T any](e Event) (T, error) {
	var v T
	if len(e.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

type RunStartData struct {
	Status     models.RunStatus  `json:"status"`
	ReviewMode models.ReviewMode `json:"review_mode"`
	Files      int               `json:"files"`
	Attached   bool              `json:"attached,omitempty"` // stream joined a run waiting for review
}

type PhaseStartData struct {
	Phase  models.Phase     `json:"phase"`
	Status models.RunStatus `json:"status"`
}

type PhaseCompleteData struct {
	Phase      models.Phase `json:"phase"`
	DurationMs int64        `json:"duration_ms"`
	Summary    string       `json:"summary,omitempty"`
}

type FileData struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Sheets int    `json:"sheets,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Error  string `json:"error,omitempty"`
}

type PlanData struct {
	Plan *models.ExtractionPlan `json:"plan"`
}

type ReviewReadyData struct {
	Plan   *models.ExtractionPlan `json:"plan"`
	Tables []string               `json:"tables"`
}

type TableData struct {
	Table            string `json:"table"`
	Rows             int64  `json:"rows,omitempty"`
	Path             string `json:"path,omitempty"`
	CoercionFailures int    `json:"coercion_failures,omitempty"`
	Error            string `json:"error,omitempty"`
}

type TokenUpdateData struct {
	Delta models.TokenUsage `json:"delta"`
	Total models.TokenUsage `json:"total"`
}

type TextData struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type RunCompleteData struct {
	Status     models.RunStatus  `json:"status"`
	Tables     int               `json:"tables"`
	Rows       int64             `json:"rows"`
	TokensUsed models.TokenUsage `json:"tokens_used"`
	DurationMs int64             `json:"duration_ms"`
}

// Error codes carried by run_error.
const (
	CodeFailed    = "failed"
	CodeCancelled = "cancelled"
)

type RunErrorData struct {
	Status models.RunStatus `json:"status"`
	Code   string           `json:"code"`
	Error  string           `json:"error,omitempty"`
}
