// Package models defines data structures for sheetflow runs, plans and catalog entries.
package models

import (
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending       RunStatus = "pending"
	StatusIngesting     RunStatus = "ingesting"
	StatusAnalyzing     RunStatus = "analyzing"
	StatusDesigning     RunStatus = "designing"
	StatusReviewPending RunStatus = "review_pending"
	StatusExtracting    RunStatus = "extracting"
	StatusValidating    RunStatus = "validating"
	StatusPersisting    RunStatus = "persisting"
	StatusCompleted     RunStatus = "completed"
	StatusFailed        RunStatus = "failed"
	StatusCancelled     RunStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []RunStatus{
	StatusPending, StatusIngesting, StatusAnalyzing, StatusDesigning, StatusReviewPending,
	StatusExtracting, StatusValidating, StatusPersisting,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsExecuting reports whether an executor currently owns the run.
// pending and review_pending are idle: no executor holds them.
func (s RunStatus) IsExecuting() bool {
	switch s {
	case StatusIngesting, StatusAnalyzing, StatusDesigning,
		StatusExtracting, StatusValidating, StatusPersisting:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// NonTerminalStatuses returns every status from which failed/cancelled are reachable.
func NonTerminalStatuses() []RunStatus {
	out := make([]RunStatus, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// ExecutingStatuses returns the statuses in which an executor owns the run.
func ExecutingStatuses() []RunStatus {
	out := make([]RunStatus, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if s.IsExecuting() {
			out = append(out, s)
		}
	}
	return out
}

var forwardTransitions = map[RunStatus][]RunStatus{
	StatusPending:       {StatusIngesting},
	StatusIngesting:     {StatusAnalyzing},
	StatusAnalyzing:     {StatusDesigning},
	StatusDesigning:     {StatusReviewPending, StatusExtracting},
	StatusReviewPending: {StatusExtracting},
	StatusExtracting:    {StatusValidating},
	StatusValidating:    {StatusPersisting},
	StatusPersisting:    {StatusCompleted},
}

// CanTransition reports whether the state machine allows from → to.
// Any non-terminal status may move to failed or cancelled.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	return slices.Contains(forwardTransitions[from], to)
}

// ReviewMode selects whether the pipeline pauses for human review of the plan.
type ReviewMode string

const (
	ReviewModeAuto   ReviewMode = "auto"
	ReviewModeReview ReviewMode = "review"
)

// Phase names a pipeline phase.
type Phase string

const (
	PhaseIngest   Phase = "ingest"
	PhaseAnalyze  Phase = "analyze"
	PhaseDesign   Phase = "design"
	PhaseReview   Phase = "review"
	PhaseExtract  Phase = "extract"
	PhaseValidate Phase = "validate"
	PhasePersist  Phase = "persist"
)

// SourceFile references an uploaded spreadsheet on local storage.
type SourceFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunConfig is supplied at creation and never changes afterwards.
type RunConfig struct {
	ReviewMode  ReviewMode   `json:"review_mode"`
	SourceFiles []SourceFile `json:"source_files"`
}

// Progress is advisory only; status is authoritative.
type Progress struct {
	Phase   Phase  `json:"phase,omitempty"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// TokenUsage counts language-model tokens.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// ItemStatus is the outcome of a single file or table within a phase.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// FileResult records the ingest outcome of one source file.
type FileResult struct {
	FileID string     `json:"file_id"`
	Name   string     `json:"name"`
	Status ItemStatus `json:"status"`
	Sheets int        `json:"sheets"`
	Rows   int        `json:"rows"`
	Error  string     `json:"error,omitempty"`
}

// TableResult records the extract outcome of one planned table.
type TableResult struct {
	Name                string     `json:"name"`
	Status              ItemStatus `json:"status"`
	Rows                int64      `json:"rows"`
	OutputPath          string     `json:"output_path,omitempty"`
	CoercionFailures    int        `json:"coercion_failures"`
	CoercionFailureRate float64    `json:"coercion_failure_rate"`
	NullViolations      int        `json:"null_violations"`
	Error               string     `json:"error,omitempty"`
}

// Run is one execution of the ingestion pipeline for a set of source files.
type Run struct {
	ID                     string            `json:"id"`
	ProjectID              string            `json:"project_id"`
	Status                 RunStatus         `json:"status"`
	Config                 RunConfig         `json:"config"`
	ExtractionPlan         *ExtractionPlan   `json:"extraction_plan,omitempty"`
	ExtractionPlanModified *ExtractionPlan   `json:"extraction_plan_modified,omitempty"`
	ReviewDecisions        []ReviewDecision  `json:"review_decisions,omitempty"`
	ReviewSubmittedAt      *time.Time        `json:"review_submitted_at,omitempty"`
	ValidationReport       *ValidationReport `json:"validation_report,omitempty"`
	Progress               Progress          `json:"progress"`
	TokensUsed             TokenUsage        `json:"tokens_used"`
	Files                  []FileResult      `json:"files,omitempty"`
	Tables                 []TableResult     `json:"tables,omitempty"`
	ErrorMessage           *string           `json:"error_message,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	StartedAt              *time.Time        `json:"started_at,omitempty"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
}

// PlanOfRecord returns the reviewed plan when present, else the designed plan.
func (r *Run) PlanOfRecord() *ExtractionPlan {
	if r.ExtractionPlanModified != nil {
		return r.ExtractionPlanModified
	}
	return r.ExtractionPlan
}

// ReviewSubmitted reports whether decisions were recorded for the pending review.
func (r *Run) ReviewSubmitted() bool {
	return r.ReviewSubmittedAt != nil
}

// ApplyTransition sets status and the timestamps that go with it.
// started_at is stamped on the first move out of pending; completed_at on any terminal status.
func (r *Run) ApplyTransition(to RunStatus, errMsg *string, now time.Time) {
	if r.Status == StatusPending && to == StatusIngesting && r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.Status = to
	if to.IsTerminal() {
		r.CompletedAt = &now
	}
	if errMsg != nil {
		msg := *errMsg
		r.ErrorMessage = &msg
	}
}

// CopyState copies the executor-owned fields from src, leaving lifecycle fields alone.
func (r *Run) CopyState(src *Run) {
	r.ExtractionPlan = src.ExtractionPlan
	r.ExtractionPlanModified = src.ExtractionPlanModified
	r.ValidationReport = src.ValidationReport
	r.Progress = src.Progress
	r.TokensUsed = src.TokensUsed
	r.Files = src.Files
	r.Tables = src.Tables
}

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	ProjectID string
	Statuses  []RunStatus
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps pagination values.
func (f RunFilter) Normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether run passes the project and status filters.
func (f RunFilter) Matches(run *Run) bool {
	if f.ProjectID != "" && run.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, run.Status) {
		return false
	}
	return true
}
