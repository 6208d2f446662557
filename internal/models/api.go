package models

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	ProjectID   string       `json:"project_id"`
	ReviewMode  ReviewMode   `json:"review_mode,omitempty"`
	SourceFiles []SourceFile `json:"source_files"`
}

// ReviewRequest is the body of POST /api/runs/{id}/review.
type ReviewRequest struct {
	Decisions []ReviewDecision `json:"decisions" yaml:"decisions"`
}

// RunList is the response of GET /api/runs.
type RunList struct {
	Runs   []Run `json:"runs"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// TableList is the response of GET /api/runs/{id}/tables.
type TableList struct {
	Tables []CatalogTable `json:"tables"`
}

// Error codes carried by API error responses.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyExecuting  = "already_executing"
	CodeRunTerminal       = "run_terminal"
	CodeNotAwaitingReview = "not_awaiting_review"
	CodeNotDeletable      = "not_deletable"
	CodeInvalidConfig     = "invalid_config"
	CodeInvalidDecision   = "invalid_decision"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

// APIError is the body of every non-2xx API response.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
