package models

// Severity grades a validation finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one validation observation.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// TableValidation holds the checks for one table.
type TableValidation struct {
	Table               string     `json:"table"`
	Status              ItemStatus `json:"status"`
	RowCount            int64      `json:"row_count"`
	EstimatedRows       int        `json:"estimated_rows"`
	CoercionFailures    int        `json:"coercion_failures"`
	CoercionFailureRate float64    `json:"coercion_failure_rate"`
	Findings            []Finding  `json:"findings,omitempty"`
}

// ValidationReport is the validate phase output. Findings are surfaced, not enforced.
type ValidationReport struct {
	Passed bool              `json:"passed"`
	Tables []TableValidation `json:"tables"`
}
