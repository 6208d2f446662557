package models

// ReviewAction is a reviewer's choice for one planned table.
type ReviewAction string

const (
	ActionInclude ReviewAction = "include"
	ActionSkip    ReviewAction = "skip"
)

// ReviewDecision is one reviewer decision. OutputName renames the table when set.
type ReviewDecision struct {
	Table      string       `json:"table" yaml:"table"`
	Action     ReviewAction `json:"action" yaml:"action"`
	OutputName *string      `json:"output_name,omitempty" yaml:"output_name,omitempty"`
}
