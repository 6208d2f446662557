package models

import (
	"fmt"
	"slices"
)

// ColumnType is the target type of an output column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt64     ColumnType = "int64"
	TypeFloat64   ColumnType = "float64"
	TypeBool      ColumnType = "bool"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is a supported column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt64, TypeFloat64, TypeBool, TypeDate, TypeTimestamp:
		return true
	}
	return false
}

// Confidence grades an inferred relationship.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// SourceRef points at one sheet of one source file.
type SourceRef struct {
	FileID string `json:"file_id" yaml:"file_id"`
	Sheet  string `json:"sheet" yaml:"sheet"`
}

// ColumnPlan maps a source column to an output column.
type ColumnPlan struct {
	SourceName  string     `json:"source_name" yaml:"source_name"`
	OutputName  string     `json:"output_name" yaml:"output_name"`
	Type        ColumnType `json:"type" yaml:"type"`
	Nullable    bool       `json:"nullable" yaml:"nullable"`
	Transform   string     `json:"transform,omitempty" yaml:"transform,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// TablePlan describes how one output table is cut from a sheet.
// Row numbers are 1-based; DataEndRow 0 means "to the last row".
type TablePlan struct {
	Name          string       `json:"name" yaml:"name"`
	Source        SourceRef    `json:"source" yaml:"source"`
	HeaderRow     int          `json:"header_row" yaml:"header_row"`
	DataStartRow  int          `json:"data_start_row" yaml:"data_start_row"`
	DataEndRow    int          `json:"data_end_row,omitempty" yaml:"data_end_row,omitempty"`
	Columns       []ColumnPlan `json:"columns" yaml:"columns"`
	Transpose     bool         `json:"transpose,omitempty" yaml:"transpose,omitempty"`
	EstimatedRows int          `json:"estimated_rows" yaml:"estimated_rows"`
	Description   string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Relationship is an inferred foreign-key style link between two planned tables.
type Relationship struct {
	FromTable  string     `json:"from_table" yaml:"from_table"`
	FromColumn string     `json:"from_column" yaml:"from_column"`
	ToTable    string     `json:"to_table" yaml:"to_table"`
	ToColumn   string     `json:"to_column" yaml:"to_column"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
}

// CatalogMetadata carries free-form notes produced by the design phase.
type CatalogMetadata struct {
	ProjectDescription string `json:"project_description,omitempty" yaml:"project_description,omitempty"`
	DomainNotes        string `json:"domain_notes,omitempty" yaml:"domain_notes,omitempty"`
	DataQualityNotes   string `json:"data_quality_notes,omitempty" yaml:"data_quality_notes,omitempty"`
}

// ExtractionPlan is the design phase output. Once designed it is never mutated;
// review derives a new plan instead.
type ExtractionPlan struct {
	Tables        []TablePlan     `json:"tables" yaml:"tables"`
	Relationships []Relationship  `json:"relationships" yaml:"relationships"`
	Catalog       CatalogMetadata `json:"catalog" yaml:"catalog"`
}

// Table returns the planned table with the given name.
func (p *ExtractionPlan) Table(name string) (*TablePlan, bool) {
	for i := range p.Tables {
		if p.Tables[i].Name == name {
			return &p.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns table names in plan order.
func (p *ExtractionPlan) TableNames() []string {
	names := make([]string, len(p.Tables))
	for i, t := range p.Tables {
		names[i] = t.Name
	}
	return names
}

// Clone returns a deep copy.
func (p *ExtractionPlan) Clone() *ExtractionPlan {
	if p == nil {
		return nil
	}
	out := &ExtractionPlan{
		Tables:        make([]TablePlan, len(p.Tables)),
		Relationships: slices.Clone(p.Relationships),
		Catalog:       p.Catalog,
	}
	for i, t := range p.Tables {
		t.Columns = slices.Clone(t.Columns)
		out.Tables[i] = t
	}
	return out
}

// Validate checks structural consistency: unique non-empty table names, typed columns
// with unique output names, and relationships that point at planned tables and columns.
func (p *ExtractionPlan) Validate() error {
	seen := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		if t.Name == "" {
			return fmt.Errorf("table with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Source.FileID == "" {
			return fmt.Errorf("table %q: missing source file", t.Name)
		}
		if t.HeaderRow < 0 || t.DataStartRow < 1 {
			return fmt.Errorf("table %q: invalid row range", t.Name)
		}
		if t.DataEndRow != 0 && t.DataEndRow < t.DataStartRow {
			return fmt.Errorf("table %q: data end row %d before start row %d", t.Name, t.DataEndRow, t.DataStartRow)
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if c.OutputName == "" {
				return fmt.Errorf("table %q: column with empty output name", t.Name)
			}
			if cols[c.OutputName] {
				return fmt.Errorf("table %q: duplicate column %q", t.Name, c.OutputName)
			}
			if !c.Type.Valid() {
				return fmt.Errorf("table %q column %q: unsupported type %q", t.Name, c.OutputName, c.Type)
			}
			cols[c.OutputName] = true
		}
	}
	for _, r := range p.Relationships {
		from, ok := p.Table(r.FromTable)
		if !ok {
			return fmt.Errorf("relationship references unknown table %q", r.FromTable)
		}
		to, ok := p.Table(r.ToTable)
		if !ok {
			return fmt.Errorf("relationship references unknown table %q", r.ToTable)
		}
		if !from.hasColumn(r.FromColumn) || !to.hasColumn(r.ToColumn) {
			return fmt.Errorf("relationship %s.%s -> %s.%s references unknown column",
				r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
		}
	}
	return nil
}

func (t *TablePlan) hasColumn(name string) bool {
	return slices.ContainsFunc(t.Columns, func(c ColumnPlan) bool { return c.OutputName == name })
}

// ApplyDecisions derives the reviewed plan. Tables without a decision are included under
// their original name. Skipped tables and relationships touching them are dropped;
// renames are carried into relationships.
func (p *ExtractionPlan) ApplyDecisions(decisions []ReviewDecision) (*ExtractionPlan, error) {
	byTable := make(map[string]ReviewDecision, len(decisions))
	for _, d := range decisions {
		if _, ok := p.Table(d.Table); !ok {
			return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDecision, d.Table)
		}
		if _, dup := byTable[d.Table]; dup {
			return nil, fmt.Errorf("%w: more than one decision for table %q", ErrInvalidDecision, d.Table)
		}
		switch d.Action {
		case ActionInclude, ActionSkip:
		default:
			return nil, fmt.Errorf("%w: table %q: unknown action %q", ErrInvalidDecision, d.Table, d.Action)
		}
		if d.OutputName != nil {
			if name := *d.OutputName; name == "" || name != SnakeCase(name) {
				return nil, fmt.Errorf("%w: table %q: output name %q is not a snake_case identifier", ErrInvalidDecision, d.Table, name)
			}
		}
		byTable[d.Table] = d
	}

	out := &ExtractionPlan{Catalog: p.Catalog}
	renamed := make(map[string]string, len(p.Tables))
	used := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		d, ok := byTable[t.Name]
		if ok && d.Action == ActionSkip {
			continue
		}
		name := t.Name
		if ok && d.OutputName != nil {
			name = *d.OutputName
		}
		if used[name] {
			return nil, fmt.Errorf("%w: duplicate output name %q", ErrInvalidDecision, name)
		}
		used[name] = true
		renamed[t.Name] = name

		t.Name = name
		t.Columns = slices.Clone(t.Columns)
		out.Tables = append(out.Tables, t)
	}

	for _, r := range p.Relationships {
		from, okFrom := renamed[r.FromTable]
		to, okTo := renamed[r.ToTable]
		if !okFrom || !okTo {
			continue
		}
		r.FromTable, r.ToTable = from, to
		out.Relationships = append(out.Relationships, r)
	}
	return out, nil
}
