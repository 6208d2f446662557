package models

// ParsedSheet is the structural summary of one sheet produced during ingest.
type ParsedSheet struct {
	Name        string     `json:"name"`
	RowCount    int        `json:"row_count"`
	ColumnCount int        `json:"column_count"`
	SampleRows  [][]string `json:"sample_rows"`
}

// ParsedFile is the ingest result for one source file.
type ParsedFile struct {
	File   SourceFile    `json:"file"`
	Sheets []ParsedSheet `json:"sheets"`
}

// TotalRows sums row counts over all sheets.
func (f *ParsedFile) TotalRows() int {
	n := 0
	for _, s := range f.Sheets {
		n += s.RowCount
	}
	return n
}

// ColumnProfile summarizes one column of a sheet.
type ColumnProfile struct {
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	InferredType ColumnType `json:"inferred_type"`
	NullRatio    float64    `json:"null_ratio"`
	Samples      []string   `json:"samples,omitempty"`
}

// SheetAnalysis is the analyze phase result for one sheet.
type SheetAnalysis struct {
	FileID       string          `json:"file_id"`
	FileName     string          `json:"file_name"`
	Sheet        string          `json:"sheet"`
	RowCount     int             `json:"row_count"`
	ColumnCount  int             `json:"column_count"`
	HeaderRow    int             `json:"header_row"`
	DataStartRow int             `json:"data_start_row"`
	Transposed   bool            `json:"transposed,omitempty"`
	Columns      []ColumnProfile `json:"columns"`
	Description  string          `json:"description,omitempty"`
}

// CatalogTable is a produced table registered in the catalog.
type CatalogTable struct {
	RunID         string          `json:"run_id"`
	ProjectID     string          `json:"project_id"`
	Name          string          `json:"name"`
	Path          string          `json:"path"`
	Rows          int64           `json:"rows"`
	Columns       []ColumnPlan    `json:"columns"`
	Description   string          `json:"description,omitempty"`
	Relationships []Relationship  `json:"relationships,omitempty"`
	Catalog       CatalogMetadata `json:"catalog"`
}
