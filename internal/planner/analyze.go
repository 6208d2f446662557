package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
)

const headerScanRows = 10

const analyzeSystemPrompt = `You are a data engineer inspecting one spreadsheet sheet.
Reply with a single JSON object and nothing else:
{"description": "<one sentence on what the sheet contains>",
 "header_row": <1-based row holding column headers, 0 if none>,
 "transposed": <true if records run across columns instead of down rows>}`

type sheetHints struct {
	Description string `json:"description"`
	HeaderRow   *int   `json:"header_row"`
	Transposed  bool   `json:"transposed"`
}

// Analyze profiles one sheet. The returned usage is zero when no model was called.
func (p *Planner) Analyze(ctx context.Context, file models.SourceFile, sheet models.ParsedSheet) (models.SheetAnalysis, models.TokenUsage, error) {
	header := detectHeader(sheet.SampleRows)
	a := profile(file, sheet, header, false)

	if p.gen == nil {
		return a, models.TokenUsage{}, nil
	}

	completion, err := p.gen.Generate(ctx, analyzeSystemPrompt, analyzePrompt(file, sheet))
	if err != nil {
		if stopsRun(ctx, err) {
			return a, models.TokenUsage{}, fmt.Errorf("analyze sheet %q: %w", sheet.Name, err)
		}
		p.log.Warn("sheet analysis failed, using heuristic profile", "file", file.Name, "sheet", sheet.Name, "error", err)
		return a, models.TokenUsage{}, nil
	}

	var hints sheetHints
	if err := decodeJSON(completion.Text, &hints); err != nil {
		p.log.Warn("ignoring unusable sheet analysis", "file", file.Name, "sheet", sheet.Name, "error", err)
		return a, completion.Usage, nil
	}
	if hints.HeaderRow != nil && *hints.HeaderRow >= 0 && *hints.HeaderRow <= len(sheet.SampleRows) &&
		(*hints.HeaderRow != header || hints.Transposed) {
		a = profile(file, sheet, *hints.HeaderRow, hints.Transposed)
	}
	a.Description = strings.TrimSpace(hints.Description)
	return a, completion.Usage, nil
}

func analyzePrompt(file models.SourceFile, sheet models.ParsedSheet) string {
	rows, _ := json.Marshal(sheet.SampleRows)
	return fmt.Sprintf("File: %s\nSheet: %s\nRows: %d\nColumns: %d\nFirst rows (JSON):\n%s\n",
		file.Name, sheet.Name, sheet.RowCount, sheet.ColumnCount, rows)
}

// detectHeader returns the 1-based row that looks like a header, or 0. A header row
// is mostly filled, holds no numeric cells, and is followed by at least one row.
func detectHeader(rows [][]string) int {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	for i := 0; i < min(len(rows)-1, headerScanRows); i++ {
		filled, numeric := 0, 0
		for _, c := range rows[i] {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			filled++
			if _, ok := tabular.Coerce(c, models.TypeFloat64, ""); ok {
				numeric++
			}
		}
		if filled > 0 && numeric == 0 && filled*2 >= width {
			return i + 1
		}
	}
	return 0
}

func profile(file models.SourceFile, sheet models.ParsedSheet, header int, transposed bool) models.SheetAnalysis {
	rows := sheet.SampleRows
	rowCount := sheet.RowCount
	if transposed {
		rows = tabular.Transpose(rows)
		rowCount = sheet.ColumnCount
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	dataStart := header + 1
	a := models.SheetAnalysis{
		FileID:       file.ID,
		FileName:     file.Name,
		Sheet:        sheet.Name,
		RowCount:     rowCount,
		ColumnCount:  width,
		HeaderRow:    header,
		DataStartRow: dataStart,
		Transposed:   transposed,
	}

	var data [][]string
	if dataStart-1 < len(rows) {
		data = rows[dataStart-1:]
	}
	for c := range width {
		name := tabular.PositionalName(c)
		if header > 0 && c < len(rows[header-1]) && strings.TrimSpace(rows[header-1][c]) != "" {
			name = strings.TrimSpace(rows[header-1][c])
		}
		var values []string
		for _, r := range data {
			if c < len(r) {
				values = append(values, strings.TrimSpace(r[c]))
			} else {
				values = append(values, "")
			}
		}
		a.Columns = append(a.Columns, profileColumn(c, name, values))
	}
	return a
}

func profileColumn(index int, name string, values []string) models.ColumnProfile {
	col := models.ColumnProfile{Index: index, Name: name, InferredType: inferType(values)}
	empty := 0
	for _, v := range values {
		if v == "" {
			empty++
			continue
		}
		if len(col.Samples) < 3 {
			col.Samples = append(col.Samples, v)
		}
	}
	if len(values) > 0 {
		col.NullRatio = float64(empty) / float64(len(values))
	}
	return col
}

// inferType picks the narrowest type every non-empty value coerces to.
func inferType(values []string) models.ColumnType {
	candidates := []models.ColumnType{
		models.TypeBool, models.TypeInt64, models.TypeFloat64, models.TypeDate, models.TypeTimestamp,
	}
	seen := false
	for _, v := range values {
		if v == "" {
			continue
		}
		seen = true
		kept := candidates[:0]
		for _, t := range candidates {
			if t == models.TypeBool && !isBoolWord(v) {
				continue
			}
			if t == models.TypeDate && strings.Contains(v, ":") {
				continue
			}
			if _, ok := tabular.Coerce(v, t, ""); ok {
				kept = append(kept, t)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return models.TypeString
		}
	}
	if !seen {
		return models.TypeString
	}
	return candidates[0]
}

// isBoolWord keeps 0/1 columns numeric.
func isBoolWord(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no", "y", "n", "t", "f":
		return true
	}
	return false
}
