// Package tabular cuts a planned table out of a sheet grid and coerces its cells
// to the planned column types.
package tabular

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/xuri/excelize/v2"
)

var (
	ErrColumnNotFound   = errors.New("source column not found")
	ErrUnknownTransform = errors.New("unknown transform")
	ErrRowRange         = errors.New("row range outside sheet")
)

// Transforms applied to a cell before coercion.
const (
	TransformNone          = ""
	TransformTrim          = "trim"
	TransformLower         = "lower"
	TransformUpper         = "upper"
	TransformStripCurrency = "strip_currency"
	TransformPercent       = "percent"
	TransformExcelDate     = "excel_date"
)

var knownTransforms = map[string]bool{
	TransformNone: true, TransformTrim: true, TransformLower: true, TransformUpper: true,
	TransformStripCurrency: true, TransformPercent: true, TransformExcelDate: true,
}

// Table is the typed content of one planned table. Cell values are string, int64,
// float64, bool, time.Time or nil.
type Table struct {
	Name             string
	Columns          []models.ColumnPlan
	Rows             [][]any
	CoercionFailures int
	NullViolations   int
	Cells            int
}

// CoercionFailureRate is failures over non-empty converted cells.
func (t *Table) CoercionFailureRate() float64 {
	if t.Cells == 0 {
		return 0
	}
	return float64(t.CoercionFailures) / float64(t.Cells)
}

// PositionalName names the n-th (0-based) column of a sheet without a header row.
func PositionalName(n int) string {
	return "column_" + strconv.Itoa(n+1)
}

// Transpose swaps rows and columns of a rectangular grid.
func Transpose(rows [][]string) [][]string {
	if len(rows) == 0 {
		return rows
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	out := make([][]string, width)
	for c := range width {
		out[c] = make([]string, len(rows))
		for r, row := range rows {
			if c < len(row) {
				out[c][r] = row[c]
			}
		}
	}
	return out
}

// Extract applies plan to the sheet grid. Blank data rows are skipped. Cells that
// fail coercion become nil and are counted; they never fail the table.
func Extract(grid [][]string, plan models.TablePlan) (*Table, error) {
	if plan.Transpose {
		grid = Transpose(grid)
	}
	for _, c := range plan.Columns {
		if !knownTransforms[c.Transform] {
			return nil, fmt.Errorf("column %q: %w %q", c.OutputName, ErrUnknownTransform, c.Transform)
		}
	}

	index, err := resolveColumns(grid, plan)
	if err != nil {
		return nil, err
	}

	start := plan.DataStartRow - 1
	end := len(grid)
	if plan.DataEndRow > 0 {
		end = min(end, plan.DataEndRow)
	}
	if start < 0 || start > len(grid) {
		return nil, fmt.Errorf("%w: data starts at row %d of %d", ErrRowRange, plan.DataStartRow, len(grid))
	}

	t := &Table{Name: plan.Name, Columns: plan.Columns}
	for r := start; r < end; r++ {
		row := grid[r]
		if blank(row) {
			continue
		}
		out := make([]any, len(plan.Columns))
		for i, col := range plan.Columns {
			raw := ""
			if idx := index[i]; idx < len(row) {
				raw = row[idx]
			}
			v, ok := Coerce(applyTransform(raw, col.Transform), col.Type, col.Transform)
			switch {
			case !ok:
				t.CoercionFailures++
				t.Cells++
			case v == nil:
				if !col.Nullable {
					t.NullViolations++
				}
			default:
				t.Cells++
			}
			out[i] = v
		}
		t.Rows = append(t.Rows, out)
	}
	return t, nil
}

func resolveColumns(grid [][]string, plan models.TablePlan) ([]int, error) {
	byName := map[string]int{}
	if plan.HeaderRow > 0 {
		if plan.HeaderRow > len(grid) {
			return nil, fmt.Errorf("%w: header row %d of %d", ErrRowRange, plan.HeaderRow, len(grid))
		}
		for i, h := range grid[plan.HeaderRow-1] {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if _, dup := byName[strings.ToLower(h)]; !dup {
				byName[strings.ToLower(h)] = i
			}
			if key := models.SnakeCase(h); key != "" {
				if _, dup := byName[key]; !dup {
					byName[key] = i
				}
			}
		}
	}

	index := make([]int, len(plan.Columns))
	for i, c := range plan.Columns {
		name := strings.TrimSpace(c.SourceName)
		if idx, ok := byName[strings.ToLower(name)]; ok {
			index[i] = idx
			continue
		}
		if n, ok := strings.CutPrefix(name, "column_"); ok {
			if pos, err := strconv.Atoi(n); err == nil && pos > 0 {
				index[i] = pos - 1
				continue
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, c.SourceName)
	}
	return index, nil
}

func applyTransform(v, transform string) string {
	v = strings.TrimSpace(v)
	switch transform {
	case TransformLower:
		return strings.ToLower(v)
	case TransformUpper:
		return strings.ToUpper(v)
	case TransformStripCurrency:
		return strings.Map(func(r rune) rune {
			switch r {
			case '$', '€', '£', '¥', ' ':
				return -1
			}
			return r
		}, v)
	case TransformPercent:
		return strings.TrimSuffix(v, "%")
	}
	return v
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"01-02-06",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"1/2/06 15:04",
}

// Coerce converts one cell. Empty cells are nil and never a failure.
func Coerce(v string, typ models.ColumnType, transform string) (any, bool) {
	if v == "" {
		return nil, true
	}
	switch typ {
	case models.TypeInt64:
		clean := strings.ReplaceAll(v, ",", "")
		if n, err := strconv.ParseInt(clean, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(clean, 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
		return nil, false

	case models.TypeFloat64:
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
		if err != nil {
			return nil, false
		}
		if transform == TransformPercent {
			f /= 100
		}
		return f, true

	case models.TypeBool:
		switch strings.ToLower(v) {
		case "true", "t", "yes", "y", "1", "x":
			return true, true
		case "false", "f", "no", "n", "0":
			return false, true
		}
		return nil, false

	case models.TypeDate:
		if ts, ok := parseTime(v, dateLayouts, transform); ok {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
		if ts, ok := parseTime(v, timestampLayouts, transform); ok {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
		return nil, false

	case models.TypeTimestamp:
		if ts, ok := parseTime(v, timestampLayouts, transform); ok {
			return ts.UTC(), true
		}
		if ts, ok := parseTime(v, dateLayouts, transform); ok {
			return ts.UTC(), true
		}
		return nil, false
	}
	return v, true
}

func parseTime(v string, layouts []string, transform string) (time.Time, bool) {
	if transform == TransformExcelDate {
		if serial, err := strconv.ParseFloat(v, 64); err == nil {
			ts, err := excelize.ExcelDateToTime(serial, false)
			return ts, err == nil
		}
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
