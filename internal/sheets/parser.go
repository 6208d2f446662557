// Package sheets reads spreadsheet and delimited text files into string grids.
package sheets

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetNotFound     = errors.New("sheet not found")
	ErrEmptyFile         = errors.New("file contains no data")
)

// Format is a supported source file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from the file extension of path, falling back to name.
func DetectFormat(file models.SourceFile) (Format, error) {
	ext := strings.ToLower(filepath.Ext(file.Path))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(file.Name))
	}
	switch ext {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// Parser reads source files. SampleRows bounds the rows kept per sheet by Parse.
type Parser struct {
	SampleRows int
}

// New returns a parser keeping sampleRows rows per sheet.
func New(sampleRows int) *Parser {
	if sampleRows <= 0 {
		sampleRows = 20
	}
	return &Parser{SampleRows: sampleRows}
}

// Parse reads the structure of every sheet in file. Delimited files have a
// single sheet named after the file.
func (p *Parser) Parse(ctx context.Context, file models.SourceFile) (*models.ParsedFile, error) {
	sheets, err := p.readAll(ctx, file)
	if err != nil {
		return nil, err
	}

	parsed := &models.ParsedFile{File: file}
	for _, s := range sheets {
		parsed.Sheets = append(parsed.Sheets, models.ParsedSheet{
			Name:        s.name,
			RowCount:    len(s.rows),
			ColumnCount: width(s.rows),
			SampleRows:  s.rows[:min(len(s.rows), p.SampleRows)],
		})
	}
	if parsed.TotalRows() == 0 {
		return nil, fmt.Errorf("%s: %w", file.Name, ErrEmptyFile)
	}
	return parsed, nil
}

// ReadRows returns every row of one sheet, padded to a uniform width.
func (p *Parser) ReadRows(ctx context.Context, file models.SourceFile, sheet string) ([][]string, error) {
	sheets, err := p.readAll(ctx, file)
	if err != nil {
		return nil, err
	}
	for _, s := range sheets {
		if s.name == sheet {
			return pad(s.rows), nil
		}
	}
	return nil, fmt.Errorf("%s: %w: %q", file.Name, ErrSheetNotFound, sheet)
}

type grid struct {
	name string
	rows [][]string
}

func (p *Parser) readAll(ctx context.Context, file models.SourceFile) ([]grid, error) {
	format, err := DetectFormat(file)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch format {
	case FormatXLSX:
		return readWorkbook(ctx, file.Path)
	case FormatTSV:
		return readDelimited(file, '\t')
	default:
		return readDelimited(file, ',')
	}
}

func sheetName(file models.SourceFile) string {
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func readDelimited(file models.SourceFile, comma rune) ([]grid, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		rows = append(rows, rec)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return []grid{{name: sheetName(file), rows: trimTrailingEmpty(rows)}}, nil
}

func readWorkbook(ctx context.Context, path string) ([]grid, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var out []grid
	for _, name := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		out = append(out, grid{name: name, rows: trimTrailingEmpty(rows)})
	}
	return out, nil
}

func trimTrailingEmpty(rows [][]string) [][]string {
	for len(rows) > 0 && isBlank(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return rows
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func width(rows [][]string) int {
	w := 0
	for _, r := range rows {
		w = max(w, len(r))
	}
	return w
}

func pad(rows [][]string) [][]string {
	w := width(rows)
	out := make([][]string, len(rows))
	for i, r := range rows {
		if len(r) == w {
			out[i] = r
			continue
		}
		padded := make([]string, w)
		copy(padded, r)
		out[i] = padded
	}
	return out
}
