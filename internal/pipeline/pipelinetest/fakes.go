// Package pipelinetest provides in-memory collaborators for driving runs in tests.
package pipelinetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
)

// Customers and Orders are two related sheets. Orders.customer_id references
// Customers.customer_id.
var (
	Customers = [][]string{
		{"Customer ID", "Name"},
		{"1", "Acme"},
		{"2", "Globex"},
	}
	Orders = [][]string{
		{"Order ID", "Customer ID", "Total"},
		{"10", "1", "9.99"},
		{"11", "2", "12.50"},
		{"12", "1", "3"},
	}
)

// Parser serves one sheet per file, named after the file ID.
type Parser struct {
	mu     sync.Mutex
	Grids  map[string][][]string
	Fail   map[string]error
	parsed []string
}

// NewParser returns a parser serving the customers and orders files.
func NewParser() *Parser {
	return &Parser{
		Grids: map[string][][]string{"customers": Customers, "orders": Orders},
		Fail:  map[string]error{},
	}
}

func (p *Parser) Parse(ctx context.Context, f models.SourceFile) (*models.ParsedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parsed = append(p.parsed, f.ID)
	if err := p.Fail[f.ID]; err != nil {
		return nil, err
	}
	grid, ok := p.Grids[f.ID]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", f.Path)
	}
	return &models.ParsedFile{File: f, Sheets: []models.ParsedSheet{{
		Name:        f.ID,
		RowCount:    len(grid),
		ColumnCount: len(grid[0]),
		SampleRows:  grid,
	}}}, nil
}

func (p *Parser) ReadRows(ctx context.Context, f models.SourceFile, sheet string) ([][]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	grid, ok := p.Grids[f.ID]
	if !ok || sheet != f.ID {
		return nil, fmt.Errorf("sheet %s/%s not found", f.ID, sheet)
	}
	return grid, nil
}

// Writer records written tables without touching the filesystem.
type Writer struct {
	mu      sync.Mutex
	Fail    map[string]error
	written []string
}

func NewWriter() *Writer {
	return &Writer{Fail: map[string]error{}}
}

func (w *Writer) Write(ctx context.Context, runID string, t *tabular.Table) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Fail[t.Name]; err != nil {
		return "", 0, err
	}
	w.written = append(w.written, t.Name)
	return fmt.Sprintf("/out/%s/%s.parquet", runID, t.Name), int64(len(t.Rows)), nil
}

// Written returns table names in write order.
func (w *Writer) Written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.written)
}

// Catalog records registered tables.
type Catalog struct {
	mu     sync.Mutex
	tables []models.CatalogTable
}

func (c *Catalog) RegisterTables(ctx context.Context, tables []models.CatalogTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = append(c.tables, tables...)
	return nil
}

// Names returns registered table names in registration order.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// Recorder is an Emitter that keeps every event. OnEmit, if set, runs after an
// event is recorded.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	OnEmit func(t events.Type, data any)
}

func (r *Recorder) Emit(t events.Type, data any) {
	e, err := events.New(t, "", data)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	e.Seq = int64(len(r.events) + 1)
	r.events = append(r.events, e)
	hook := r.OnEmit
	r.mu.Unlock()
	if hook != nil {
		hook(t, data)
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns recorded event types, keeping only those in keep when keep is non-empty.
func (r *Recorder) Types(keep ...events.Type) []events.Type {
	var out []events.Type
	for _, e := range r.Events() {
		if len(keep) == 0 || slices.Contains(keep, e.Type) {
			out = append(out, e.Type)
		}
	}
	return out
}

// Of returns the recorded events of type t.
func (r *Recorder) Of(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// NewRun returns a pending run over the given fixture files.
func NewRun(id string, mode models.ReviewMode, fileIDs ...string) *models.Run {
	files := make([]models.SourceFile, len(fileIDs))
	for i, fid := range fileIDs {
		files[i] = models.SourceFile{ID: fid, Name: fid + ".csv", Path: "/data/" + fid + ".csv"}
	}
	return &models.Run{
		ID:        id,
		ProjectID: "proj",
		Status:    models.StatusPending,
		Config:    models.RunConfig{ReviewMode: mode, SourceFiles: files},
		CreatedAt: time.Now().UTC(),
	}
}
