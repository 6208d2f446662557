package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
)

var (
	errNoInput = errors.New("no source file could be parsed")
	errNoPlan  = errors.New("run has no extraction plan")
)

// ingest parses source files with bounded parallelism. Events are emitted strictly
// in file order: file i is reported only after file i-1.
func (x *execution) ingest(ctx context.Context) (string, error) {
	files := x.run.Config.SourceFiles
	results := make([]*models.ParsedFile, len(files))
	errs := make([]error, len(files))
	done := make([]chan struct{}, len(files))
	for i := range done {
		done[i] = make(chan struct{})
	}

	pctx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(pctx)
	g.SetLimit(x.d.opts.IngestConcurrency)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, f := range files {
			g.Go(func() error {
				defer close(done[i])
				if err := gctx.Err(); err != nil {
					errs[i] = err
					return nil
				}
				results[i], errs[i] = x.d.parser.Parse(gctx, f)
				return nil
			})
		}
	}()
	defer func() {
		stop()
		<-launched
		_ = g.Wait()
	}()

	x.run.Files = make([]models.FileResult, 0, len(files))
	x.parsed = x.parsed[:0]
	for i, f := range files {
		if err := x.checkpoint(); err != nil {
			return "", err
		}
		x.emit(events.FileStart, events.FileData{FileID: f.ID, Name: f.Name})
		<-done[i]

		res := models.FileResult{FileID: f.ID, Name: f.Name}
		if err := errs[i]; err != nil {
			if x.tok.Cancelled() {
				return "", errCancelled
			}
			res.Status = models.ItemFailed
			res.Error = err.Error()
			x.emit(events.FileError, events.FileData{FileID: f.ID, Name: f.Name, Error: res.Error})
			x.log.Warn("file failed to parse", "file", f.Name, "error", err)
		} else {
			pf := results[i]
			res.Status = models.ItemCompleted
			res.Sheets = len(pf.Sheets)
			res.Rows = pf.TotalRows()
			x.parsed = append(x.parsed, pf)
			x.emit(events.FileComplete, events.FileData{FileID: f.ID, Name: f.Name, Sheets: res.Sheets, Rows: res.Rows})
		}
		x.run.Files = append(x.run.Files, res)
		x.progress(models.PhaseIngest, i+1, len(files), f.Name)
	}

	if len(x.parsed) == 0 {
		return "", fmt.Errorf("%w (%d files)", errNoInput, len(files))
	}
	return fmt.Sprintf("%d of %d files parsed", len(x.parsed), len(files)), nil
}

func (x *execution) analyze(ctx context.Context) (string, error) {
	total := 0
	for _, pf := range x.parsed {
		total += len(pf.Sheets)
	}

	x.analyses = x.analyses[:0]
	n := 0
	for _, pf := range x.parsed {
		for _, sheet := range pf.Sheets {
			if err := x.checkpoint(); err != nil {
				return "", err
			}
			n++
			if sheet.RowCount == 0 {
				continue
			}
			a, used, err := x.d.analyzer.Analyze(ctx, pf.File, sheet)
			x.addUsage(used)
			if err != nil {
				return "", fmt.Errorf("sheet %s/%s: %w", pf.File.Name, sheet.Name, err)
			}
			x.analyses = append(x.analyses, a)
			x.emit(events.SheetAnalysis, a)
			x.progress(models.PhaseAnalyze, n, total, pf.File.Name+"/"+sheet.Name)
		}
	}
	return fmt.Sprintf("%d sheets analyzed", len(x.analyses)), nil
}

func (x *execution) design(ctx context.Context) (string, error) {
	plan, used, err := x.d.designer.Design(ctx, x.analyses)
	x.addUsage(used)
	if err != nil {
		return "", err
	}
	if err := plan.Validate(); err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}
	x.run.ExtractionPlan = plan
	x.emit(events.ExtractionPlan, events.PlanData{Plan: plan})

	for _, note := range []events.TextData{
		{Kind: "project_description", Text: plan.Catalog.ProjectDescription},
		{Kind: "domain_notes", Text: plan.Catalog.DomainNotes},
		{Kind: "data_quality_notes", Text: plan.Catalog.DataQualityNotes},
	} {
		if note.Text != "" {
			x.emit(events.Text, note)
		}
	}
	return fmt.Sprintf("%d tables planned, %d relationships", len(plan.Tables), len(plan.Relationships)), nil
}

// extract writes every table of the plan of record. A failing table is recorded
// and the remaining tables still run.
func (x *execution) extract(ctx context.Context) (string, error) {
	plan := x.run.PlanOfRecord()
	if plan == nil {
		return "", errNoPlan
	}
	files := make(map[string]models.SourceFile, len(x.run.Config.SourceFiles))
	for _, f := range x.run.Config.SourceFiles {
		files[f.ID] = f
	}
	grids := make(map[models.SourceRef][][]string)

	x.run.Tables = make([]models.TableResult, 0, len(plan.Tables))
	completed := 0
	for i, tp := range plan.Tables {
		if err := x.checkpoint(); err != nil {
			return "", err
		}
		x.emit(events.TableStart, events.TableData{Table: tp.Name})

		res := x.extractTable(ctx, tp, files, grids)
		if res.Status == models.ItemFailed {
			if x.tok.Cancelled() {
				return "", errCancelled
			}
			x.emit(events.TableError, events.TableData{Table: tp.Name, Error: res.Error})
			x.log.Warn("table extraction failed", "table", tp.Name, "error", res.Error)
		} else {
			completed++
			x.emit(events.TableComplete, events.TableData{
				Table:            tp.Name,
				Rows:             res.Rows,
				Path:             res.OutputPath,
				CoercionFailures: res.CoercionFailures,
			})
		}
		x.run.Tables = append(x.run.Tables, res)
		x.progress(models.PhaseExtract, i+1, len(plan.Tables), tp.Name)
	}
	return fmt.Sprintf("%d of %d tables extracted", completed, len(plan.Tables)), nil
}

func (x *execution) extractTable(ctx context.Context, tp models.TablePlan, files map[string]models.SourceFile, grids map[models.SourceRef][][]string) models.TableResult {
	res := models.TableResult{Name: tp.Name, Status: models.ItemFailed}
	file, ok := files[tp.Source.FileID]
	if !ok {
		res.Error = fmt.Sprintf("unknown source file %q", tp.Source.FileID)
		return res
	}

	grid, ok := grids[tp.Source]
	if !ok {
		var err error
		grid, err = x.d.parser.ReadRows(ctx, file, tp.Source.Sheet)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		grids[tp.Source] = grid
	}

	table, err := tabular.Extract(grid, tp)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.CoercionFailures = table.CoercionFailures
	res.CoercionFailureRate = table.CoercionFailureRate()
	res.NullViolations = table.NullViolations

	path, rows, err := x.d.writer.Write(ctx, x.run.ID, table)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = models.ItemCompleted
	res.Rows = rows
	res.OutputPath = path
	return res
}

func (x *execution) validate(ctx context.Context) (string, error) {
	plan := x.run.PlanOfRecord()
	if plan == nil {
		return "", errNoPlan
	}
	counter, _ := x.d.writer.(RowCounter)

	report := &models.ValidationReport{Passed: true, Tables: make([]models.TableValidation, 0, len(x.run.Tables))}
	errorsFound := 0
	for i, res := range x.run.Tables {
		if err := x.checkpoint(); err != nil {
			return "", err
		}
		estimated := 0
		if tp, ok := plan.Table(res.Name); ok {
			estimated = tp.EstimatedRows
		}
		tv := checkTable(res, estimated, x.d.opts)
		if counter != nil && res.Status == models.ItemCompleted {
			tv.Findings = append(tv.Findings, confirmRows(ctx, counter, res)...)
		}
		for _, f := range tv.Findings {
			if f.Severity == models.SeverityError {
				report.Passed = false
				errorsFound++
			}
		}
		report.Tables = append(report.Tables, tv)
		x.progress(models.PhaseValidate, i+1, len(x.run.Tables), res.Name)
	}

	x.run.ValidationReport = report
	x.emit(events.ValidationResult, report)
	if report.Passed {
		return fmt.Sprintf("%d tables passed", len(report.Tables)), nil
	}
	return fmt.Sprintf("%d errors in %d tables", errorsFound, len(report.Tables)), nil
}

// checkTable produces the findings that need no access to the written output.
func checkTable(res models.TableResult, estimated int, opts Options) models.TableValidation {
	tv := models.TableValidation{
		Table:               res.Name,
		Status:              res.Status,
		RowCount:            res.Rows,
		EstimatedRows:       estimated,
		CoercionFailures:    res.CoercionFailures,
		CoercionFailureRate: res.CoercionFailureRate,
	}
	add := func(s models.Severity, format string, args ...any) {
		tv.Findings = append(tv.Findings, models.Finding{Severity: s, Message: fmt.Sprintf(format, args...)})
	}

	if res.Status != models.ItemCompleted {
		add(models.SeverityError, "extraction failed: %s", res.Error)
		return tv
	}
	if res.Rows == 0 {
		add(models.SeverityWarning, "no rows extracted")
	} else if estimated > 0 {
		deviation := math.Abs(float64(res.Rows)-float64(estimated)) / float64(estimated)
		if deviation > opts.RowTolerance {
			add(models.SeverityWarning, "extracted %d rows, plan estimated %d", res.Rows, estimated)
		}
	}
	if res.CoercionFailureRate > opts.CoercionThreshold {
		add(models.SeverityError, "%.1f%% of cells failed type conversion (threshold %.1f%%)",
			res.CoercionFailureRate*100, opts.CoercionThreshold*100)
	} else if res.CoercionFailures > 0 {
		add(models.SeverityInfo, "%d cells failed type conversion and were stored as null", res.CoercionFailures)
	}
	if res.NullViolations > 0 {
		add(models.SeverityWarning, "%d empty values in non-nullable columns", res.NullViolations)
	}
	return tv
}

func confirmRows(ctx context.Context, counter RowCounter, res models.TableResult) []models.Finding {
	n, err := counter.CountRows(ctx, res.OutputPath)
	if err != nil {
		return []models.Finding{{Severity: models.SeverityError, Message: "output unreadable: " + err.Error()}}
	}
	if n != res.Rows {
		return []models.Finding{{
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("output holds %d rows, writer reported %d", n, res.Rows),
		}}
	}
	return nil
}

// persist registers the completed tables, referenced tables first.
func (x *execution) persist(ctx context.Context) (string, error) {
	plan := x.run.PlanOfRecord()
	if plan == nil {
		return "", errNoPlan
	}
	results := make(map[string]models.TableResult, len(x.run.Tables))
	var names []string
	for _, res := range x.run.Tables {
		if res.Status == models.ItemCompleted {
			results[res.Name] = res
			names = append(names, res.Name)
		}
	}
	if len(names) == 0 {
		return "no tables to register", nil
	}

	ordered, err := dependencyOrder(plan, names)
	if err != nil {
		return "", fmt.Errorf("order tables: %w", err)
	}
	tables := make([]models.CatalogTable, 0, len(ordered))
	for _, name := range ordered {
		tp, _ := plan.Table(name)
		res := results[name]
		tables = append(tables, models.CatalogTable{
			RunID:         x.run.ID,
			ProjectID:     x.run.ProjectID,
			Name:          name,
			Path:          res.OutputPath,
			Rows:          res.Rows,
			Columns:       tp.Columns,
			Description:   tp.Description,
			Relationships: relationshipsFrom(plan, name, results),
			Catalog:       plan.Catalog,
		})
	}
	if err := x.checkpoint(); err != nil {
		return "", err
	}
	if err := x.d.catalog.RegisterTables(ctx, tables); err != nil {
		return "", fmt.Errorf("register tables: %w", err)
	}
	return fmt.Sprintf("%d tables registered", len(tables)), nil
}

// relationshipsFrom lists the relationships of table whose target was also produced.
func relationshipsFrom(plan *models.ExtractionPlan, table string, produced map[string]models.TableResult) []models.Relationship {
	var out []models.Relationship
	for _, r := range plan.Relationships {
		if r.FromTable != table {
			continue
		}
		if _, ok := produced[r.ToTable]; ok {
			out = append(out, r)
		}
	}
	return out
}
