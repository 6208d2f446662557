package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
)

const designSystemPrompt = `You are a data engineer designing relational tables from spreadsheet sheets.
You receive sheet profiles and a draft plan. Improve the draft: name tables and columns in
snake_case, pick column types (string, int64, float64, bool, date, timestamp), drop sheets that
hold no tabular data, and list foreign-key relationships with confidence high, medium or low.
Keep "source", "header_row", "data_start_row" and "source_name" consistent with the profiles.
Reply with one JSON object shaped exactly like the draft and nothing else.`

// nullNoteThreshold marks columns worth a data quality note.
const nullNoteThreshold = 0.5

// Design builds the extraction plan for all analyzed sheets.
func (p *Planner) Design(ctx context.Context, analyses []models.SheetAnalysis) (*models.ExtractionPlan, models.TokenUsage, error) {
	draft := HeuristicPlan(analyses)
	if p.gen == nil {
		return draft, models.TokenUsage{}, nil
	}

	prompt, err := designPrompt(analyses, draft)
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	completion, err := p.gen.Generate(ctx, designSystemPrompt, prompt)
	if err != nil {
		if stopsRun(ctx, err) {
			return nil, models.TokenUsage{}, fmt.Errorf("design plan: %w", err)
		}
		p.log.Warn("plan design failed, using heuristic plan", "error", err)
		return draft, models.TokenUsage{}, nil
	}

	var proposed models.ExtractionPlan
	if err := decodeJSON(completion.Text, &proposed); err != nil {
		p.log.Warn("model plan unusable, using heuristic plan", "error", err)
		return draft, completion.Usage, nil
	}
	if err := checkSources(&proposed, analyses); err != nil {
		p.log.Warn("model plan unusable, using heuristic plan", "error", err)
		return draft, completion.Usage, nil
	}
	if err := proposed.Validate(); err != nil {
		p.log.Warn("model plan unusable, using heuristic plan", "error", err)
		return draft, completion.Usage, nil
	}
	if len(proposed.Tables) == 0 && len(draft.Tables) > 0 {
		p.log.Warn("model plan dropped every table, using heuristic plan")
		return draft, completion.Usage, nil
	}
	if proposed.Relationships == nil {
		proposed.Relationships = []models.Relationship{}
	}
	return &proposed, completion.Usage, nil
}

func designPrompt(analyses []models.SheetAnalysis, draft *models.ExtractionPlan) (string, error) {
	profiles, err := json.MarshalIndent(analyses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode profiles: %w", err)
	}
	plan, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode draft plan: %w", err)
	}
	return fmt.Sprintf("Sheet profiles:\n%s\n\nDraft plan:\n%s\n", profiles, plan), nil
}

// checkSources rejects plans that point at sheets that were never analyzed.
func checkSources(plan *models.ExtractionPlan, analyses []models.SheetAnalysis) error {
	for _, t := range plan.Tables {
		found := slices.ContainsFunc(analyses, func(a models.SheetAnalysis) bool {
			return a.FileID == t.Source.FileID && a.Sheet == t.Source.Sheet
		})
		if !found {
			return fmt.Errorf("table %q: unknown source %s/%s", t.Name, t.Source.FileID, t.Source.Sheet)
		}
	}
	return nil
}

// HeuristicPlan maps every sheet with data rows to one table.
func HeuristicPlan(analyses []models.SheetAnalysis) *models.ExtractionPlan {
	plan := &models.ExtractionPlan{Tables: []models.TablePlan{}, Relationships: []models.Relationship{}}
	tableNames := newNamer("table")
	files := map[string]bool{}
	var qualityNotes []string

	for _, a := range analyses {
		estimated := a.RowCount - a.DataStartRow + 1
		if len(a.Columns) == 0 || estimated <= 0 {
			continue
		}
		files[a.FileID] = true

		base := models.SnakeCase(a.Sheet)
		if sheetNameIsGeneric(base) {
			base = models.SnakeCase(strings.TrimSuffix(a.FileName, extOf(a.FileName)))
		}
		t := models.TablePlan{
			Name:          tableNames.unique(base),
			Source:        models.SourceRef{FileID: a.FileID, Sheet: a.Sheet},
			HeaderRow:     a.HeaderRow,
			DataStartRow:  a.DataStartRow,
			Transpose:     a.Transposed,
			EstimatedRows: estimated,
			Description:   a.Description,
		}
		colNames := newNamer("column")
		for _, c := range a.Columns {
			source := c.Name
			if a.HeaderRow == 0 {
				source = tabular.PositionalName(c.Index)
			}
			t.Columns = append(t.Columns, models.ColumnPlan{
				SourceName: source,
				OutputName: colNames.unique(models.SnakeCase(c.Name)),
				Type:       c.InferredType,
				Nullable:   c.NullRatio > 0,
			})
			if c.NullRatio >= nullNoteThreshold {
				qualityNotes = append(qualityNotes, fmt.Sprintf("%s.%s is %.0f%% empty in the sample",
					t.Name, t.Columns[len(t.Columns)-1].OutputName, c.NullRatio*100))
			}
		}
		plan.Tables = append(plan.Tables, t)
	}

	plan.Relationships = InferRelationships(plan.Tables)
	plan.Catalog = models.CatalogMetadata{
		ProjectDescription: fmt.Sprintf("%d tables extracted from %d files", len(plan.Tables), len(files)),
		DataQualityNotes:   strings.Join(qualityNotes, "; "),
	}
	return plan
}

// InferRelationships links <name>_id columns to the table they name. A match on the
// target's leading column is high confidence; a match on its "id" column is medium.
func InferRelationships(tables []models.TablePlan) []models.Relationship {
	rels := []models.Relationship{}
	for _, from := range tables {
		for _, col := range from.Columns {
			stem, ok := strings.CutSuffix(col.OutputName, "_id")
			if !ok || stem == "" {
				continue
			}
			for _, to := range tables {
				if to.Name == from.Name || !namesEntity(to.Name, stem) || len(to.Columns) == 0 {
					continue
				}
				switch {
				case to.Columns[0].OutputName == col.OutputName:
					rels = append(rels, models.Relationship{
						FromTable: from.Name, FromColumn: col.OutputName,
						ToTable: to.Name, ToColumn: col.OutputName, Confidence: models.ConfidenceHigh,
					})
				case hasColumn(to, "id"):
					rels = append(rels, models.Relationship{
						FromTable: from.Name, FromColumn: col.OutputName,
						ToTable: to.Name, ToColumn: "id", Confidence: models.ConfidenceMedium,
					})
				}
			}
		}
	}
	return rels
}

func namesEntity(table, stem string) bool {
	for _, candidate := range []string{stem, stem + "s", stem + "es"} {
		if table == candidate || strings.HasSuffix(table, "_"+candidate) {
			return true
		}
	}
	return false
}

func hasColumn(t models.TablePlan, name string) bool {
	return slices.ContainsFunc(t.Columns, func(c models.ColumnPlan) bool { return c.OutputName == name })
}

func sheetNameIsGeneric(name string) bool {
	if name == "" || name == "data" {
		return true
	}
	rest, ok := strings.CutPrefix(name, "sheet")
	if !ok {
		return false
	}
	rest = strings.TrimPrefix(rest, "_")
	_, err := strconv.Atoi(rest)
	return rest == "" || err == nil
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}

type namer struct {
	fallback string
	used     map[string]int
}

func newNamer(fallback string) *namer {
	return &namer{fallback: fallback, used: map[string]int{}}
}

func (n *namer) unique(name string) string {
	if name == "" {
		name = n.fallback
	}
	n.used[name]++
	if n.used[name] == 1 {
		return name
	}
	for i := n.used[name]; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if n.used[candidate] == 0 {
			n.used[candidate] = 1
			return candidate
		}
	}
}
