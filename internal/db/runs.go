package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// runRecord is a stored run as read back; the record id carries the run id.
type runRecord struct {
	ID surrealmodels.RecordID `json:"id"`
	runContent
}

// runContent is the stored document body, written without an id field.
type runContent struct {
	ProjectID              string                   `json:"project_id"`
	Status                 string                   `json:"status"`
	Config                 models.RunConfig         `json:"config"`
	ExtractionPlan         *models.ExtractionPlan   `json:"extraction_plan,omitempty"`
	ExtractionPlanModified *models.ExtractionPlan   `json:"extraction_plan_modified,omitempty"`
	ReviewDecisions        []models.ReviewDecision  `json:"review_decisions,omitempty"`
	ReviewSubmittedAt      *time.Time               `json:"review_submitted_at,omitempty"`
	ValidationReport       *models.ValidationReport `json:"validation_report,omitempty"`
	Progress               models.Progress          `json:"progress"`
	TokensUsed             models.TokenUsage        `json:"tokens_used"`
	Files                  []models.FileResult      `json:"files,omitempty"`
	Tables                 []models.TableResult     `json:"tables,omitempty"`
	ErrorMessage           *string                  `json:"error_message,omitempty"`
	CreatedAt              time.Time                `json:"created_at"`
	StartedAt              *time.Time               `json:"started_at,omitempty"`
	CompletedAt            *time.Time               `json:"completed_at,omitempty"`
}

// runState is the executor-owned subset merged by SaveRunState.
type runState struct {
	ExtractionPlan         *models.ExtractionPlan   `json:"extraction_plan,omitempty"`
	ExtractionPlanModified *models.ExtractionPlan   `json:"extraction_plan_modified,omitempty"`
	ValidationReport       *models.ValidationReport `json:"validation_report,omitempty"`
	Progress               models.Progress          `json:"progress"`
	TokensUsed             models.TokenUsage        `json:"tokens_used"`
	Files                  []models.FileResult      `json:"files"`
	Tables                 []models.TableResult     `json:"tables"`
}

func toContent(run *models.Run) runContent {
	return runContent{
		ProjectID:              run.ProjectID,
		Status:                 string(run.Status),
		Config:                 run.Config,
		ExtractionPlan:         run.ExtractionPlan,
		ExtractionPlanModified: run.ExtractionPlanModified,
		ReviewDecisions:        run.ReviewDecisions,
		ReviewSubmittedAt:      run.ReviewSubmittedAt,
		ValidationReport:       run.ValidationReport,
		Progress:               run.Progress,
		TokensUsed:             run.TokensUsed,
		Files:                  run.Files,
		Tables:                 run.Tables,
		ErrorMessage:           run.ErrorMessage,
		CreatedAt:              run.CreatedAt,
		StartedAt:              run.StartedAt,
		CompletedAt:            run.CompletedAt,
	}
}

func (r runRecord) toModel() (*models.Run, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.Run{
		ID:                     id,
		ProjectID:              r.ProjectID,
		Status:                 models.RunStatus(r.Status),
		Config:                 r.Config,
		ExtractionPlan:         r.ExtractionPlan,
		ExtractionPlanModified: r.ExtractionPlanModified,
		ReviewDecisions:        r.ReviewDecisions,
		ReviewSubmittedAt:      r.ReviewSubmittedAt,
		ValidationReport:       r.ValidationReport,
		Progress:               r.Progress,
		TokensUsed:             r.TokensUsed,
		Files:                  r.Files,
		Tables:                 r.Tables,
		ErrorMessage:           r.ErrorMessage,
		CreatedAt:              r.CreatedAt,
		StartedAt:              r.StartedAt,
		CompletedAt:            r.CompletedAt,
	}, nil
}

// Store implements store.RunStore on SurrealDB. Conditional updates are single
// UPDATE ... WHERE statements, which SurrealDB applies atomically per record.
type Store struct {
	c   *Client
	now func() time.Time
}

var _ store.RunStore = (*Store)(nil)

// NewStore wraps a connected client.
func NewStore(c *Client) *Store {
	return &Store{c: c, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.c.Close(context.Background())
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	defer s.c.observe(time.Now())
	_, err := surrealdb.Query[[]runRecord](ctx, s.c.db, `
		CREATE type::record("run", $id) CONTENT $content
	`, map[string]any{"id": run.ID, "content": toContent(run)})
	if err != nil {
		return fmt.Errorf("create run: %w", wrapQueryError(err))
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	defer s.c.observe(time.Now())
	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, `
		SELECT * FROM type::record("run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	rec, ok := first(results)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return rec.toModel()
}

func (s *Store) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	defer s.c.observe(time.Now())
	filter = filter.Normalize()

	var where []string
	vars := map[string]any{"limit": filter.Limit, "offset": filter.Offset}
	if filter.ProjectID != "" {
		where = append(where, "project_id = $project")
		vars["project"] = filter.ProjectID
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN $statuses")
		vars["statuses"] = statusStrings(filter.Statuses)
	}
	sql := "SELECT * FROM run"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC LIMIT $limit START $offset"

	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := []models.Run{}
	if results == nil || len(*results) == 0 {
		return out, nil
	}
	for _, rec := range (*results)[0].Result {
		run, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, nil
}

func (s *Store) TransitionRun(ctx context.Context, id string, t store.Transition) (bool, error) {
	defer s.c.observe(time.Now())
	sets := []string{"status = $to"}
	vars := map[string]any{
		"id":   id,
		"to":   string(t.To),
		"from": statusStrings(t.From),
		"now":  s.now(),
	}
	if t.To == models.StatusIngesting && slices.Contains(t.From, models.StatusPending) {
		sets = append(sets, "started_at = $now")
	}
	if t.To.IsTerminal() {
		sets = append(sets, "completed_at = $now")
	}
	if t.ErrorMessage != nil {
		sets = append(sets, "error_message = $error")
		vars["error"] = *t.ErrorMessage
	}
	sql := fmt.Sprintf(`UPDATE type::record("run", $id) SET %s WHERE status IN $from RETURN AFTER`,
		strings.Join(sets, ", "))

	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, sql, vars)
	if err != nil {
		if errors.Is(wrapQueryError(err), ErrTransactionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("transition run: %w", err)
	}
	if _, ok := first(results); ok {
		return true, nil
	}
	return false, s.exists(ctx, id)
}

func (s *Store) SaveRunState(ctx context.Context, run *models.Run) error {
	defer s.c.observe(time.Now())
	state := runState{
		ExtractionPlan:         run.ExtractionPlan,
		ExtractionPlanModified: run.ExtractionPlanModified,
		ValidationReport:       run.ValidationReport,
		Progress:               run.Progress,
		TokensUsed:             run.TokensUsed,
		Files:                  run.Files,
		Tables:                 run.Tables,
	}
	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, `
		UPDATE type::record("run", $id) MERGE $state RETURN AFTER
	`, map[string]any{"id": run.ID, "state": state})
	if err != nil {
		return fmt.Errorf("save run state: %w", wrapQueryError(err))
	}
	if _, ok := first(results); !ok {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateReview(ctx context.Context, id string, decisions []models.ReviewDecision, plan *models.ExtractionPlan) (bool, error) {
	defer s.c.observe(time.Now())
	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, `
		UPDATE type::record("run", $id) SET
			review_decisions = $decisions,
			extraction_plan_modified = $plan,
			review_submitted_at = $now
		WHERE status = $pending
		RETURN AFTER
	`, map[string]any{
		"id":        id,
		"decisions": decisions,
		"plan":      plan,
		"now":       s.now(),
		"pending":   string(models.StatusReviewPending),
	})
	if err != nil {
		if errors.Is(wrapQueryError(err), ErrTransactionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("update review: %w", err)
	}
	if _, ok := first(results); ok {
		return true, nil
	}
	return false, s.exists(ctx, id)
}

func (s *Store) DeleteRun(ctx context.Context, id string, allowed []models.RunStatus) (bool, error) {
	defer s.c.observe(time.Now())
	results, err := surrealdb.Query[[]runRecord](ctx, s.c.db, `
		DELETE type::record("run", $id) WHERE status IN $allowed RETURN BEFORE
	`, map[string]any{"id": id, "allowed": statusStrings(allowed)})
	if err != nil {
		return false, fmt.Errorf("delete run: %w", wrapQueryError(err))
	}
	if _, ok := first(results); ok {
		if _, err := surrealdb.Query[any](ctx, s.c.db, `DELETE catalog_table WHERE run_id = $id`,
			map[string]any{"id": id}); err != nil {
			return true, fmt.Errorf("delete catalog tables: %w", err)
		}
		return true, nil
	}
	return false, s.exists(ctx, id)
}

func (s *Store) RegisterTables(ctx context.Context, tables []models.CatalogTable) error {
	defer s.c.observe(time.Now())
	for _, t := range tables {
		_, err := surrealdb.Query[any](ctx, s.c.db, `
			UPSERT type::record("catalog_table", $key) CONTENT $table
		`, map[string]any{"key": t.RunID + "_" + t.Name, "table": t})
		if err != nil {
			return fmt.Errorf("register table %s: %w", t.Name, wrapQueryError(err))
		}
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, runID string) ([]models.CatalogTable, error) {
	defer s.c.observe(time.Now())
	results, err := surrealdb.Query[[]models.CatalogTable](ctx, s.c.db, `
		SELECT * OMIT id FROM catalog_table WHERE run_id = $run ORDER BY name
	`, map[string]any{"run": runID})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.CatalogTable{}, nil
	}
	return (*results)[0].Result, nil
}

// exists maps a missing record to store.ErrNotFound after a conditional statement
// matched nothing.
func (s *Store) exists(ctx context.Context, id string) error {
	_, err := s.GetRun(ctx, id)
	return err
}

func first(results *[]surrealdb.QueryResult[[]runRecord]) (runRecord, bool) {
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return runRecord{}, false
	}
	return (*results)[0].Result[0], true
}

func statusStrings(in []models.RunStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
