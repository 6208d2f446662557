// Package pipeline drives a run through its phases: ingest, analyze, design, the
// optional review gate, extract, validate and persist. It is the only component
// that changes run status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/notify"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
	"github.com/raphaelgruber/sheetflow/internal/usage"
)

// Emitter receives pipeline events in emission order. Implementations must not block
// for long and must tolerate a gone consumer.
type Emitter interface {
	Emit(t events.Type, data any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(t events.Type, data any)

func (f EmitterFunc) Emit(t events.Type, data any) { f(t, data) }

// Parser reads source files.
type Parser interface {
	Parse(ctx context.Context, file models.SourceFile) (*models.ParsedFile, error)
	ReadRows(ctx context.Context, file models.SourceFile, sheet string) ([][]string, error)
}

// Analyzer profiles one parsed sheet.
type Analyzer interface {
	Analyze(ctx context.Context, file models.SourceFile, sheet models.ParsedSheet) (models.SheetAnalysis, models.TokenUsage, error)
}

// Designer turns sheet analyses into an extraction plan.
type Designer interface {
	Design(ctx context.Context, analyses []models.SheetAnalysis) (*models.ExtractionPlan, models.TokenUsage, error)
}

// Writer stores one extracted table and returns its location and row count.
type Writer interface {
	Write(ctx context.Context, runID string, table *tabular.Table) (string, int64, error)
}

// RowCounter is implemented by writers that can re-read their output.
// Validation uses it to confirm the written row count.
type RowCounter interface {
	CountRows(ctx context.Context, path string) (int64, error)
}

// Catalog registers produced tables.
type Catalog interface {
	RegisterTables(ctx context.Context, tables []models.CatalogTable) error
}

// Deps are the collaborators of a Driver. Catalog defaults to Store; Notifier and
// Metrics are optional.
type Deps struct {
	Store    store.RunStore
	Parser   Parser
	Analyzer Analyzer
	Designer Designer
	Writer   Writer
	Catalog  Catalog
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Options tune phase behavior.
type Options struct {
	IngestConcurrency int
	// CoercionThreshold is the highest coercion failure rate a table may have
	// before validation reports an error.
	CoercionThreshold float64
	// RowTolerance is the relative deviation from the estimated row count
	// that validation accepts without a warning.
	RowTolerance     float64
	DisconnectPolicy string
	Now              func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		IngestConcurrency: 4,
		CoercionThreshold: 0.05,
		RowTolerance:      0.5,
		DisconnectPolicy:  config.DisconnectCancel,
	}
}

// OptionsFromConfig maps pipeline configuration onto Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		IngestConcurrency: cfg.IngestConcurrency,
		CoercionThreshold: cfg.CoercionThreshold,
		RowTolerance:      cfg.RowTolerance,
		DisconnectPolicy:  cfg.DisconnectPolicy,
	}
}

// Outcome is how one Run call ended. Status is review_pending when the run
// suspended at the review gate, otherwise terminal. Err is set for failed runs.
type Outcome struct {
	Status models.RunStatus
	Err    error
	Run    *models.Run
}

// Suspended reports whether the run is waiting for review decisions.
func (o Outcome) Suspended() bool {
	return o.Status == models.StatusReviewPending
}

var (
	// ErrNotExecutable is returned by Run for a run that was neither claimed nor resumed.
	ErrNotExecutable = errors.New("run is not claimed for execution")

	// ErrReviewOutstanding indicates a resume before review decisions were submitted.
	ErrReviewOutstanding = errors.New("review decisions not submitted")

	errCancelled = errors.New("run cancelled")
)

const (
	terminalWriteTimeout = 10 * time.Second
	orphanMessage        = "executor lost"
)

// Driver executes runs. One Driver serves every run of a process.
type Driver struct {
	store    store.RunStore
	parser   Parser
	analyzer Analyzer
	designer Designer
	writer   Writer
	catalog  Catalog
	notifier notify.Notifier
	metrics  *metrics.Collector
	log      *slog.Logger
	opts     Options
}

func NewDriver(deps Deps, opts Options) *Driver {
	if deps.Catalog == nil {
		deps.Catalog = deps.Store
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.IngestConcurrency <= 0 {
		opts.IngestConcurrency = 1
	}
	if opts.DisconnectPolicy == "" {
		opts.DisconnectPolicy = config.DisconnectCancel
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Driver{
		store:    deps.Store,
		parser:   deps.Parser,
		analyzer: deps.Analyzer,
		designer: deps.Designer,
		writer:   deps.Writer,
		catalog:  deps.Catalog,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		opts:     opts,
	}
}

// Claim hands execution rights for a pending run to the caller. It reports false,
// without error, when the run is no longer pending.
func (d *Driver) Claim(ctx context.Context, runID string) (bool, error) {
	ok, err := d.store.TransitionRun(ctx, runID, store.Transition{
		From: []models.RunStatus{models.StatusPending},
		To:   models.StatusIngesting,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
		}
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	if ok {
		d.metrics.RunStarted()
		d.log.Info("run claimed", "run_id", runID)
	}
	return ok, nil
}

// Resume moves a reviewed run from review_pending to extracting and returns it,
// ready to pass to Run.
func (d *Driver) Resume(ctx context.Context, runID string) (*models.Run, error) {
	run, err := d.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := StatusError(run.Status, models.StatusReviewPending); err != nil {
		return nil, err
	}
	if !run.ReviewSubmitted() {
		return nil, fmt.Errorf("resume run %s: %w", runID, ErrReviewOutstanding)
	}

	ok, err := d.store.TransitionRun(ctx, runID, store.Transition{
		From: []models.RunStatus{models.StatusReviewPending},
		To:   models.StatusExtracting,
	})
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if !ok {
		fresh, err := d.getRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, StatusError(fresh.Status, models.StatusReviewPending)
	}
	run.ApplyTransition(models.StatusExtracting, nil, d.opts.Now())
	d.metrics.RunStarted()
	d.log.Info("run resumed after review", "run_id", runID)
	return run, nil
}

// CancelIdle cancels a run that no executor drives, provided its status is one of from.
func (d *Driver) CancelIdle(ctx context.Context, runID string, from []models.RunStatus) (bool, error) {
	ok, err := d.store.TransitionRun(ctx, runID, store.Transition{From: from, To: models.StatusCancelled})
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if ok {
		d.log.Info("idle run cancelled", "run_id", runID)
		if run, err := d.store.GetRun(ctx, runID); err == nil {
			d.notify(ctx, run, "")
		}
	}
	return ok, nil
}

// RecoverOrphans fails runs left in an executing status by an executor that no
// longer exists. Call it before any run is attached in this process.
func (d *Driver) RecoverOrphans(ctx context.Context) (int, error) {
	var orphans []models.Run
	filter := models.RunFilter{Statuses: models.ExecutingStatuses(), Limit: models.MaxListLimit}
	for {
		page, err := d.store.ListRuns(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("list orphaned runs: %w", err)
		}
		orphans = append(orphans, page...)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	recovered := 0
	for _, run := range orphans {
		msg := orphanMessage
		ok, err := d.store.TransitionRun(ctx, run.ID, store.Transition{
			From:         []models.RunStatus{run.Status},
			To:           models.StatusFailed,
			ErrorMessage: &msg,
		})
		if err != nil {
			return recovered, fmt.Errorf("fail orphaned run %s: %w", run.ID, err)
		}
		if ok {
			recovered++
			d.log.Warn("failed orphaned run", "run_id", run.ID, "status", run.Status)
		}
	}
	return recovered, nil
}

// HandleDisconnect applies the disconnect policy to an execution whose stream went
// away. It reports whether the run was cancelled.
func (d *Driver) HandleDisconnect(tok *Token) bool {
	if d.opts.DisconnectPolicy == config.DisconnectContinue {
		return false
	}
	return tok.Cancel(ReasonDisconnected)
}

// Run executes a claimed (ingesting) or resumed (extracting) run until it suspends
// at the review gate or reaches a terminal status. Work stops at the next checkpoint
// after tok is cancelled; ctx cancellation alone does not stop the run.
func (d *Driver) Run(ctx context.Context, run *models.Run, tok *Token, emit Emitter) Outcome {
	if run.Status != models.StatusIngesting && run.Status != models.StatusExtracting {
		return Outcome{Status: run.Status, Err: fmt.Errorf("run %s in %s: %w", run.ID, run.Status, ErrNotExecutable), Run: run}
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-tok.Done():
			cancel()
		case <-workCtx.Done():
		}
	}()

	x := &execution{
		d:     d,
		run:   run,
		tok:   tok,
		out:   emit,
		usage: usage.NewAggregator(run.TokensUsed),
		log:   d.log.With("run_id", run.ID),
	}
	return x.finish(workCtx, x.drive(workCtx))
}

func (d *Driver) getRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// StatusError maps a status other than want onto the matching precondition error.
func StatusError(status, want models.RunStatus) error {
	switch {
	case status == want:
		return nil
	case status.IsTerminal():
		return models.ErrRunTerminal
	case status.IsExecuting():
		return models.ErrRunAlreadyExecuting
	case want == models.StatusReviewPending:
		return models.ErrNotAwaitingReview
	}
	return fmt.Errorf("unexpected run status %s", status)
}

func (d *Driver) notify(ctx context.Context, run *models.Run, message string) {
	if d.notifier == nil {
		return
	}
	var kind notify.Kind
	switch run.Status {
	case models.StatusReviewPending:
		kind = notify.KindReviewReady
	case models.StatusCompleted:
		kind = notify.KindCompleted
	case models.StatusFailed:
		kind = notify.KindFailed
	case models.StatusCancelled:
		kind = notify.KindCancelled
	default:
		return
	}
	err := d.notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Status:    string(run.Status),
		Message:   message,
		Time:      d.opts.Now(),
	})
	if err != nil {
		d.log.Warn("notification failed", "run_id", run.ID, "kind", kind, "error", err)
	}
}
