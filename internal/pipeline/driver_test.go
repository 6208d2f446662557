package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/llm"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/pipeline/pipelinetest"
	"github.com/raphaelgruber/sheetflow/internal/planner"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *store.BoltStore
	parser  *pipelinetest.Parser
	writer  *pipelinetest.Writer
	catalog *pipelinetest.Catalog
	deps    Deps
	opts    Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store:   s,
		parser:  pipelinetest.NewParser(),
		writer:  pipelinetest.NewWriter(),
		catalog: &pipelinetest.Catalog{},
		opts:    DefaultOptions(),
	}
	p := planner.New(nil, nil)
	h.deps = Deps{Store: s, Parser: h.parser, Analyzer: p, Designer: p, Writer: h.writer, Catalog: h.catalog}
	return h
}

func (h *harness) driver() *Driver {
	return NewDriver(h.deps, h.opts)
}

func (h *harness) create(t *testing.T, mode models.ReviewMode, files ...string) string {
	t.Helper()
	run := pipelinetest.NewRun("run-1", mode, files...)
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	return run.ID
}

func (h *harness) claimAndRun(t *testing.T, d *Driver, id string, tok *Token, rec Emitter) Outcome {
	t.Helper()
	ctx := context.Background()
	ok, err := d.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	run, err := h.store.GetRun(ctx, id)
	require.NoError(t, err)
	return d.Run(ctx, run, tok, rec)
}

func (h *harness) status(t *testing.T, id string) *models.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

var structural = []events.Type{
	events.PhaseStart, events.PhaseComplete,
	events.FileStart, events.FileComplete, events.FileError,
	events.ExtractionPlan, events.ReviewReady,
	events.TableStart, events.TableComplete, events.TableError,
	events.ValidationResult,
}

func TestRunAutoMode(t *testing.T) {
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	rec := &pipelinetest.Recorder{}

	out := h.claimAndRun(t, d, id, NewToken(), rec)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)

	assert.Equal(t, []events.Type{
		events.PhaseStart, events.FileStart, events.FileComplete, events.FileStart, events.FileComplete, events.PhaseComplete,
		events.PhaseStart, events.PhaseComplete,
		events.PhaseStart, events.ExtractionPlan, events.PhaseComplete,
		events.PhaseStart, events.TableStart, events.TableComplete, events.TableStart, events.TableComplete, events.PhaseComplete,
		events.PhaseStart, events.ValidationResult, events.PhaseComplete,
		events.PhaseStart, events.PhaseComplete,
	}, rec.Types(structural...))

	var phases []models.Phase
	for _, e := range rec.Of(events.PhaseStart) {
		data, err := events.Decode[events.PhaseStartData](e)
		require.NoError(t, err)
		phases = append(phases, data.Phase)
	}
	assert.Equal(t, []models.Phase{
		models.PhaseIngest, models.PhaseAnalyze, models.PhaseDesign,
		models.PhaseExtract, models.PhaseValidate, models.PhasePersist,
	}, phases)

	stored := h.status(t, id)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.ErrorMessage)
	assert.Equal(t, 100, stored.Progress.Percent)
	require.Len(t, stored.Tables, 2)
	assert.Equal(t, int64(3), stored.Tables[0].Rows)
	require.NotNil(t, stored.ValidationReport)
	assert.True(t, stored.ValidationReport.Passed)

	assert.Equal(t, []string{"customers", "orders"}, h.catalog.Names(), "referenced tables register first")
	assert.Equal(t, []string{"orders", "customers"}, h.writer.Written())
}

func TestRunAccumulatesTokens(t *testing.T) {
	h := newHarness(t)
	h.deps.Analyzer = meteredAnalyzer{planner.New(nil, nil)}
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	rec := &pipelinetest.Recorder{}

	out := h.claimAndRun(t, h.driver(), id, NewToken(), rec)
	require.Equal(t, models.StatusCompleted, out.Status)

	updates := rec.Of(events.TokenUpdate)
	require.Len(t, updates, 2)
	last, err := events.Decode[events.TokenUpdateData](updates[1])
	require.NoError(t, err)
	assert.Equal(t, int64(30), last.Total.TotalTokens)
	assert.Equal(t, int64(30), h.status(t, id).TokensUsed.TotalTokens)
}

type meteredAnalyzer struct{ *planner.Planner }

func (a meteredAnalyzer) Analyze(ctx context.Context, f models.SourceFile, s models.ParsedSheet) (models.SheetAnalysis, models.TokenUsage, error) {
	an, _, err := a.Planner.Analyze(ctx, f, s)
	return an, models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, err
}

func TestRunPartialIngestFailure(t *testing.T) {
	h := newHarness(t)
	h.parser.Fail["orders"] = errors.New("corrupt workbook")
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	rec := &pipelinetest.Recorder{}

	out := h.claimAndRun(t, h.driver(), id, NewToken(), rec)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)

	assert.Equal(t, []events.Type{events.FileStart, events.FileError, events.FileStart, events.FileComplete},
		rec.Types(events.FileStart, events.FileError, events.FileComplete))

	stored := h.status(t, id)
	require.Len(t, stored.Files, 2)
	assert.Equal(t, models.ItemFailed, stored.Files[0].Status)
	assert.Equal(t, "corrupt workbook", stored.Files[0].Error)
	assert.Equal(t, models.ItemCompleted, stored.Files[1].Status)
	assert.Equal(t, []string{"customers"}, h.writer.Written())
}

func TestRunFailsWhenNoFileParses(t *testing.T) {
	h := newHarness(t)
	h.parser.Fail["orders"] = errors.New("corrupt")
	h.parser.Fail["customers"] = errors.New("corrupt")
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	rec := &pipelinetest.Recorder{}

	out := h.claimAndRun(t, h.driver(), id, NewToken(), rec)
	assert.Equal(t, models.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, errNoInput)

	stored := h.status(t, id)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "ingest")
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, rec.Of(events.PhaseComplete))
}

func TestRunFatalModelError(t *testing.T) {
	h := newHarness(t)
	h.deps.Designer = failingDesigner{err: fmt.Errorf("generate: %w", llm.ErrFatalAPI)}
	id := h.create(t, models.ReviewModeAuto, "customers")

	out := h.claimAndRun(t, h.driver(), id, NewToken(), &pipelinetest.Recorder{})
	assert.Equal(t, models.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, llm.ErrFatalAPI)
	assert.Contains(t, *h.status(t, id).ErrorMessage, "design")
}

type failingDesigner struct{ err error }

func (f failingDesigner) Design(context.Context, []models.SheetAnalysis) (*models.ExtractionPlan, models.TokenUsage, error) {
	return nil, models.TokenUsage{}, f.err
}

func TestRunTableFailureIsItemLevel(t *testing.T) {
	h := newHarness(t)
	h.writer.Fail["orders"] = errors.New("disk full")
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	rec := &pipelinetest.Recorder{}

	out := h.claimAndRun(t, h.driver(), id, NewToken(), rec)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, []events.Type{events.TableStart, events.TableError, events.TableStart, events.TableComplete},
		rec.Types(events.TableStart, events.TableError, events.TableComplete))

	stored := h.status(t, id)
	assert.False(t, stored.ValidationReport.Passed)
	assert.Equal(t, []string{"customers"}, h.catalog.Names())
}

func TestRunReviewGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeReview, "orders", "customers")

	var statusAtReview models.RunStatus
	rec := &pipelinetest.Recorder{}
	rec.OnEmit = func(typ events.Type, _ any) {
		if typ == events.ReviewReady {
			statusAtReview = h.status(t, id).Status
		}
	}

	out := h.claimAndRun(t, d, id, NewToken(), rec)
	require.NoError(t, out.Err)
	assert.True(t, out.Suspended())
	assert.Equal(t, models.StatusReviewPending, statusAtReview)
	assert.Empty(t, rec.Of(events.TableStart))
	require.Len(t, rec.Of(events.ReviewReady), 1)

	ready, err := events.Decode[events.ReviewReadyData](rec.Of(events.ReviewReady)[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "customers"}, ready.Tables)

	_, err = d.Resume(ctx, id)
	require.ErrorIs(t, err, ErrReviewOutstanding)

	stored := h.status(t, id)
	decisions := []models.ReviewDecision{
		{Table: "customers", Action: models.ActionSkip},
		{Table: "orders", Action: models.ActionInclude, OutputName: models.Ptr("sales")},
	}
	modified, err := stored.ExtractionPlan.ApplyDecisions(decisions)
	require.NoError(t, err)
	ok, err := h.store.UpdateReview(ctx, id, decisions, modified)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := d.Resume(ctx, id)
	require.NoError(t, err)
	_, err = d.Resume(ctx, id)
	require.ErrorIs(t, err, models.ErrRunAlreadyExecuting)

	rec2 := &pipelinetest.Recorder{}
	out = d.Run(ctx, run, NewToken(), rec2)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)

	starts := rec2.Of(events.TableStart)
	require.Len(t, starts, 1)
	data, err := events.Decode[events.TableData](starts[0])
	require.NoError(t, err)
	assert.Equal(t, "sales", data.Table)
	assert.Len(t, rec2.Of(events.TableComplete), 1)
	assert.Equal(t, []string{"sales"}, h.writer.Written())

	stored = h.status(t, id)
	assert.Equal(t, []string{"orders", "customers"}, stored.ExtractionPlan.TableNames(), "designed plan is kept")
	assert.Equal(t, []string{"sales"}, stored.ExtractionPlanModified.TableNames())
}

func TestRunReviewSkipAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeReview, "orders", "customers")

	out := h.claimAndRun(t, d, id, NewToken(), &pipelinetest.Recorder{})
	require.True(t, out.Suspended())

	stored := h.status(t, id)
	decisions := []models.ReviewDecision{
		{Table: "orders", Action: models.ActionSkip},
		{Table: "customers", Action: models.ActionSkip},
	}
	modified, err := stored.ExtractionPlan.ApplyDecisions(decisions)
	require.NoError(t, err)
	_, err = h.store.UpdateReview(ctx, id, decisions, modified)
	require.NoError(t, err)

	run, err := d.Resume(ctx, id)
	require.NoError(t, err)
	rec := &pipelinetest.Recorder{}
	out = d.Run(ctx, run, NewToken(), rec)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Empty(t, rec.Of(events.TableStart))
	assert.Empty(t, h.catalog.Names())
}

func TestRunCancelledMidExtract(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.ReviewModeAuto, "orders", "customers")
	tok := NewToken()
	rec := &pipelinetest.Recorder{}
	rec.OnEmit = func(typ events.Type, _ any) {
		if typ == events.TableStart {
			tok.Cancel(ReasonDisconnected)
		}
	}

	out := h.claimAndRun(t, h.driver(), id, tok, rec)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCancelled, out.Status)
	assert.Len(t, rec.Of(events.TableStart), 1)
	assert.Len(t, rec.Of(events.PhaseComplete), 3, "extract never completes")

	stored := h.status(t, id)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)
	assert.Len(t, stored.Tables, 1)
}

func TestRunStopsWhenCancelledElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, models.ReviewModeAuto, "customers")
	rec := &pipelinetest.Recorder{}
	rec.OnEmit = func(typ events.Type, _ any) {
		if typ == events.ExtractionPlan {
			_, err := h.store.TransitionRun(ctx, id, store.Transition{From: models.NonTerminalStatuses(), To: models.StatusCancelled})
			require.NoError(t, err)
		}
	}

	out := h.claimAndRun(t, h.driver(), id, NewToken(), rec)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCancelled, out.Status)
	assert.Empty(t, rec.Of(events.TableStart))
}

func TestRunRejectsUnclaimedRun(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.ReviewModeAuto, "customers")
	out := h.driver().Run(context.Background(), h.status(t, id), NewToken(), &pipelinetest.Recorder{})
	require.ErrorIs(t, out.Err, ErrNotExecutable)
	assert.Equal(t, models.StatusPending, h.status(t, id).Status)
}

func TestRunIgnoresParentContextCancel(t *testing.T) {
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeAuto, "customers")
	ok, err := d.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.Run(ctx, h.status(t, id), NewToken(), &pipelinetest.Recorder{})
	assert.Equal(t, models.StatusCompleted, out.Status)
}

func TestClaimAtMostOnce(t *testing.T) {
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeAuto, "customers")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.Claim(context.Background(), id)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err := d.Claim(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var logs bytes.Buffer
	h.deps.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	d := h.driver()

	orphan := pipelinetest.NewRun("orphan", models.ReviewModeAuto, "customers")
	orphan.Status = models.StatusExtracting
	require.NoError(t, h.store.CreateRun(ctx, orphan))
	waiting := pipelinetest.NewRun("waiting", models.ReviewModeReview, "customers")
	waiting.Status = models.StatusReviewPending
	require.NoError(t, h.store.CreateRun(ctx, waiting))
	pending := pipelinetest.NewRun("pending", models.ReviewModeAuto, "customers")
	require.NoError(t, h.store.CreateRun(ctx, pending))

	n, err := d.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.status(t, "orphan")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, orphanMessage, *got.ErrorMessage)
	assert.Equal(t, models.StatusReviewPending, h.status(t, "waiting").Status)
	assert.Equal(t, models.StatusPending, h.status(t, "pending").Status)
	assert.Contains(t, logs.String(), "failed orphaned run")
	assert.Contains(t, logs.String(), "run_id=orphan")
}

func TestCancelIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.driver()
	id := h.create(t, models.ReviewModeAuto, "customers")

	ok, err := d.CancelIdle(ctx, id, []models.RunStatus{models.StatusPending})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.CancelIdle(ctx, id, []models.RunStatus{models.StatusPending})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.StatusCancelled, h.status(t, id).Status)
}

func TestHandleDisconnect(t *testing.T) {
	h := newHarness(t)

	tok := NewToken()
	assert.True(t, h.driver().HandleDisconnect(tok))
	assert.Equal(t, ReasonDisconnected, tok.Reason())

	h.opts.DisconnectPolicy = config.DisconnectContinue
	tok = NewToken()
	assert.False(t, h.driver().HandleDisconnect(tok))
	assert.False(t, tok.Cancelled())
}
