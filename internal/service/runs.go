// Package service provides the run lifecycle operations behind the HTTP API and CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/pipeline"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/raphaelgruber/sheetflow/internal/stream"
)

// cancelAttempts bounds the retries of a cancel racing with status changes.
const cancelAttempts = 3

// RunService manages runs. Execution goes through the stream controller, either
// attached to a client stream or detached.
type RunService struct {
	store   store.RunStore
	driver  *pipeline.Driver
	streams *stream.Controller
	log     *slog.Logger
	now     func() time.Time
}

// NewRunService creates a run service.
func NewRunService(s store.RunStore, d *pipeline.Driver, streams *stream.Controller, log *slog.Logger) *RunService {
	if log == nil {
		log = slog.Default()
	}
	return &RunService{
		store:   s,
		driver:  d,
		streams: streams,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun validates cfg and stores a new pending run. Source files without an ID
// get one; files without a name are named after their path.
func (s *RunService) CreateRun(ctx context.Context, projectID string, cfg models.RunConfig) (*models.Run, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    models.StatusPending,
		Config:    cfg,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.log.Info("run created", "run_id", run.ID, "project_id", projectID, "files", len(cfg.SourceFiles), "review_mode", cfg.ReviewMode)
	return run, nil
}

func normalizeConfig(cfg models.RunConfig) (models.RunConfig, error) {
	switch cfg.ReviewMode {
	case "":
		cfg.ReviewMode = models.ReviewModeAuto
	case models.ReviewModeAuto, models.ReviewModeReview:
	default:
		return cfg, fmt.Errorf("%w: unknown review mode %q", models.ErrInvalidConfig, cfg.ReviewMode)
	}
	if len(cfg.SourceFiles) == 0 {
		return cfg, fmt.Errorf("%w: at least one source file is required", models.ErrInvalidConfig)
	}

	files := make([]models.SourceFile, len(cfg.SourceFiles))
	seen := make(map[string]bool, len(files))
	for i, f := range cfg.SourceFiles {
		if f.Path == "" {
			return cfg, fmt.Errorf("%w: source file %d has no path", models.ErrInvalidConfig, i)
		}
		if f.ID == "" {
			f.ID = uuid.NewString()[:8]
		}
		if seen[f.ID] {
			return cfg, fmt.Errorf("%w: duplicate source file id %q", models.ErrInvalidConfig, f.ID)
		}
		seen[f.ID] = true
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		files[i] = f
	}
	cfg.SourceFiles = files
	return cfg, nil
}

// GetRun returns the current state of a run.
func (s *RunService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunService) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	runs, err := s.store.ListRuns(ctx, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListTables returns the catalog tables registered by a run.
func (s *RunService) ListTables(ctx context.Context, id string) ([]models.CatalogTable, error) {
	if _, err := s.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTables(ctx, id)
}

// ClaimRun moves a pending run to ingesting. On true the caller owns its execution.
func (s *RunService) ClaimRun(ctx context.Context, id string) (bool, error) {
	return s.driver.Claim(ctx, id)
}

// CancelRun requests cancellation. An attached execution stops at its next
// checkpoint; an idle, waiting or orphaned run is cancelled right away. The returned run
// reflects the stored state after the request.
func (s *RunService) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	for range cancelAttempts {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, fmt.Errorf("cancel run %s: %w", id, models.ErrRunTerminal)
		}
		// a run waiting for review is idle even with a session attached
		if exec, ok := s.streams.Registry().Get(id); ok && run.Status != models.StatusReviewPending {
			exec.Token.Cancel(pipeline.ReasonRequested)
			s.log.Info("cancel requested", "run_id", id, "status", run.Status)
			return run, nil
		}

		ok, err := s.driver.CancelIdle(ctx, id, []models.RunStatus{run.Status})
		if err != nil {
			return nil, err
		}
		if ok {
			// wake a session waiting for review so it sees the new status
			s.streams.Registry().Notify(id)
			return s.GetRun(ctx, id)
		}
	}
	return nil, fmt.Errorf("cancel run %s: status kept changing", id)
}

// DeleteRun removes a failed or cancelled run.
func (s *RunService) DeleteRun(ctx context.Context, id string) error {
	ok, err := s.store.DeleteRun(ctx, id, []models.RunStatus{models.StatusFailed, models.StatusCancelled})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrRunNotFound, id)
		}
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("delete run %s: %w", id, models.ErrRunNotDeletable)
	}
	s.log.Info("run deleted", "run_id", id)
	return nil
}

// SubmitReviewDecisions records decisions for a run waiting for review and resumes
// it. The attached session picks the decisions up; without one, the run resumes
// in the background.
func (s *RunService) SubmitReviewDecisions(ctx context.Context, id string, decisions []models.ReviewDecision) (*models.Run, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := pipeline.StatusError(run.Status, models.StatusReviewPending); err != nil {
		return nil, fmt.Errorf("review run %s: %w", id, err)
	}
	if run.ExtractionPlan == nil {
		return nil, fmt.Errorf("review run %s: %w", id, models.ErrNotAwaitingReview)
	}

	plan, err := run.ExtractionPlan.ApplyDecisions(decisions)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateReview(ctx, id, decisions, plan)
	if err != nil {
		return nil, fmt.Errorf("review run %s: %w", id, err)
	}
	if !ok {
		fresh, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("review run %s: %w", id, pipeline.StatusError(fresh.Status, models.StatusReviewPending))
	}
	s.log.Info("review decisions submitted", "run_id", id, "decisions", len(decisions), "tables", len(plan.Tables))

	s.wake(ctx, id)
	return s.GetRun(ctx, id)
}

// wake resumes a reviewed run through its attached session, or detached when no
// session holds it.
func (s *RunService) wake(ctx context.Context, id string) {
	if s.streams.Registry().Notify(id) {
		return
	}
	sess, err := s.streams.Prepare(ctx, id)
	switch {
	case err == nil:
		s.streams.Detach(ctx, sess)
	case errors.Is(err, models.ErrRunAlreadyExecuting):
		s.streams.Registry().Notify(id)
	default:
		s.log.Warn("resuming reviewed run", "run_id", id, "error", err)
	}
}

// ExecuteRun claims a pending run and executes it without a stream.
func (s *RunService) ExecuteRun(ctx context.Context, id string) (*models.Run, error) {
	sess, err := s.streams.Prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	s.streams.Detach(ctx, sess)
	return sess.Run(), nil
}

// ResumeIncompleteRuns fails runs orphaned by a previous process and resumes
// reviewed runs that were never picked up. Call it once at startup.
func (s *RunService) ResumeIncompleteRuns(ctx context.Context) error {
	failed, err := s.driver.RecoverOrphans(ctx)
	if err != nil {
		return err
	}

	var reviewed []string
	filter := models.RunFilter{Statuses: []models.RunStatus{models.StatusReviewPending}, Limit: models.MaxListLimit}
	for {
		page, err := s.store.ListRuns(ctx, filter)
		if err != nil {
			return fmt.Errorf("list runs waiting for review: %w", err)
		}
		for _, run := range page {
			if run.ReviewSubmitted() {
				reviewed = append(reviewed, run.ID)
			}
		}
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	if failed == 0 && len(reviewed) == 0 {
		s.log.Info("no incomplete runs to resume")
		return nil
	}
	s.log.Info("resuming incomplete runs", "orphans_failed", failed, "reviewed", len(reviewed))
	for _, id := range reviewed {
		s.wake(ctx, id)
	}
	return nil
}

// Wait blocks until background executions have finished.
func (s *RunService) Wait() {
	s.streams.Wait()
}
