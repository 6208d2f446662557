package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/raphaelgruber/sheetflow/internal/usage"
)

// phaseSpan is the progress percentage range of each phase.
var phaseSpan = map[models.Phase][2]int{
	models.PhaseIngest:   {0, 15},
	models.PhaseAnalyze:  {15, 35},
	models.PhaseDesign:   {35, 45},
	models.PhaseReview:   {45, 45},
	models.PhaseExtract:  {45, 85},
	models.PhaseValidate: {85, 95},
	models.PhasePersist:  {95, 100},
}

type phase struct {
	name   models.Phase
	status models.RunStatus
	run    func(ctx context.Context) (string, error)
}

// stoppedError reports that the run reached a terminal status outside this execution,
// for example a cancel issued by another process.
type stoppedError struct {
	status models.RunStatus
}

func (e *stoppedError) Error() string {
	return fmt.Sprintf("run was moved to %s by another caller", e.status)
}

// execution is the state of one Driver.Run call.
type execution struct {
	d     *Driver
	run   *models.Run
	tok   *Token
	out   Emitter
	usage *usage.Aggregator
	log   *slog.Logger

	parsed   []*models.ParsedFile
	analyses []models.SheetAnalysis
}

func (x *execution) drive(ctx context.Context) error {
	if x.run.Status == models.StatusIngesting {
		for _, p := range []phase{
			{models.PhaseIngest, models.StatusIngesting, x.ingest},
			{models.PhaseAnalyze, models.StatusAnalyzing, x.analyze},
			{models.PhaseDesign, models.StatusDesigning, x.design},
		} {
			if err := x.runPhase(ctx, p); err != nil {
				return err
			}
		}
		suspended, err := x.gate(ctx)
		if err != nil || suspended {
			return err
		}
	}

	for _, p := range []phase{
		{models.PhaseExtract, models.StatusExtracting, x.extract},
		{models.PhaseValidate, models.StatusValidating, x.validate},
		{models.PhasePersist, models.StatusPersisting, x.persist},
	} {
		if err := x.runPhase(ctx, p); err != nil {
			return err
		}
	}
	return x.transition(ctx, models.StatusCompleted)
}

func (x *execution) runPhase(ctx context.Context, p phase) error {
	if err := x.checkpoint(); err != nil {
		return err
	}
	if x.run.Status != p.status {
		if err := x.transition(ctx, p.status); err != nil {
			return err
		}
	}

	start := time.Now()
	x.emit(events.PhaseStart, events.PhaseStartData{Phase: p.name, Status: x.run.Status})
	x.progress(p.name, 0, 1, "")

	summary, err := p.run(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}

	x.progress(p.name, 1, 1, summary)
	if err := x.save(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)
	x.d.metrics.RecordTiming(metrics.PhaseOp(string(p.name)), elapsed)
	x.emit(events.PhaseComplete, events.PhaseCompleteData{
		Phase:      p.name,
		DurationMs: elapsed.Milliseconds(),
		Summary:    summary,
	})
	x.log.Info("phase complete", "phase", p.name, "duration", elapsed, "summary", summary)
	return nil
}

// gate holds review-mode runs at review_pending and reports whether the run suspended.
// State is saved before the transition: once review_pending is visible a reviewer may
// write the modified plan, and later saves would overwrite it.
func (x *execution) gate(ctx context.Context) (bool, error) {
	if err := x.checkpoint(); err != nil {
		return false, err
	}
	if x.run.Config.ReviewMode != models.ReviewModeReview {
		return false, x.transition(ctx, models.StatusExtracting)
	}

	plan := x.run.ExtractionPlan
	x.run.Progress = models.Progress{Phase: models.PhaseReview, Percent: phaseSpan[models.PhaseReview][0], Message: "waiting for review"}
	if err := x.save(ctx); err != nil {
		return false, err
	}
	if err := x.transition(ctx, models.StatusReviewPending); err != nil {
		return false, err
	}
	x.emit(events.ReviewReady, events.ReviewReadyData{Plan: plan, Tables: plan.TableNames()})
	x.d.notify(ctx, x.run, fmt.Sprintf("%d tables proposed", len(plan.Tables)))
	x.log.Info("run waiting for review", "tables", len(plan.Tables))
	return true, nil
}

func (x *execution) checkpoint() error {
	if x.tok.Cancelled() {
		return errCancelled
	}
	return nil
}

// transition advances the run from its current status.
func (x *execution) transition(ctx context.Context, to models.RunStatus) error {
	ok, err := x.d.store.TransitionRun(ctx, x.run.ID, store.Transition{
		From: []models.RunStatus{x.run.Status},
		To:   to,
	})
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if !ok {
		return x.lost(ctx, to)
	}
	x.run.ApplyTransition(to, nil, x.d.opts.Now())
	return nil
}

func (x *execution) lost(ctx context.Context, to models.RunStatus) error {
	fresh, err := x.d.store.GetRun(ctx, x.run.ID)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if fresh.Status.IsTerminal() {
		x.run.Status = fresh.Status
		x.run.ErrorMessage = fresh.ErrorMessage
		x.run.CompletedAt = fresh.CompletedAt
		return &stoppedError{status: fresh.Status}
	}
	return fmt.Errorf("transition %s -> %s: run is %s", x.run.Status, to, fresh.Status)
}

func (x *execution) save(ctx context.Context) error {
	if err := x.d.store.SaveRunState(ctx, x.run); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

func (x *execution) emit(t events.Type, data any) {
	x.out.Emit(t, data)
}

func (x *execution) progress(p models.Phase, done, total int, message string) {
	span := phaseSpan[p]
	pct := span[1]
	if total > 0 {
		pct = span[0] + (span[1]-span[0])*done/total
	}
	x.run.Progress = models.Progress{Phase: p, Percent: pct, Message: message}
	x.emit(events.Progress, x.run.Progress)
}

// addUsage folds the usage of one model call into the run total.
func (x *execution) addUsage(u models.TokenUsage) {
	if u.IsZero() {
		return
	}
	total := x.usage.Add(u)
	x.run.TokensUsed = total
	x.emit(events.TokenUpdate, events.TokenUpdateData{Delta: u, Total: total})
}

// finish performs the single terminal transition for err and reports the outcome.
// Writes use a context detached from cancellation so a cancelled run can still be
// recorded as cancelled.
func (x *execution) finish(ctx context.Context, err error) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	var stopped *stoppedError
	var message string
	switch {
	case err == nil:
	case errors.As(err, &stopped):
		err = nil
	case x.tok.Cancelled() || errors.Is(err, errCancelled):
		err = nil
		x.terminate(ctx, models.StatusCancelled, nil)
	default:
		message = err.Error()
		x.terminate(ctx, models.StatusFailed, &message)
	}

	status := x.run.Status
	x.d.metrics.RecordRunOutcome(string(status))
	if status.IsTerminal() {
		x.d.notify(ctx, x.run, message)
	}
	switch status {
	case models.StatusFailed:
		x.log.Error("run failed", "error", message)
	case models.StatusReviewPending:
	default:
		x.log.Info("run finished", "status", status, "tokens", x.run.TokensUsed.TotalTokens)
	}
	return Outcome{Status: status, Err: err, Run: x.run}
}

func (x *execution) terminate(ctx context.Context, to models.RunStatus, message *string) {
	if err := x.save(ctx); err != nil {
		x.log.Warn("saving final run state", "error", err)
	}
	ok, err := x.d.store.TransitionRun(ctx, x.run.ID, store.Transition{
		From:         models.NonTerminalStatuses(),
		To:           to,
		ErrorMessage: message,
	})
	if err != nil {
		x.log.Error("recording terminal status", "status", to, "error", err)
		x.run.ApplyTransition(to, message, x.d.opts.Now())
		return
	}
	if !ok {
		if fresh, err := x.d.store.GetRun(ctx, x.run.ID); err == nil {
			x.run.Status = fresh.Status
			x.run.ErrorMessage = fresh.ErrorMessage
			x.run.CompletedAt = fresh.CompletedAt
		}
		return
	}
	x.run.ApplyTransition(to, message, x.d.opts.Now())
}
