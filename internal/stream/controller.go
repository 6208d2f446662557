package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/pipeline"
	"github.com/raphaelgruber/sheetflow/internal/store"
)

const closeTimeout = 2 * time.Second

// Controller attaches streams to runs. At most one session drives a run at a time.
type Controller struct {
	driver    *pipeline.Driver
	store     store.RunStore
	registry  *pipeline.Registry
	heartbeat time.Duration
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewController creates a controller. A heartbeat interval of zero disables heartbeats.
func NewController(driver *pipeline.Driver, s store.RunStore, registry *pipeline.Registry, heartbeat time.Duration, log *slog.Logger) *Controller {
	if registry == nil {
		registry = pipeline.NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{driver: driver, store: s, registry: registry, heartbeat: heartbeat, log: log}
}

// Registry returns the registry of attached executions.
func (c *Controller) Registry() *pipeline.Registry {
	return c.registry
}

// Session is a prepared execution waiting for a connection.
type Session struct {
	c        *Controller
	exec     *pipeline.Execution
	run      *models.Run
	attached bool
	served   bool
	log      *slog.Logger
}

// RunID returns the ID of the run the session drives.
func (s *Session) RunID() string { return s.run.ID }

// Run returns the run as it was when the session was prepared.
func (s *Session) Run() *models.Run { return s.run }

// Prepare validates that runID may be streamed and takes ownership of it. A pending
// run is claimed; a run waiting for review is attached without a status change.
// Any other status is rejected with a precondition error from models.
func (c *Controller) Prepare(ctx context.Context, runID string) (*Session, error) {
	exec, ok := c.registry.Attach(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRunAlreadyExecuting, runID)
	}
	sess, err := c.prepare(ctx, exec)
	if err != nil {
		c.registry.Detach(exec)
		return nil, err
	}
	return sess, nil
}

func (c *Controller) prepare(ctx context.Context, exec *pipeline.Execution) (*Session, error) {
	run, err := c.getRun(ctx, exec.RunID)
	if err != nil {
		return nil, err
	}

	sess := &Session{c: c, exec: exec, run: run, log: c.log.With("run_id", run.ID)}
	switch run.Status {
	case models.StatusPending:
		ok, err := c.driver.Claim(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			fresh, err := c.getRun(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("run %s: %w", run.ID, pipeline.StatusError(fresh.Status, models.StatusPending))
		}
		run.ApplyTransition(models.StatusIngesting, nil, time.Now().UTC())
	case models.StatusReviewPending:
		sess.attached = true
	default:
		return nil, fmt.Errorf("run %s: %w", run.ID, pipeline.StatusError(run.Status, models.StatusPending))
	}
	return sess, nil
}

func (c *Controller) getRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// Detach serves sess in the background with events going to the log. The run
// outlives ctx.
func (c *Controller) Detach(ctx context.Context, sess *Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sess.Serve(context.WithoutCancel(ctx), NewLogConn(c.log))
	}()
}

// Wait blocks until every detached session has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Abort releases a session whose connection could not be established. A claimed
// run is cancelled; a run waiting for review stays as it is.
func (s *Session) Abort(ctx context.Context) {
	if s.served {
		return
	}
	if s.attached {
		s.served = true
		s.c.registry.Detach(s.exec)
		return
	}
	s.exec.Token.Cancel(pipeline.ReasonDisconnected)
	s.Serve(context.WithoutCancel(ctx), NewLogConn(s.log))
}

// Serve drives the run and streams its events to conn until the run reaches a
// terminal status, or stays waiting for review after the client left. The first
// event is run_start; the last is run_complete or run_error when the run ended.
func (s *Session) Serve(ctx context.Context, conn Conn) pipeline.Outcome {
	s.served = true
	defer s.c.registry.Detach(s.exec)

	em := newEmitter(conn, s.run.ID, s.log)
	tok := s.exec.Token

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		if s.c.heartbeat <= 0 {
			return nil
		}
		ticker := time.NewTicker(s.c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				em.heartbeat()
			}
		}
	})
	g.Go(func() error {
		select {
		case <-stop:
		case <-conn.Done():
			if s.c.driver.HandleDisconnect(tok) {
				s.log.Info("client disconnected, cancelling run")
			} else {
				s.log.Info("client disconnected, run continues")
			}
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-stop:
		case <-conn.CancelRequests():
			if tok.Cancel(pipeline.ReasonRequested) {
				s.log.Info("cancel requested by client")
			}
		}
		return nil
	})
	defer func() {
		close(stop)
		_ = g.Wait()
	}()

	em.Emit(events.RunStart, events.RunStartData{
		Status:     s.run.Status,
		ReviewMode: s.run.Config.ReviewMode,
		Files:      len(s.run.Config.SourceFiles),
		Attached:   s.attached,
	})
	if s.attached {
		if plan := s.run.PlanOfRecord(); plan != nil {
			em.Emit(events.ReviewReady, events.ReviewReadyData{Plan: plan, Tables: plan.TableNames()})
		}
	}

	out := s.drive(ctx, conn, em)
	s.end(em, out)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		s.log.Debug("closing stream", "error", err)
	}
	return out
}

func (s *Session) drive(ctx context.Context, conn Conn, em *emitter) pipeline.Outcome {
	run := s.run
	for {
		if run.Status != models.StatusReviewPending {
			out := s.c.driver.Run(ctx, run, s.exec.Token, em)
			if !out.Suspended() {
				return out
			}
			run = out.Run
		}
		next, out, ok := s.await(ctx, conn, run.ID)
		if !ok {
			return out
		}
		run = next
	}
}

// await blocks while the run waits for review decisions. It returns the resumed
// run, or false with the outcome to report. A run waiting for review is idle: a
// session without a client releases it at once, and a client leaving never
// cancels it.
func (s *Session) await(ctx context.Context, conn Conn, runID string) (*models.Run, pipeline.Outcome, bool) {
	ctx = context.WithoutCancel(ctx)
	tok := s.exec.Token
	gone := conn.Done()
	detached := gone == nil

	for {
		run, err := s.c.getRun(ctx, runID)
		if err != nil {
			return nil, pipeline.Outcome{Status: models.StatusReviewPending, Err: err}, false
		}
		if run.Status != models.StatusReviewPending {
			return nil, pipeline.Outcome{Status: run.Status, Run: run}, false
		}
		if run.ReviewSubmitted() {
			resumed, err := s.c.driver.Resume(ctx, runID)
			if err != nil {
				return nil, pipeline.Outcome{Status: run.Status, Err: err, Run: run}, false
			}
			return resumed, pipeline.Outcome{}, true
		}
		waiting := pipeline.Outcome{Status: models.StatusReviewPending, Run: run}
		if detached {
			if s.leave("run waiting for review, releasing background session") {
				return nil, waiting, false
			}
			continue
		}

		select {
		case <-s.exec.ResumeSignal():
		case <-tok.Done():
			if tok.Reason() == pipeline.ReasonDisconnected {
				if s.leave("client left during review, run stays waiting") {
					return nil, waiting, false
				}
				continue
			}
			if _, err := s.c.driver.CancelIdle(ctx, runID, []models.RunStatus{models.StatusReviewPending}); err != nil {
				return nil, pipeline.Outcome{Status: run.Status, Err: err, Run: run}, false
			}
		case <-gone:
			if s.leave("client left during review, run stays waiting") {
				return nil, waiting, false
			}
		}
	}
}

// leave gives up the run while it waits for review. It reports false when a
// resume signal arrived first; the run must then be checked again.
func (s *Session) leave(msg string) bool {
	if !s.c.registry.Release(s.exec) {
		return false
	}
	s.log.Info(msg)
	return true
}

func (s *Session) end(em *emitter, out pipeline.Outcome) {
	switch out.Status {
	case models.StatusCompleted:
		data := events.RunCompleteData{Status: out.Status}
		if run := out.Run; run != nil {
			for _, t := range run.Tables {
				if t.Status == models.ItemCompleted {
					data.Tables++
					data.Rows += t.Rows
				}
			}
			data.TokensUsed = run.TokensUsed
			if run.StartedAt != nil && run.CompletedAt != nil {
				data.DurationMs = run.CompletedAt.Sub(*run.StartedAt).Milliseconds()
			}
		}
		em.Emit(events.RunComplete, data)
	case models.StatusFailed:
		msg := ""
		if out.Run != nil && out.Run.ErrorMessage != nil {
			msg = *out.Run.ErrorMessage
		} else if out.Err != nil {
			msg = out.Err.Error()
		}
		em.Emit(events.RunError, events.RunErrorData{Status: out.Status, Code: events.CodeFailed, Error: msg})
	case models.StatusCancelled:
		em.Emit(events.RunError, events.RunErrorData{Status: out.Status, Code: events.CodeCancelled})
	default:
		if out.Err != nil {
			em.Emit(events.RunError, events.RunErrorData{Status: out.Status, Code: events.CodeFailed, Error: out.Err.Error()})
		}
	}
}
