package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/sheetflow/internal/client"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
)

var (
	streamWS    bool
	streamPlain bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <run-id>",
	Short: "Start a pending run or attach to one waiting for review",
	Long: `Open the event stream of a run. Streaming a pending run starts it; streaming
a run that waits for review attaches to it and shows the plan again.

Closing the stream cancels the run unless the server's disconnect policy is
"continue". With --ws, pressing c (or Ctrl+C in plain mode) asks the server to
cancel the run instead.

Examples:
  sheetflow stream 3f2c...
  sheetflow stream 3f2c... --ws
  sheetflow stream 3f2c... --plain > events.log`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().BoolVar(&streamWS, "ws", false, "use WebSocket instead of SSE")
	streamCmd.Flags().BoolVar(&streamPlain, "plain", false, "print one line per event even on a terminal")
}

func runStream(cmd *cobra.Command, args []string) error {
	if streamPlain {
		return followPlain(cmd.Context(), apiClient, args[0], streamWS)
	}
	return followRun(cmd.Context(), args[0], streamWS)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// openStream dispatches to the SSE or WebSocket transport. cancel is only honoured
// over WebSocket.
func openStream(ctx context.Context, c *client.Client, id string, useWS bool, cancel <-chan struct{}, onEvent client.EventHandler) error {
	if useWS {
		return c.StreamWS(ctx, id, cancel, onEvent)
	}
	return c.Stream(ctx, id, onEvent)
}

// followPlain prints one line per event. The first interrupt cancels the run over
// WebSocket or closes the SSE stream; a second interrupt always closes the stream.
func followPlain(ctx context.Context, c *client.Client, id string, useWS bool) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	cancelReq := make(chan struct{})
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		if useWS {
			fmt.Fprintln(os.Stderr, "Cancelling run...")
			close(cancelReq)
			select {
			case <-sigs:
			case <-ctx.Done():
				return
			}
		}
		stop()
	}()

	var last events.Event
	err := openStream(ctx, c, id, useWS, cancelReq, func(e events.Event) error {
		if e.Type == events.Heartbeat && !verbose {
			return nil
		}
		last = e
		fmt.Printf("%s %3d %-17s %s\n", e.TS.Local().Format(time.TimeOnly), e.Seq, e.Type, describe(e))
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Stream closed.")
			return nil
		}
		return err
	}
	return runErr(last)
}

// runErr turns a run_error event into an error for the exit code.
func runErr(e events.Event) error {
	if e.Type != events.RunError {
		return nil
	}
	d, err := events.Decode[events.RunErrorData](e)
	if err != nil {
		return err
	}
	if d.Error != "" {
		return fmt.Errorf("run %s: %s", d.Code, d.Error)
	}
	return fmt.Errorf("run %s", d.Code)
}

// describe renders the payload of an event as a short line.
func describe(e events.Event) string {
	switch e.Type {
	case events.RunStart:
		d, err := events.Decode[events.RunStartData](e)
		if err != nil {
			return err.Error()
		}
		s := fmt.Sprintf("%d files, %s mode, status %s", d.Files, d.ReviewMode, d.Status)
		if d.Attached {
			s += " (attached)"
		}
		return s
	case events.PhaseStart:
		d, err := events.Decode[events.PhaseStartData](e)
		if err != nil {
			return err.Error()
		}
		return string(d.Phase)
	case events.PhaseComplete:
		d, err := events.Decode[events.PhaseCompleteData](e)
		if err != nil {
			return err.Error()
		}
		s := fmt.Sprintf("%s in %s", d.Phase, time.Duration(d.DurationMs)*time.Millisecond)
		if d.Summary != "" {
			s += ": " + d.Summary
		}
		return s
	case events.FileStart, events.FileComplete, events.FileError:
		d, err := events.Decode[events.FileData](e)
		if err != nil {
			return err.Error()
		}
		switch {
		case d.Error != "":
			return fmt.Sprintf("%s: %s", d.Name, d.Error)
		case e.Type == events.FileComplete:
			return fmt.Sprintf("%s: %d sheets, %d rows", d.Name, d.Sheets, d.Rows)
		}
		return d.Name
	case events.Progress:
		d, err := events.Decode[models.Progress](e)
		if err != nil {
			return err.Error()
		}
		return strings.TrimSpace(fmt.Sprintf("%d%% %s", d.Percent, d.Message))
	case events.SheetAnalysis:
		d, err := events.Decode[models.SheetAnalysis](e)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%s/%s: %d columns", d.FileName, d.Sheet, len(d.Columns))
	case events.ExtractionPlan:
		d, err := events.Decode[events.PlanData](e)
		if err != nil {
			return err.Error()
		}
		if d.Plan == nil {
			return "empty plan"
		}
		return fmt.Sprintf("%d tables, %d relationships", len(d.Plan.Tables), len(d.Plan.Relationships))
	case events.ReviewReady:
		d, err := events.Decode[events.ReviewReadyData](e)
		if err != nil {
			return err.Error()
		}
		return "waiting for review of " + strings.Join(d.Tables, ", ")
	case events.TableStart, events.TableComplete, events.TableError:
		d, err := events.Decode[events.TableData](e)
		if err != nil {
			return err.Error()
		}
		switch {
		case d.Error != "":
			return fmt.Sprintf("%s: %s", d.Table, d.Error)
		case e.Type == events.TableComplete:
			s := fmt.Sprintf("%s: %d rows", d.Table, d.Rows)
			if d.CoercionFailures > 0 {
				s += fmt.Sprintf(", %d coercion failures", d.CoercionFailures)
			}
			return s
		}
		return d.Table
	case events.ValidationResult:
		d, err := events.Decode[models.ValidationReport](e)
		if err != nil {
			return err.Error()
		}
		if d.Passed {
			return fmt.Sprintf("passed (%d tables)", len(d.Tables))
		}
		return fmt.Sprintf("errors found (%d tables)", len(d.Tables))
	case events.TokenUpdate:
		d, err := events.Decode[events.TokenUpdateData](e)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("+%d tokens, %d total", d.Delta.TotalTokens, d.Total.TotalTokens)
	case events.Text:
		d, err := events.Decode[events.TextData](e)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("[%s] %s", d.Kind, d.Text)
	case events.RunComplete:
		d, err := events.Decode[events.RunCompleteData](e)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%d tables, %d rows, %d tokens in %s",
			d.Tables, d.Rows, d.TokensUsed.TotalTokens, time.Duration(d.DurationMs)*time.Millisecond)
	case events.RunError:
		d, err := events.Decode[events.RunErrorData](e)
		if err != nil {
			return err.Error()
		}
		if d.Error == "" {
			return d.Code
		}
		return d.Code + ": " + d.Error
	}
	return ""
}
