package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/sheetflow/internal/client"
	"github.com/raphaelgruber/sheetflow/internal/events"
	"github.com/raphaelgruber/sheetflow/internal/models"
)

// maxLogLines bounds the event log shown under the progress bar.
const maxLogLines = 8

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Warning    lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries one stream event into the model.
type eventMsg events.Event

// streamClosedMsg signals that the event channel was closed.
type streamClosedMsg struct{}

// streamModel is the bubbletea model following a run's event stream.
type streamModel struct {
	runID    string
	events   <-chan events.Event
	cancel   func() // nil when the transport cannot carry a cancel request
	progress progress.Model
	theme    Theme

	status     models.RunStatus
	phase      models.Phase
	percent    float64
	message    string
	tokens     models.TokenUsage
	reviewWait []string
	log        []string
	lastBeat   time.Time

	final      *events.Event
	cancelling bool
	quitting   bool
	ended      bool
}

// newStreamModel creates a model reading from ch.
func newStreamModel(runID string, ch <-chan events.Event, cancel func()) streamModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return streamModel{
		runID:    runID,
		events:   ch,
		cancel:   cancel,
		progress: prog,
		theme:    defaultTheme,
		status:   models.StatusPending,
	}
}

// Init starts waiting for the first event.
func (m streamModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// Update handles messages and returns the updated model.
func (m streamModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if m.cancel != nil && !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
		}

	case eventMsg:
		e := events.Event(msg)
		m = m.apply(e)
		if e.Type.IsTerminal() {
			m.final = &e
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.ended = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds one event into the display state.
func (m streamModel) apply(e events.Event) streamModel {
	switch e.Type {
	case events.Heartbeat:
		m.lastBeat = e.TS
		return m
	case events.RunStart:
		if d, err := events.Decode[events.RunStartData](e); err == nil {
			m.status = d.Status
		}
	case events.PhaseStart:
		if d, err := events.Decode[events.PhaseStartData](e); err == nil {
			m.phase = d.Phase
			m.status = d.Status
		}
	case events.Progress:
		if d, err := events.Decode[models.Progress](e); err == nil {
			m.percent = float64(d.Percent) / 100
			m.message = d.Message
		}
		return m
	case events.TokenUpdate:
		if d, err := events.Decode[events.TokenUpdateData](e); err == nil {
			m.tokens = d.Total
		}
		return m
	case events.ReviewReady:
		if d, err := events.Decode[events.ReviewReadyData](e); err == nil {
			m.status = models.StatusReviewPending
			m.reviewWait = d.Tables
		}
	case events.TableStart:
		m.reviewWait = nil
	}

	line := fmt.Sprintf("%-15s %s", e.Type, describe(e))
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	return m
}

// View renders the progress display.
func (m streamModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m streamModel) renderContent() string {
	if m.final != nil || m.quitting || m.ended {
		return m.finalView()
	}

	var b strings.Builder
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.status))
	fmt.Fprintf(&b, "%s %s %s\n", status, m.progress.ViewAs(m.percent), m.message)

	if !m.tokens.IsZero() {
		fmt.Fprintf(&b, "tokens: %d\n", m.tokens.TotalTokens)
	}
	b.WriteString("\n")
	for _, line := range m.log {
		b.WriteString("  " + line + "\n")
	}

	if len(m.reviewWait) > 0 {
		msg := fmt.Sprintf("\nPlan ready for review: %s\nRun 'sheetflow review %s' to continue.\n",
			strings.Join(m.reviewWait, ", "), m.runID)
		b.WriteString(m.theme.warningStyle().Render(msg) + "\n")
	}

	var hint string
	switch {
	case m.cancelling:
		hint = "Cancelling..."
	case m.cancel != nil:
		hint = "Press c to cancel the run, Ctrl+C to close the stream"
	default:
		hint = "Press Ctrl+C to close the stream"
	}
	b.WriteString(m.theme.hintStyle().Render(hint) + "\n")
	return b.String()
}

// finalView renders the completion message.
func (m streamModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nStream closed. Use 'sheetflow get %s' to check the run.\n", m.runID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.final == nil {
		return m.theme.errorStyle().Render("\n✗ Stream ended before the run finished\n")
	}

	switch m.final.Type {
	case events.RunComplete:
		d, _ := events.Decode[events.RunCompleteData](*m.final)
		var output string
		output += m.theme.completedStyle().Render("✓ Completed") + "\n\n"
		output += fmt.Sprintf("  Tables written: %d\n", d.Tables)
		output += fmt.Sprintf("  Rows written:   %d\n", d.Rows)
		if !d.TokensUsed.IsZero() {
			output += fmt.Sprintf("  Tokens used:    %d\n", d.TokensUsed.TotalTokens)
		}
		output += fmt.Sprintf("  Duration:       %s\n", time.Duration(d.DurationMs)*time.Millisecond)
		return output
	default:
		d, _ := events.Decode[events.RunErrorData](*m.final)
		if d.Code == events.CodeCancelled {
			return m.theme.warningStyle().Render("\n✗ Run cancelled\n")
		}
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run failed: %s\n", d.Error))
	}
}

// waitForEvent returns a command that blocks until the next event arrives.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

// RunStreamView follows a run in the interactive progress UI.
// Returns nil on completion or when the user closes the view, an error when the
// run fails or is cancelled or the stream breaks.
func RunStreamView(ctx context.Context, c *client.Client, id string, useWS bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	ch := make(chan events.Event, 64)
	cancelReq := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		errCh <- openStream(ctx, c, id, useWS, cancelReq, func(e events.Event) error {
			select {
			case ch <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var cancel func()
	if useWS {
		cancel = sync.OnceFunc(func() { close(cancelReq) })
	}
	model := newStreamModel(id, ch, cancel)

	finalModel, err := tea.NewProgram(model).Run()
	stop()
	streamErr := <-errCh
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(streamModel)
	if !ok {
		return streamErr
	}
	// Closing the view is not an error; the server applies its disconnect policy.
	if m.quitting {
		return nil
	}
	if m.final != nil {
		return runErr(*m.final)
	}
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return streamErr
	}
	return client.ErrStreamEnded
}
