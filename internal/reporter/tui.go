package reporter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/mcprun/internal/harness"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// TUI styles
var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	timeoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// PhaseSnapshot is the state shown by the live view.
type PhaseSnapshot struct {
	Phase   harness.Phase
	Limit   time.Duration
	Elapsed time.Duration
}

// PhaseTracker records which phase a run is in. Its Enter method matches
// harness.WithPhaseHook. Safe for concurrent use.
type PhaseTracker struct {
	mu      sync.Mutex
	phase   harness.Phase
	limit   time.Duration
	started time.Time
	now     func() time.Time
}

// NewPhaseTracker creates a tracker with no phase entered.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{now: time.Now}
}

// Enter marks the start of phase p bounded by limit.
func (t *PhaseTracker) Enter(p harness.Phase, limit time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
	t.limit = limit
	t.started = t.now()
}

// Snapshot returns the current phase and time spent in it.
func (t *PhaseTracker) Snapshot() PhaseSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == "" {
		return PhaseSnapshot{}
	}
	return PhaseSnapshot{Phase: t.phase, Limit: t.limit, Elapsed: t.now().Sub(t.started)}
}

type tickMsg time.Time

// PhaseModel is the Bubbletea model for the single-run status line.
type PhaseModel struct {
	task      string
	snapshot  func() PhaseSnapshot
	cancelRun func() // called on 'q' to cancel the run context

	current PhaseSnapshot
	frame   int
	done    bool
}

// NewPhaseModel creates a live view for task that polls snapshot.
func NewPhaseModel(task string, snapshot func() PhaseSnapshot, cancelRun func()) PhaseModel {
	return PhaseModel{task: task, snapshot: snapshot, cancelRun: cancelRun}
}

// Init implements tea.Model.
func (m PhaseModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m PhaseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancelRun != nil {
				m.cancelRun()
			}
			m.done = true
			return m, tea.Quit
		}

	case tickMsg:
		m.current = m.snapshot()
		m.frame++
		return m, tickCmd()
	}

	return m, nil
}

// View implements tea.Model.
func (m PhaseModel) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder
	spinner := spinnerChars[m.frame%len(spinnerChars)]
	b.WriteString(runStyle.Render(fmt.Sprintf("%s %s", spinner, phaseLabel(m.current))))
	if m.current.Phase != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s / %s",
			m.current.Elapsed.Truncate(100*time.Millisecond), m.current.Limit)))
	}
	b.WriteString("  ")
	b.WriteString(shorten(oneLine(m.task), 60))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  q: cancel"))
	return b.String()
}

func phaseLabel(s PhaseSnapshot) string {
	switch s.Phase {
	case harness.PhaseInit:
		return "starting tool servers"
	case harness.PhaseExec:
		return "running task"
	default:
		return "preparing"
	}
}
