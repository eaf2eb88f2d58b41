package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ppiankov/mcprun/internal/agent"
	"github.com/ppiankov/mcprun/internal/harness"
	"github.com/ppiankov/mcprun/internal/history"
)

// Hints carries what the diagnostics need to point the user at a fix.
type Hints struct {
	Servers   []string // server command lines, as the user would type them
	MCPConfig string
}

// TextReporter writes human-readable output to a writer.
type TextReporter struct {
	w       io.Writer
	color   bool
	mdWidth int // >0 renders successful results as markdown
}

// NewTextReporter creates a text reporter.
// If w is nil, defaults to os.Stdout.
// color enables lipgloss styling.
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	if w == nil {
		w = os.Stdout
	}
	return &TextReporter{w: w, color: color}
}

// RenderMarkdown renders results as terminal markdown wrapped at width.
// A width <= 0 uses the terminal width of stdout, or 100.
func (r *TextReporter) RenderMarkdown(width int) {
	if width <= 0 {
		width = 100
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = min(w-4, 120)
		}
	}
	r.mdWidth = width
}

func (r *TextReporter) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

// PrintOutcome writes the result of one run, or a diagnostic for its kind.
func (r *TextReporter) PrintOutcome(o harness.Outcome, h Hints) {
	switch o.Kind {
	case harness.KindSuccess:
		if r.mdWidth > 0 {
			fmt.Fprintln(r.w, strings.TrimRight(string(markdown.Render(o.Result, r.mdWidth, 2)), "\n"))
		} else {
			fmt.Fprintln(r.w, strings.TrimRight(o.Result, "\n"))
		}
		fmt.Fprintln(r.w, r.style(dimStyle, fmt.Sprintf("✓ completed in %s (init %s, exec %s)",
			round(o.Elapsed()), round(o.ElapsedInit), round(o.ElapsedExec))))

	case harness.KindInitTimeout:
		fmt.Fprintln(r.w, r.style(timeoutStyle, fmt.Sprintf("⏱ init timeout: tool servers were not ready within %s", o.Limit)))
		fmt.Fprintln(r.w, "  The MCP server may be taking too long to start.")
		if len(h.Servers) > 0 {
			fmt.Fprintln(r.w, "  Try running it manually to see its output:")
			for _, cmd := range h.Servers {
				fmt.Fprintf(r.w, "    %s\n", cmd)
			}
		}

	case harness.KindExecTimeout:
		fmt.Fprintln(r.w, r.style(timeoutStyle, fmt.Sprintf("⏱ exec timeout: task did not finish within %s", o.Limit)))
		cfg := h.MCPConfig
		if cfg == "" {
			cfg = "the MCP config"
		}
		fmt.Fprintf(r.w, "  The task may need more time, or the server may be stuck. Check the server arguments in %s.\n", cfg)

	case harness.KindInitError:
		fmt.Fprintln(r.w, r.style(failedStyle, "✗ init error: "+o.Message))
		if strings.Contains(o.Message, "executable file not found") {
			fmt.Fprintln(r.w, "  A server command is not installed or not on PATH.")
		}

	case harness.KindExecError:
		fmt.Fprintln(r.w, r.style(failedStyle, "✗ exec error: "+o.Message))
	}
}

// PrintEvent writes one agent event; used in verbose mode.
func (r *TextReporter) PrintEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventToolCall:
		args, _ := json.Marshal(ev.Arguments)
		fmt.Fprintln(r.w, r.style(runStyle, fmt.Sprintf("  → [%d] %s.%s %s", ev.Step, ev.Server, ev.Tool, shorten(string(args), 120))))
	case agent.EventToolResult:
		line := fmt.Sprintf("  ← [%d] %s %s %s", ev.Step, ev.Tool, round(ev.Duration), shorten(oneLine(ev.Output), 100))
		if ev.IsError {
			fmt.Fprintln(r.w, r.style(failedStyle, line))
			return
		}
		fmt.Fprintln(r.w, r.style(dimStyle, line))
	case agent.EventAnswer:
		fmt.Fprintln(r.w, r.style(dimStyle, fmt.Sprintf("  ✓ [%d] answer", ev.Step)))
	}
}

// PrintTools lists discovered tools with the server that serves them.
func (r *TextReporter) PrintTools(tools []agent.ToolInfo) {
	if len(tools) == 0 {
		fmt.Fprintln(r.w, "no tools discovered")
		return
	}
	fmt.Fprintln(r.w, r.style(headerStyle, fmt.Sprintf("%-32s %-16s %s", "TOOL", "SERVER", "DESCRIPTION")))
	for _, t := range tools {
		fmt.Fprintf(r.w, "%-32s %-16s %s\n", t.Name, t.Server, shorten(oneLine(t.Description), 80))
	}
	fmt.Fprintln(r.w, r.style(dimStyle, fmt.Sprintf("%d tools", len(tools))))
}

// PrintHistory writes recorded runs, newest first.
func (r *TextReporter) PrintHistory(entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(r.w, "no runs recorded")
		return
	}
	fmt.Fprintln(r.w, r.style(headerStyle, fmt.Sprintf("%-19s  %-13s %-9s %8s %8s  %s", "STARTED", "OUTCOME", "PROVIDER", "INIT", "EXEC", "TASK")))
	for _, e := range entries {
		kind := e.Kind
		if e.Status != history.StatusFinished {
			kind = e.Status
		}
		line := fmt.Sprintf("%-19s  %-13s %-9s %8s %8s  %s",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"), kind, e.Provider,
			round(e.ElapsedInit), round(e.ElapsedExec), shorten(oneLine(e.Task), 60))
		fmt.Fprintln(r.w, r.style(kindStyle(kind), line))
	}
}

func kindStyle(kind string) lipgloss.Style {
	switch kind {
	case harness.KindSuccess.String():
		return doneStyle
	case harness.KindInitTimeout.String(), harness.KindExecTimeout.String():
		return timeoutStyle
	case harness.KindInitError.String(), harness.KindExecError.String(), history.StatusInterrupted:
		return failedStyle
	default:
		return dimStyle
	}
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
