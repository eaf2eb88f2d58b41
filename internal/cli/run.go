package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/agent"
	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/harness"
	"github.com/ppiankov/mcprun/internal/reporter"
)

// Exit codes for a scripted run.
const (
	ExitError   = 1
	ExitTimeout = 2
)

// OutcomeError reports a run that did not succeed. The outcome has already
// been printed; callers map it to an exit code and stay quiet.
type OutcomeError struct {
	Outcome harness.Outcome
}

func (e *OutcomeError) Error() string {
	return e.Outcome.Err().Error()
}

func (e *OutcomeError) Unwrap() error {
	return e.Outcome.Err()
}

// ExitCode is ExitTimeout for either timeout kind and ExitError otherwise.
func (e *OutcomeError) ExitCode() int {
	if e.Outcome.Kind.IsTimeout() {
		return ExitTimeout
	}
	return ExitError
}

func newRunCmd() *cobra.Command {
	var (
		task        string
		provider    string
		timeoutSecs int
		initTimeout time.Duration
		execTimeout time.Duration
		jsonOut     bool
		tuiMode     string
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run one task with startup and execution timeouts",
		Long: `Run one task and exit. Exit status is 0 on success, 2 when a phase
timed out, and 1 on any other failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" {
				task = strings.Join(args, " ")
			}
			if strings.TrimSpace(task) == "" {
				return fmt.Errorf("no task: pass --task or a positional argument")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sess, err := openSession(ctx, cmd, provider)
			if err != nil {
				return err
			}
			defer sess.Close()

			initT, execT, err := runTimeouts(cmd, sess.settings, timeoutSecs, initTimeout, execTimeout)
			if err != nil {
				return err
			}

			var observer func(agent.Event)
			if verbose {
				observer = reporter.NewTextReporter(os.Stderr, isTerminalFile(os.Stderr)).PrintEvent
			}
			ag := sess.newAgent(observer)
			defer func() {
				if err := ag.Close(); err != nil {
					slog.Debug("stop tool servers", "error", err)
				}
			}()

			return runOnce(ctx, cancel, sess, ag, runOptions{
				task:    task,
				initT:   initT,
				execT:   execT,
				jsonOut: jsonOut,
				live:    liveEnabled(tuiMode, jsonOut, isTerminalFile(os.Stderr)),
				out:     cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "task for the agent")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider: anthropic or openai (default from config)")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 60, "execution timeout in seconds, used when --exec-timeout is not set")
	cmd.Flags().DurationVar(&initTimeout, "init-timeout", config.DefaultInitTimeout, "tool server startup timeout")
	cmd.Flags().DurationVar(&execTimeout, "exec-timeout", 0, "task execution timeout (overrides --timeout)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the outcome as JSON")
	cmd.Flags().StringVar(&tuiMode, "tui", "auto", "live status line: on, off, auto (detect TTY)")

	return cmd
}

type runOptions struct {
	task    string
	initT   time.Duration
	execT   time.Duration
	jsonOut bool
	live    bool
	out     io.Writer
}

// runOnce runs one task on ag, reports the outcome to opts.out and returns
// an *OutcomeError unless it succeeded.
func runOnce(ctx context.Context, cancel context.CancelFunc, sess *session, ag harness.Agent, opts runOptions) error {
	tracker := reporter.NewPhaseTracker()
	runner := sess.newRunner(harness.WithPhaseHook(tracker.Enter))

	var program *tea.Program
	programDone := make(chan struct{})
	if opts.live {
		program = tea.NewProgram(reporter.NewPhaseModel(opts.task, tracker.Snapshot, cancel), tea.WithOutput(os.Stderr))
		go func() {
			defer close(programDone)
			if _, err := program.Run(); err != nil {
				slog.Warn("TUI error", "error", err)
			}
		}()
	}

	runID := sess.recordStart(ctx, opts.task)
	outcome := runner.Run(ctx, ag, harness.Request{
		Task:        opts.task,
		InitTimeout: opts.initT,
		ExecTimeout: opts.execT,
	})
	sess.recordFinish(runID, outcome)

	if program != nil {
		program.Quit()
		<-programDone
	}

	if opts.jsonOut {
		if err := reporter.WriteJSON(opts.out, reporter.NewOutcomeReport(runID, sess.provider, opts.task, outcome)); err != nil {
			return err
		}
	} else {
		reporter.NewTextReporter(opts.out, isTerminal()).PrintOutcome(outcome, sess.hints())
	}

	if !outcome.Success() {
		return &OutcomeError{Outcome: outcome}
	}
	return nil
}

// runTimeouts picks the per-phase bounds. An explicit phase flag wins, then
// the settings file; init falls back to its flag default and exec to
// --timeout seconds.
func runTimeouts(cmd *cobra.Command, s *config.Settings, timeoutSecs int, initFlag, execFlag time.Duration) (time.Duration, time.Duration, error) {
	initT := initFlag
	if !cmd.Flags().Changed("init-timeout") && s.InitTimeout > 0 {
		initT = s.InitTimeout
	}

	var execT time.Duration
	switch {
	case cmd.Flags().Changed("exec-timeout"):
		execT = execFlag
	case cmd.Flags().Changed("timeout"):
		execT = time.Duration(timeoutSecs) * time.Second
	case s.ExecTimeout > 0:
		execT = s.ExecTimeout
	default:
		execT = time.Duration(timeoutSecs) * time.Second
	}

	if initT <= 0 {
		return 0, 0, fmt.Errorf("init timeout must be positive, got %s", initT)
	}
	if execT <= 0 {
		return 0, 0, fmt.Errorf("exec timeout must be positive, got %s", execT)
	}
	return initT, execT, nil
}

// liveEnabled decides whether to draw the status line. It is drawn on
// stderr, so auto mode follows stderrTTY.
func liveEnabled(mode string, jsonOut, stderrTTY bool) bool {
	if jsonOut || verbose {
		return false
	}
	switch mode {
	case "on":
		return true
	case "off":
		return false
	default:
		return stderrTTY
	}
}
