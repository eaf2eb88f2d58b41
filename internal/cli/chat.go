package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/agent"
	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/harness"
	"github.com/ppiankov/mcprun/internal/history"
	"github.com/ppiankov/mcprun/internal/reporter"
)

// unboundedPhase stands in for "no timeout" in the interactive loop.
const unboundedPhase = 24 * time.Hour

func newChatCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive loop: each line is a task for the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(context.Background(), cmd, provider)
			if err != nil {
				return err
			}
			defer sess.Close()
			return chatLoop(sess)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "model provider: anthropic or openai (default from config)")
	return cmd
}

func chatLoop(sess *session) error {
	out := reporter.NewTextReporter(os.Stdout, isTerminal())
	if isTerminal() {
		out.RenderMarkdown(0)
	}
	var observer func(agent.Event)
	if verbose {
		observer = out.PrintEvent
	}

	c := &chat{
		sess:     sess,
		w:        os.Stdout,
		errW:     os.Stderr,
		out:      out,
		runner:   sess.newRunner(),
		newAgent: func() chatAgent { return sess.newAgent(observer) },
	}
	c.initT, c.execT = chatTimeouts(sess.settings)

	watcher, err := config.WatchFile(sess.mcpPath)
	if err != nil {
		slog.Warn("config reload disabled", "path", sess.mcpPath, "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		c.changed = watcher.Pending
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "mcprun> ",
		HistoryFile:       filepath.Join(filepath.Dir(firstNonEmpty(sess.settings.History, history.DefaultPath())), "chat_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	fmt.Fprintf(os.Stdout, "mcprun %s: %s via %s, %d tool server(s). Type 'exit' to quit.\n",
		Version, sess.model.Model(), sess.provider, len(sess.servers))

	return c.loop(rl.Readline)
}

// chatAgent is what the loop needs from an agent. *agent.Agent satisfies it.
type chatAgent interface {
	harness.Agent
	Close() error
}

// chat holds the interactive loop state. One agent serves consecutive
// tasks until it is abandoned or the server config changes.
type chat struct {
	sess   *session
	w      io.Writer
	errW   io.Writer
	out    *reporter.TextReporter
	runner *harness.Runner
	initT  time.Duration
	execT  time.Duration

	newAgent func() chatAgent
	changed  func() bool // reports a server config change since the last call
	agent    chatAgent
}

// loop reads lines from next until exit or end of input.
func (c *chat) loop(next func() (string, error)) error {
	c.agent = c.newAgent()
	defer func() { _ = c.agent.Close() }()

	for {
		line, err := next()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		task := strings.TrimSpace(line)
		if task == "" {
			continue
		}
		if isExit(task) {
			return nil
		}
		c.handle(task)
		fmt.Fprintln(c.w)
	}
}

// handle runs one task and prints its outcome.
func (c *chat) handle(task string) harness.Outcome {
	// a config change takes effect before the next task, never mid-run
	if c.changed != nil && c.changed() {
		c.reload()
	}

	outcome := c.run(task)
	c.out.PrintOutcome(outcome, c.sess.hints())

	// an abandoned phase may still hold the agent; start the next task on a fresh one
	if abandoned(outcome) {
		go func(old chatAgent) { _ = old.Close() }(c.agent)
		c.agent = c.newAgent()
	}
	return outcome
}

// run executes one task; Ctrl-C cancels the task, not the loop.
func (c *chat) run(task string) harness.Outcome {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runID := c.sess.recordStart(ctx, task)
	outcome := c.runner.Run(ctx, c.agent, harness.Request{Task: task, InitTimeout: c.initT, ExecTimeout: c.execT})
	c.sess.recordFinish(runID, outcome)
	return outcome
}

// reload re-reads the server config and swaps in a fresh agent. On a bad
// config the current agent is kept.
func (c *chat) reload() {
	if err := c.sess.loadServers(); err != nil {
		fmt.Fprintf(c.errW, "config change ignored: %v\n", err)
		return
	}
	_ = c.agent.Close()
	c.agent = c.newAgent()
	fmt.Fprintf(c.w, "reloaded %s (%d tool server(s))\n", c.sess.mcpPath, len(c.sess.servers))
}

// chatTimeouts uses configured bounds, or effectively none.
func chatTimeouts(s *config.Settings) (time.Duration, time.Duration) {
	initT, execT := s.InitTimeout, s.ExecTimeout
	if initT <= 0 {
		initT = unboundedPhase
	}
	if execT <= 0 {
		execT = unboundedPhase
	}
	return initT, execT
}

func abandoned(o harness.Outcome) bool {
	return o.Kind.IsTimeout() || o.Message == "cancelled"
}

func isExit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "exit")
}
