package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/agent"
	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/reporter"
)

func newToolsCmd() *cobra.Command {
	var (
		initTimeout time.Duration
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Start the configured tool servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sess, err := openToolSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if !cmd.Flags().Changed("init-timeout") && sess.settings.InitTimeout > 0 {
				initTimeout = sess.settings.InitTimeout
			}

			ag := sess.newAgent(nil)
			defer func() { _ = ag.Close() }()

			outcome := sess.newRunner().Initialize(ctx, ag, initTimeout)
			if !outcome.Success() {
				reporter.NewTextReporter(os.Stdout, isTerminal()).PrintOutcome(outcome, sess.hints())
				return &OutcomeError{Outcome: outcome}
			}
			if jsonOut {
				return writeToolsJSON(cmd.OutOrStdout(), ag)
			}
			reporter.NewTextReporter(cmd.OutOrStdout(), isTerminal()).PrintTools(ag.Catalog())
			return nil
		},
	}

	cmd.Flags().DurationVar(&initTimeout, "init-timeout", config.DefaultInitTimeout, "tool server startup timeout")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print tool definitions, with input schemas, as JSON")
	return cmd
}

type toolJSON struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// writeToolsJSON prints the definitions exactly as they are advertised to
// the model.
func writeToolsJSON(w io.Writer, ag *agent.Agent) error {
	servers := make(map[string]string)
	for _, info := range ag.Catalog() {
		servers[info.Name] = info.Server
	}
	out := make([]toolJSON, 0, len(servers))
	for _, def := range ag.Tools() {
		out = append(out, toolJSON{
			Name:        def.Name,
			Server:      servers[def.Name],
			Description: def.Description,
			InputSchema: def.Schema,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
