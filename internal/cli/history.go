package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/history"
	"github.com/ppiankov/mcprun/internal/reporter"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := firstNonEmpty(settings.History, history.DefaultPath())
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			ctx := context.Background()
			store, err := history.Open(ctx, path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOut {
				out := make([]historyJSON, 0, len(entries))
				for _, e := range entries {
					out = append(out, toHistoryJSON(e))
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			reporter.NewTextReporter(cmd.OutOrStdout(), isTerminal()).PrintHistory(entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}
