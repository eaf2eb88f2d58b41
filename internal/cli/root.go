package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/mcp"
)

// Version, Commit and BuildDate are set via LDFLAGS at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	verbose       bool
	configFile    string
	envFile       string
	mcpConfigFile string
	metricsAddr   string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcprun",
		Short: "Run chat-model tasks against MCP tool servers",
		Long:  "mcprun connects a chat model to the MCP tool servers named in a config file and runs tasks with separate startup and execution timeouts.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
			mcp.ClientVersion = Version
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging and show tool calls")
	root.PersistentFlags().StringVar(&configFile, "config", ".mcprun.yml", "path to config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file with API keys")
	root.PersistentFlags().StringVar(&mcpConfigFile, "mcp-config", config.DefaultMCPConfig, "MCP server config (mcpServers JSON)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /history on this address while running")

	root.AddCommand(newChatCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newVersionCmd())

	return root
}
