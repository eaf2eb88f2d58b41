package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/mcprun/internal/agent"
	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/harness"
	"github.com/ppiankov/mcprun/internal/history"
	"github.com/ppiankov/mcprun/internal/llm"
	"github.com/ppiankov/mcprun/internal/mcp"
	"github.com/ppiankov/mcprun/internal/reporter"
)

// session is the wiring shared by commands that talk to tool servers:
// merged settings, the model client, server specs, and optional history
// and metrics.
type session struct {
	settings *config.Settings
	provider string
	mcpPath  string
	model    llm.Client
	servers  []mcp.ServerSpec
	store    *history.Store
	metrics  *harness.Metrics

	stopServer func()
}

// openSession loads settings, credentials and the server config. provider
// overrides the configured provider when non-empty.
func openSession(ctx context.Context, cmd *cobra.Command, provider string) (*session, error) {
	return newSession(ctx, cmd, provider, true)
}

// openToolSession is openSession without a model client: starting tool
// servers needs no API key.
func openToolSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	return newSession(ctx, cmd, "", false)
}

func newSession(ctx context.Context, cmd *cobra.Command, provider string, withModel bool) (*session, error) {
	settings, err := config.LoadSettings(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	s := &session{settings: settings}
	s.provider = strings.ToLower(strings.TrimSpace(firstNonEmpty(provider, settings.Provider, config.DefaultProvider)))
	s.mcpPath = flagOrSetting(cmd, "mcp-config", mcpConfigFile, settings.MCPConfig)

	if withModel {
		creds, err := config.LoadCredentials(flagOrSetting(cmd, "env-file", envFile, settings.EnvFile))
		if err != nil {
			return nil, err
		}
		s.model, err = buildModel(s.provider, settings, creds)
		if err != nil {
			return nil, err
		}
	}
	if err := s.loadServers(); err != nil {
		return nil, err
	}

	// listing tools records no runs
	if withModel {
		s.openHistory(ctx)
	}

	if addr := flagOrSetting(cmd, "metrics-addr", metricsAddr, settings.MetricsAddr); addr != "" {
		reg := prometheus.NewRegistry()
		s.metrics, err = harness.NewMetrics(reg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.stopServer, err = startStatusServer(addr, reg, s.store)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// loadServers (re)reads the MCP server config.
func (s *session) loadServers() error {
	sf, err := config.LoadServers(s.mcpPath)
	if err != nil {
		return err
	}
	specs, err := sf.Specs()
	if err != nil {
		return fmt.Errorf("mcp config %s: %w", s.mcpPath, err)
	}
	s.servers = specs
	return nil
}

// openHistory opens the run store. History is best-effort: a store that
// cannot be opened is logged and skipped.
func (s *session) openHistory(ctx context.Context) {
	path := firstNonEmpty(s.settings.History, history.DefaultPath())
	store, err := history.Open(ctx, path)
	if err != nil {
		slog.Warn("run history disabled", "path", path, "error", err)
		return
	}
	if n, err := store.RecoverInterrupted(ctx); err != nil {
		slog.Warn("recover interrupted runs", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs", "count", n)
	}
	slog.Debug("run history", "path", store.Path())
	s.store = store
}

// newAgent builds a fresh agent over the current server specs.
func (s *session) newAgent(observer func(agent.Event)) *agent.Agent {
	return agent.New(s.model, agent.Config{
		Servers:      s.servers,
		MaxSteps:     s.settings.MaxSteps,
		MaxTokens:    s.settings.MaxTokens,
		SystemPrompt: s.settings.SystemPrompt,
		Observer:     observer,
	})
}

func (s *session) newRunner(opts ...harness.Option) *harness.Runner {
	return harness.New(append([]harness.Option{harness.WithMetrics(s.metrics)}, opts...)...)
}

func (s *session) hints() reporter.Hints {
	h := reporter.Hints{MCPConfig: s.mcpPath}
	for _, spec := range s.servers {
		h.Servers = append(h.Servers, spec.String())
	}
	return h
}

// recordStart stores a new in-progress run; "" when history is off.
func (s *session) recordStart(ctx context.Context, task string) string {
	if s.store == nil {
		return ""
	}
	id, err := s.store.Start(ctx, s.provider, task)
	if err != nil {
		slog.Warn("record run", "error", err)
		return ""
	}
	return id
}

func (s *session) recordFinish(id string, o harness.Outcome) {
	if s.store == nil || id == "" {
		return
	}
	// the run context may already be cancelled
	if err := s.store.Finish(context.Background(), id, o); err != nil {
		slog.Warn("record outcome", "run", id, "error", err)
	}
}

// Close stops the status server and closes history.
func (s *session) Close() {
	if s.stopServer != nil {
		s.stopServer()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildModel creates the provider client after checking its API key.
func buildModel(provider string, settings *config.Settings, creds *config.Credentials) (llm.Client, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !slices.Contains(llm.Providers, provider) {
		return nil, fmt.Errorf("unknown provider %q (supported: %s)", provider, strings.Join(llm.Providers, ", "))
	}
	o := settings.Overrides(provider)
	keyName := llm.APIKeyEnv(provider)

	var key string
	var err error
	if o.APIKey != "" {
		key, err = config.ResolveSecret(o.APIKey)
		if err == nil && config.IsPlaceholder(key) {
			err = config.ErrPlaceholderCredential
		}
	} else {
		key, err = creds.RequireKey(keyName)
	}
	if err != nil {
		return nil, fmt.Errorf("%s API key: %w (set %s in the environment or %s)", provider, err, keyName, envFile)
	}

	return llm.New(provider, llm.Options{
		APIKey:     key,
		Model:      o.Model,
		BaseURL:    o.BaseURL,
		MaxRetries: settings.Retries(),
	})
}

// flagOrSetting returns the flag value when set explicitly, else the
// settings value, else the flag default.
func flagOrSetting(cmd *cobra.Command, name, flagValue, setting string) string {
	if cmd != nil && cmd.Flags().Changed(name) {
		return flagValue
	}
	if setting != "" {
		return setting
	}
	return flagValue
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isTerminal() bool {
	return isTerminalFile(os.Stdout)
}

func isTerminalFile(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
