// Package agent implements the tool-calling loop: a chat model decides which
// tools to call on the configured MCP servers until it produces an answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/mcprun/internal/llm"
	"github.com/ppiankov/mcprun/internal/mcp"
)

// DefaultMaxSteps bounds the model/tool round trips of one run.
const DefaultMaxSteps = 30

const maxToolOutput = 100 * 1024

var (
	// ErrNotInitialized is returned by Run before Initialize succeeded.
	ErrNotInitialized = errors.New("agent not initialized")
	// ErrMaxSteps is returned when the model keeps calling tools past MaxSteps.
	ErrMaxSteps = errors.New("max steps reached without a final answer")
)

// ToolServer is one connected tool server. *mcp.Client implements it.
type ToolServer interface {
	Name() string
	Start(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
	Stop() error
}

// Config holds everything the agent needs; nothing is read from the
// environment.
type Config struct {
	Servers      []mcp.ServerSpec
	MaxSteps     int
	SystemPrompt string
	MaxTokens    int
	// Observer, if set, receives an Event for every tool call and the final reply.
	Observer func(Event)
	// NewServer builds a ToolServer for a spec; defaults to mcp.NewClient.
	NewServer func(mcp.ServerSpec) ToolServer
}

type route struct {
	server ToolServer
	tool   string
}

// Agent drives one model against a set of tool servers. It is not safe for
// concurrent Runs.
type Agent struct {
	model llm.Client
	cfg   Config

	mu          sync.Mutex
	initialized bool
	servers     []ToolServer
	tools       []llm.ToolDef
	routes      map[string]route
}

// New creates an agent. No server is started until Initialize.
func New(model llm.Client, cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.NewServer == nil {
		cfg.NewServer = func(s mcp.ServerSpec) ToolServer { return mcp.NewClient(s) }
	}
	return &Agent{model: model, cfg: cfg}
}

// Initialize starts every tool server concurrently and collects their tools.
// It is a no-op once it has succeeded. On failure every server is stopped
// and a later call starts over with fresh connections.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	servers := make([]ToolServer, len(a.cfg.Servers))
	for i, spec := range a.cfg.Servers {
		servers[i] = a.cfg.NewServer(spec)
	}
	listed := make([][]mcp.Tool, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			start := time.Now()
			if err := s.Start(gctx); err != nil {
				return err
			}
			tools, err := s.ListTools(gctx)
			if err != nil {
				return err
			}
			listed[i] = tools
			slog.Debug("tool server ready", "server", s.Name(), "tools", len(tools), "elapsed", time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stopAll(servers)
		return err
	}

	a.servers = servers
	a.tools, a.routes = buildToolIndex(servers, listed)
	a.initialized = true
	return nil
}

// Tools returns the tool definitions advertised to the model.
func (a *Agent) Tools() []llm.ToolDef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.ToolDef(nil), a.tools...)
}

// ToolInfo describes one advertised tool and the server that serves it.
type ToolInfo struct {
	Name        string
	Server      string
	Description string
}

// Catalog lists advertised tools with their owning server, sorted by name.
func (a *Agent) Catalog() []ToolInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolInfo, 0, len(a.tools))
	for _, def := range a.tools {
		r := a.routes[def.Name]
		out = append(out, ToolInfo{Name: def.Name, Server: r.server.Name(), Description: def.Description})
	}
	return out
}

// Run executes task and returns the model's final answer.
func (a *Agent) Run(ctx context.Context, task string) (string, error) {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return "", ErrNotInitialized
	}
	tools, routes := a.tools, a.routes
	a.mu.Unlock()

	msgs := []llm.Message{{Role: llm.RoleUser, Content: task}}
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := a.model.Complete(ctx, llm.Request{
			System:    a.cfg.SystemPrompt,
			Messages:  msgs,
			Tools:     tools,
			MaxTokens: a.cfg.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("step %d: %w", step, err)
		}
		slog.Debug("model replied", "step", step, "tool_calls", len(resp.ToolCalls),
			"stop_reason", resp.StopReason, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

		if len(resp.ToolCalls) == 0 {
			a.emit(Event{Kind: EventAnswer, Step: step, Output: resp.Content})
			return resp.Content, nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			out, isErr := a.invoke(ctx, routes, step, tc)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: out, IsError: isErr})
		}
	}
	return "", fmt.Errorf("%w (%d steps)", ErrMaxSteps, a.cfg.MaxSteps)
}

// invoke runs one tool call. Failures are returned as error text for the
// model to react to; they do not end the run.
func (a *Agent) invoke(ctx context.Context, routes map[string]route, step int, tc llm.ToolCall) (string, bool) {
	r, ok := routes[tc.Name]
	if !ok {
		a.emit(Event{Kind: EventToolResult, Step: step, Tool: tc.Name, Output: "unknown tool", IsError: true})
		return fmt.Sprintf("unknown tool %q", tc.Name), true
	}

	a.emit(Event{Kind: EventToolCall, Step: step, Server: r.server.Name(), Tool: r.tool, Arguments: tc.Arguments})
	start := time.Now()
	res, err := r.server.CallTool(ctx, r.tool, tc.Arguments)
	elapsed := time.Since(start)

	var out string
	var isErr bool
	if err != nil {
		out, isErr = err.Error(), true
	} else {
		out, isErr = res.Text(), res.IsError
	}
	if len(out) > maxToolOutput {
		out = out[:maxToolOutput] + "\n[output truncated]"
	}
	a.emit(Event{Kind: EventToolResult, Step: step, Server: r.server.Name(), Tool: r.tool,
		Output: out, IsError: isErr, Duration: elapsed})
	return out, isErr
}

func (a *Agent) emit(ev Event) {
	if a.cfg.Observer != nil {
		a.cfg.Observer(ev)
	}
}

// Close stops every tool server.
func (a *Agent) Close() error {
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.initialized = false
	a.mu.Unlock()
	return stopAll(servers)
}

func stopAll(servers []ToolServer) error {
	var wg sync.WaitGroup
	errs := make([]error, len(servers))
	for i, s := range servers {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// buildToolIndex names tools for the model. A tool keeps its own name unless
// two servers expose the same one, in which case both are prefixed with
// their server name. Names are restricted to what provider APIs accept.
func buildToolIndex(servers []ToolServer, listed [][]mcp.Tool) ([]llm.ToolDef, map[string]route) {
	seen := make(map[string]int)
	for _, tools := range listed {
		for _, t := range tools {
			seen[t.Name]++
		}
	}

	var defs []llm.ToolDef
	routes := make(map[string]route)
	for i, tools := range listed {
		for _, t := range tools {
			name := t.Name
			if seen[t.Name] > 1 {
				name = servers[i].Name() + "__" + t.Name
			}
			name = invalidToolChars.ReplaceAllString(name, "_")
			if len(name) > 64 {
				name = name[:64]
			}
			if _, dup := routes[name]; dup {
				slog.Warn("duplicate tool name after normalization, skipping", "server", servers[i].Name(), "tool", t.Name)
				continue
			}
			routes[name] = route{server: servers[i], tool: t.Name}
			defs = append(defs, llm.ToolDef{Name: name, Description: t.Description, Schema: t.InputSchema})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, routes
}
