// Package mcp is a minimal Model Context Protocol client for tool servers
// spoken to over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the MCP revision announced during initialize.
const ProtocolVersion = "2024-11-05"

// ClientVersion is reported to servers in clientInfo.
var ClientVersion = "dev"

const stopGrace = 3 * time.Second

// ErrNotStarted is returned by calls made before Start succeeded.
var ErrNotStarted = errors.New("client not started")

// ServerInfo identifies the server as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool is a callable capability exposed by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text flattens the result into a single string. Non-text blocks are
// summarized by type.
func (r *CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		switch {
		case c.Type == "text":
			parts = append(parts, c.Text)
		case c.MimeType != "":
			parts = append(parts, fmt.Sprintf("[%s %s]", c.Type, c.MimeType))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", c.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// Client talks to one tool server process.
type Client struct {
	spec ServerSpec

	proc     *process
	readDone chan struct{}
	started  atomic.Bool
	info     ServerInfo

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *message
	writeMu sync.Mutex
}

// NewClient creates a client for spec. Nothing is spawned until Start.
func NewClient(spec ServerSpec) *Client {
	return &Client{
		spec:    spec,
		pending: make(map[int64]chan *message),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.spec.Name }

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo { return c.info }

// Start spawns the server and performs the initialize handshake. ctx bounds
// the handshake only; the process keeps running until Stop.
func (c *Client) Start(ctx context.Context) error {
	if c.proc != nil {
		return fmt.Errorf("server %q already started", c.spec.Name)
	}
	proc, err := startProcess(c.spec)
	if err != nil {
		return err
	}
	c.proc = proc
	c.readDone = make(chan struct{})
	go c.readLoop()
	proc.reap(c.readDone)

	if err := c.initialize(ctx); err != nil {
		_ = proc.stop(stopGrace)
		return fmt.Errorf("server %q: initialize: %w", c.spec.Name, err)
	}
	c.started.Store(true)
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      ServerInfo{Name: "mcprun", Version: ClientVersion},
	}
	var result struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	if result.ProtocolVersion != ProtocolVersion {
		slog.Debug("protocol version differs", "server", c.spec.Name,
			"client", ProtocolVersion, "server_version", result.ProtocolVersion)
	}
	c.info = result.ServerInfo
	slog.Debug("tool server initialized", "server", c.spec.Name,
		"name", result.ServerInfo.Name, "version", result.ServerInfo.Version)

	return c.notify("notifications/initialized", nil)
}

// ListTools returns every tool the server exposes, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var page struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor,omitempty"`
		}
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, fmt.Errorf("server %q: tools/list: %w", c.spec.Name, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool. A tool-level failure comes back as a result
// with IsError set; err is reserved for transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	if args == nil {
		args = map[string]any{}
	}
	var result CallResult
	params := map[string]any{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("server %q: tools/call %s: %w", c.spec.Name, name, err)
	}
	return &result, nil
}

// Stop shuts the server down. Safe to call more than once.
func (c *Client) Stop() error {
	if c.proc == nil {
		return nil
	}
	c.started.Store(false)
	return c.proc.stop(stopGrace)
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		return decodeResult(method, msg, out)
	case <-c.readDone:
		// the reader routes a final response before it closes readDone
		select {
		case msg := <-ch:
			return decodeResult(method, msg, out)
		default:
		}
		return fmt.Errorf("server exited: %s", c.proc.describeExit())
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func decodeResult(method string, msg *message, out any) error {
	if msg.Error != nil {
		return msg.Error
	}
	if out != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) notify(method string, params any) error {
	return c.write(notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func (c *Client) write(v any) error {
	line, err := encodeLine(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.proc.stdin.Write(line); err != nil {
		return fmt.Errorf("write: %w (%s)", err, c.proc.describeExit())
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	scanner := bufio.NewScanner(c.proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			// servers sometimes print banners on stdout
			slog.Debug("unparseable line from tool server", "server", c.spec.Name, "error", err)
			continue
		}
		switch {
		case msg.isResponse():
			c.route(&msg)
		case msg.Method != "" && len(msg.ID) > 0:
			c.answerServerRequest(&msg)
		case msg.Method != "":
			slog.Debug("tool server notification", "server", c.spec.Name, "method", msg.Method)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("tool server read loop ended", "server", c.spec.Name, "error", err)
	}
}

func (c *Client) route(msg *message) {
	id, ok := msg.numericID()
	if !ok {
		slog.Debug("response with unknown id", "server", c.spec.Name, "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		// caller already gave up (context cancelled)
		slog.Debug("late response dropped", "server", c.spec.Name, "id", id)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Debug("duplicate response dropped", "server", c.spec.Name, "id", id)
	}
}

// answerServerRequest replies to server-initiated requests. Only ping is
// supported; sampling and roots are not offered in our capabilities.
func (c *Client) answerServerRequest(msg *message) {
	resp := outboundResponse{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = map[string]any{}
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	if err := c.write(resp); err != nil {
		slog.Debug("reply to server request failed", "server", c.spec.Name, "method", msg.Method, "error", err)
	}
}
