package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/mcprun/internal/mcp"
)

// ServerConfig is one entry of the mcpServers map.
type ServerConfig struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	URL      string            `json:"url,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// ServerFile is the decoded mcp_config.json.
type ServerFile struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers"`
}

// LoadServers reads and validates an MCP server config file.
func LoadServers(path string) (*ServerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}

	var sf ServerFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}

	if err := validateServers(&sf); err != nil {
		return nil, fmt.Errorf("mcp config %s: %w", path, err)
	}

	// relative working directories are anchored at the config file
	base := filepath.Dir(path)
	for _, sc := range sf.MCPServers {
		if sc.Cwd != "" && !filepath.IsAbs(sc.Cwd) {
			sc.Cwd = filepath.Join(base, sc.Cwd)
		}
	}

	return &sf, nil
}

func validateServers(sf *ServerFile) error {
	if len(sf.MCPServers) == 0 {
		return fmt.Errorf("no servers under mcpServers")
	}

	enabled := 0
	for name, sc := range sf.MCPServers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("server with empty name")
		}
		if sc == nil {
			return fmt.Errorf("server %q has no settings", name)
		}
		if sc.Disabled {
			continue
		}
		if sc.Command == "" {
			if sc.URL != "" {
				return fmt.Errorf("server %q: url transport is not supported, use a stdio command", name)
			}
			return fmt.Errorf("server %q has empty command", name)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("all servers are disabled")
	}

	return nil
}

// Specs converts the enabled servers into process specs, sorted by name.
// Env values of the form "env:VAR" are resolved from the process environment.
func (sf *ServerFile) Specs() ([]mcp.ServerSpec, error) {
	names := make([]string, 0, len(sf.MCPServers))
	for name, sc := range sf.MCPServers {
		if sc != nil && !sc.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	specs := make([]mcp.ServerSpec, 0, len(names))
	for _, name := range names {
		sc := sf.MCPServers[name]
		env := make(map[string]string, len(sc.Env))
		for k, v := range sc.Env {
			resolved, err := ResolveSecret(v)
			if err != nil {
				return nil, fmt.Errorf("server %q env %s: %w", name, k, err)
			}
			env[k] = resolved
		}
		specs = append(specs, mcp.ServerSpec{
			Name:    name,
			Command: sc.Command,
			Args:    append([]string(nil), sc.Args...),
			Env:     env,
			Dir:     sc.Cwd,
		})
	}
	return specs, nil
}

// ResolveSecret returns value, or the named environment variable for
// values of the form "env:VAR_NAME".
func ResolveSecret(value string) (string, error) {
	name, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value, nil
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
