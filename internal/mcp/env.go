package mcp

import (
	"os"
	"sort"
	"strings"
)

// sensitiveEnvPrefixes are stripped from tool server environments so model
// credentials never reach third-party processes. A server that needs one
// must list it explicitly in its env block.
var sensitiveEnvPrefixes = []string{
	"ANTHROPIC_API",
	"OPENAI_API",
	"MCPRUN_",
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
}

var sensitiveEnvExact = []string{
	"API_KEY",
	"API_SECRET",
	"SECRET_KEY",
}

// serverEnv builds the environment for a tool server: the sanitized
// parent environment followed by the server's own overrides.
func serverEnv(overrides map[string]string) []string {
	return append(sanitizeEnv(os.Environ()), mapToEnvSlice(overrides)...)
}

func sanitizeEnv(environ []string) []string {
	clean := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			clean = append(clean, entry)
			continue
		}
		if !isSensitive(name) {
			clean = append(clean, entry)
		}
	}
	return clean
}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	for _, exact := range sensitiveEnvExact {
		if upper == exact {
			return true
		}
	}
	return false
}

// mapToEnvSlice renders overrides in key order so spawned environments are
// reproducible.
func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := make([]string, 0, len(env))
	for _, k := range keys {
		s = append(s, k+"="+env[k])
	}
	return s
}
