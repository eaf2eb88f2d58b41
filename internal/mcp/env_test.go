package mcp

import (
	"strings"
	"testing"
)

func TestSanitizeEnvStripsKeys(t *testing.T) {
	input := []string{
		"HOME=/home/user",
		"PATH=/usr/bin",
		"OPENAI_API_KEY=sk-secret456",
		"ANTHROPIC_API_KEY=sk-ant-secret",
		"anthropic_api_key=lower",
		"MCPRUN_CONFIG=/tmp/x",
		"AWS_SECRET_ACCESS_KEY=wJalrXUtnFEMI",
		"GITHUB_TOKEN=ghp_abc123",
		"API_KEY=generic-key",
	}

	result := sanitizeEnv(input)

	if len(result) != 2 {
		t.Errorf("expected 2 safe vars, got %d: %v", len(result), result)
	}
	for _, entry := range result {
		name, _, _ := strings.Cut(entry, "=")
		if name != "HOME" && name != "PATH" {
			t.Errorf("unexpected env var survived: %s", name)
		}
	}
}

func TestMapToEnvSliceSorted(t *testing.T) {
	got := mapToEnvSlice(map[string]string{"B": "2", "A": "1"})
	if strings.Join(got, ",") != "A=1,B=2" {
		t.Errorf("got %v", got)
	}
	if mapToEnvSlice(nil) != nil {
		t.Error("expected nil for empty map")
	}
}

func TestStderrMonitor(t *testing.T) {
	m := newStderrMonitor("browser")
	_, _ = m.Write([]byte("starting\nError: connect ECONN"))
	if m.Reason() != "" {
		t.Fatalf("partial line must not be classified yet, got %q", m.Reason())
	}
	_, _ = m.Write([]byte("REFUSED 127.0.0.1:9222\n"))
	if m.Reason() != "connection refused" {
		t.Errorf("reason: got %q", m.Reason())
	}
	if !strings.HasSuffix(m.Tail(), "127.0.0.1:9222") {
		t.Errorf("tail: got %q", m.Tail())
	}

	big := newStderrMonitor("noisy")
	_, _ = big.Write([]byte(strings.Repeat("x", 3*stderrTailLimit)))
	if len(big.Tail()) > stderrTailLimit {
		t.Errorf("tail exceeds limit: %d", len(big.Tail()))
	}
}
