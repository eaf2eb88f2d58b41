package mcp

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// connectivityPattern maps a stderr pattern to a human-readable reason.
type connectivityPattern struct {
	pattern string
	reason  string
}

var connectivityPatterns = []connectivityPattern{
	{"econnrefused", "connection refused"},
	{"connection refused", "connection refused"},
	{"enotfound", "DNS resolution failed"},
	{"could not resolve host", "DNS resolution failed"},
	{"certificate has expired", "TLS certificate expired"},
	{"ssl certificate problem", "TLS certificate problem"},
	{"tls handshake timeout", "TLS handshake timeout"},
	{"command not found", "command not found"},
	{"npm err!", "npm error"},
}

const stderrTailLimit = 4096

// stderrMonitor receives a tool server's stderr. Each complete line is
// logged at debug level, the tail is kept for error reports, and known
// connectivity failures are classified.
type stderrMonitor struct {
	server string

	mu      sync.Mutex
	partial []byte
	tail    []byte
	reason  string
}

func newStderrMonitor(server string) *stderrMonitor {
	return &stderrMonitor{server: server}
}

func (m *stderrMonitor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tail = append(m.tail, p...)
	if over := len(m.tail) - stderrTailLimit; over > 0 {
		m.tail = m.tail[over:]
	}

	m.partial = append(m.partial, p...)
	for {
		i := bytes.IndexByte(m.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(m.partial[:i], "\r"))
		m.partial = m.partial[i+1:]
		m.scanLine(line)
	}
	if len(m.partial) > stderrTailLimit {
		m.scanLine(string(m.partial))
		m.partial = m.partial[:0]
	}
	return len(p), nil
}

func (m *stderrMonitor) scanLine(line string) {
	if line == "" {
		return
	}
	slog.Debug("tool server stderr", "server", m.server, "line", line)
	if m.reason != "" {
		return
	}
	lower := strings.ToLower(line)
	for _, cp := range connectivityPatterns {
		if strings.Contains(lower, cp.pattern) {
			m.reason = cp.reason
			return
		}
	}
}

// Reason returns the classified connectivity failure, or "".
func (m *stderrMonitor) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Tail returns the last few KB of stderr, trimmed.
func (m *stderrMonitor) Tail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.TrimSpace(string(m.tail))
}
