package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFile_SignalsOnWrite(t *testing.T) {
	path := writeNamed(t, "mcp_config.json", `{}`)
	w, err := WatchFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if w.Pending() {
		t.Fatal("no change expected before write")
	}

	if err := os.WriteFile(path, []byte(`{"mcpServers": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Changed():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal after write")
	}
}

func TestWatchFile_IgnoresSiblings(t *testing.T) {
	path := writeNamed(t, "mcp_config.json", `{}`)
	w, err := WatchFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	sibling := filepath.Join(filepath.Dir(path), "other.json")
	if err := os.WriteFile(sibling, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Changed():
		t.Fatal("sibling write should not signal")
	case <-time.After(300 * time.Millisecond):
	}
}
