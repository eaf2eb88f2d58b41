//go:build !windows

package mcp

import (
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestKillGroup_KillsChildren(t *testing.T) {
	// a wrapper shell with a background child, like npx spawning node
	cmd := exec.Command("sh", "-c", "sleep 60 & sleep 60")
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	if err := syscall.Kill(pid, 0); err != nil {
		t.Fatalf("process %d not alive after start: %v", pid, err)
	}

	if err := killGroup(cmd); err != nil {
		t.Fatalf("kill group: %v", err)
	}
	_ = cmd.Wait()

	// give the OS a moment to reap the orphaned child
	time.Sleep(50 * time.Millisecond)

	if err := syscall.Kill(-pid, 0); err == nil {
		t.Errorf("process group %d still alive after kill", pid)
	}
}

func TestSetupProcessGroup_SetsAttributes(t *testing.T) {
	cmd := exec.Command("echo", "test")
	setupProcessGroup(cmd)

	if cmd.SysProcAttr == nil {
		t.Fatal("SysProcAttr not set")
	}
	if !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid not set to true")
	}
}

func TestSetupProcessGroup_NormalExit(t *testing.T) {
	cmd := exec.Command("echo", "hello")
	setupProcessGroup(cmd)

	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("expected clean exit, got: %v", err)
	}
	if len(out) == 0 {
		t.Error("expected output from echo")
	}
}

func TestKillGroup_NilProcess(t *testing.T) {
	cmd := exec.Command("nonexistent-binary-xyz")
	setupProcessGroup(cmd)

	if err := killGroup(cmd); err != nil {
		t.Errorf("expected nil error for unstarted command, got: %v", err)
	}
}
