//go:build windows

package mcp

import "os/exec"

// setupProcessGroup is a no-op on Windows where Setpgid is unavailable.
func setupProcessGroup(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
