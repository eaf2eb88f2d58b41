//go:build !windows

package mcp

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the server in its own process group so that
// killGroup also reaches grandchildren (npx, uvx and docker wrappers fork).
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
