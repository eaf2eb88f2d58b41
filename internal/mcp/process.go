package mcp

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ServerSpec describes how to launch one stdio tool server.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (s ServerSpec) String() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// process is a running tool server. Its lifetime is independent of any
// request context: only stop ends it.
type process struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  *stderrMonitor
	done    chan struct{}
	waitErr error
}

func startProcess(spec ServerSpec) (*process, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, fmt.Errorf("server %q: command is required", spec.Name)
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", spec.Name, err)
	}

	cmd := exec.Command(path, spec.Args...)
	setupProcessGroup(cmd)
	cmd.Dir = spec.Dir
	cmd.Env = serverEnv(spec.Env)
	// grandchildren may hold stderr open after the server exits
	cmd.WaitDelay = 2 * time.Second

	mon := newStderrMonitor(spec.Name)
	cmd.Stderr = mon

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("server %q: stdin pipe: %w", spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("server %q: stdout pipe: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server %q: start: %w", spec.Name, err)
	}
	slog.Debug("tool server started", "server", spec.Name, "command", spec.String(), "pid", cmd.Process.Pid)

	p := &process{
		name:   spec.Name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: mon,
		done:   make(chan struct{}),
	}
	return p, nil
}

// reap waits for the process once stdout has been fully read. cmd.Wait
// closes the pipe, so it must not race the reader.
func (p *process) reap(readDone <-chan struct{}) {
	go func() {
		<-readDone
		p.waitErr = p.cmd.Wait()
		close(p.done)
		slog.Debug("tool server exited", "server", p.name, "error", p.waitErr)
	}()
}

// exited reports whether the process has terminated.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// describeExit explains why the server is gone, using whatever the
// process left behind. It waits briefly for the exit so that stderr has
// been fully drained.
func (p *process) describeExit() string {
	select {
	case <-p.done:
	case <-time.After(500 * time.Millisecond):
	}

	var parts []string
	if reason := p.stderr.Reason(); reason != "" {
		parts = append(parts, reason)
	}
	if p.exited() && p.waitErr != nil {
		parts = append(parts, p.waitErr.Error())
	}
	if tail := p.stderr.Tail(); tail != "" {
		lines := strings.Split(tail, "\n")
		parts = append(parts, "stderr: "+strings.TrimSpace(lines[len(lines)-1]))
	}
	if len(parts) == 0 {
		return "server closed its output"
	}
	return strings.Join(parts, "; ")
}

// stop closes stdin to ask the server to exit, then kills its process group
// if it is still running after grace.
func (p *process) stop(grace time.Duration) error {
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	slog.Debug("tool server did not exit, killing", "server", p.name)
	if err := killGroup(p.cmd); err != nil {
		return fmt.Errorf("kill server %q: %w", p.name, err)
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		// a stray process outside the group may still hold stdout
		_ = p.stdout.Close()
		return fmt.Errorf("server %q did not exit after kill", p.name)
	}
	return nil
}
