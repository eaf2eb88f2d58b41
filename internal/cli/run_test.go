package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/mcprun/internal/config"
	"github.com/ppiankov/mcprun/internal/harness"
	"github.com/ppiankov/mcprun/internal/mcp"
)

func TestRunTimeouts(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		settings config.Settings
		wantInit time.Duration
		wantExec time.Duration
	}{
		{"defaults", nil, config.Settings{}, 15 * time.Second, 60 * time.Second},
		{"timeout flag", []string{"--timeout", "90"}, config.Settings{}, 15 * time.Second, 90 * time.Second},
		{"exec flag wins over timeout", []string{"--timeout", "90", "--exec-timeout", "2m"}, config.Settings{}, 15 * time.Second, 2 * time.Minute},
		{"settings", nil, config.Settings{InitTimeout: 30 * time.Second, ExecTimeout: 5 * time.Minute}, 30 * time.Second, 5 * time.Minute},
		{"flags over settings", []string{"--init-timeout", "5s", "--timeout", "10"}, config.Settings{InitTimeout: 30 * time.Second, ExecTimeout: 5 * time.Minute}, 5 * time.Second, 10 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newRunCmd()
			if err := cmd.ParseFlags(tc.args); err != nil {
				t.Fatal(err)
			}
			secs, _ := cmd.Flags().GetInt("timeout")
			initFlag, _ := cmd.Flags().GetDuration("init-timeout")
			execFlag, _ := cmd.Flags().GetDuration("exec-timeout")

			initT, execT, err := runTimeouts(cmd, &tc.settings, secs, initFlag, execFlag)
			if err != nil {
				t.Fatal(err)
			}
			if initT != tc.wantInit {
				t.Errorf("init: got %v, want %v", initT, tc.wantInit)
			}
			if execT != tc.wantExec {
				t.Errorf("exec: got %v, want %v", execT, tc.wantExec)
			}
		})
	}
}

func TestRunTimeouts_RejectsNonPositive(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.ParseFlags([]string{"--timeout", "0"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runTimeouts(cmd, &config.Settings{}, 0, 15*time.Second, 0); err == nil {
		t.Fatal("expected error for zero exec timeout")
	}
}

func TestOutcomeError_ExitCode(t *testing.T) {
	cases := []struct {
		kind harness.Kind
		want int
	}{
		{harness.KindInitTimeout, ExitTimeout},
		{harness.KindExecTimeout, ExitTimeout},
		{harness.KindInitError, ExitError},
		{harness.KindExecError, ExitError},
	}
	for _, tc := range cases {
		e := &OutcomeError{Outcome: harness.Outcome{Kind: tc.kind, Message: "x", Limit: time.Second}}
		if got := e.ExitCode(); got != tc.want {
			t.Errorf("%s: got exit %d, want %d", tc.kind, got, tc.want)
		}
	}

	var err error = &OutcomeError{Outcome: harness.Outcome{Kind: harness.KindExecTimeout, Limit: time.Second}}
	if !errors.Is(err, harness.ErrTimeout) {
		t.Error("timeout outcome error should wrap harness.ErrTimeout")
	}
}

func TestLiveEnabled(t *testing.T) {
	if liveEnabled("on", true, true) {
		t.Error("--json must disable the live view")
	}
	if !liveEnabled("on", false, false) {
		t.Error("on should enable the live view")
	}
	if liveEnabled("off", false, true) {
		t.Error("off should disable the live view")
	}
	// stdout redirected to a file, stderr still a terminal
	if !liveEnabled("auto", false, true) {
		t.Error("auto should follow stderr being a terminal")
	}
	if liveEnabled("auto", false, false) {
		t.Error("auto should stay off when stderr is not a terminal")
	}
}

// stubAgent is a scripted harness agent for the command tests.
type stubAgent struct {
	initBlock chan struct{} // Initialize waits on it when set
	result    string
	err       error

	runs   atomic.Int32
	closed atomic.Bool
}

func (a *stubAgent) Initialize(ctx context.Context) error {
	if a.initBlock != nil {
		<-a.initBlock
	}
	return nil
}

func (a *stubAgent) Run(ctx context.Context, task string) (string, error) {
	a.runs.Add(1)
	return a.result, a.err
}

func (a *stubAgent) Close() error {
	if a.closed.CompareAndSwap(false, true) && a.initBlock != nil {
		close(a.initBlock)
	}
	return nil
}

func testSession() *session {
	return &session{
		settings: &config.Settings{},
		provider: "anthropic",
		mcpPath:  "mcp_config.json",
		servers:  []mcp.ServerSpec{{Name: "playwright", Command: "npx", Args: []string{"@playwright/mcp@latest"}}},
	}
}

func TestRunOnce_JSON(t *testing.T) {
	cases := []struct {
		name     string
		agent    *stubAgent
		initT    time.Duration
		wantKind string
		wantExit int
		check    func(t *testing.T, report map[string]any)
	}{
		{
			name:     "init timeout",
			agent:    &stubAgent{initBlock: make(chan struct{})},
			initT:    30 * time.Millisecond,
			wantKind: "INIT_TIMEOUT",
			wantExit: ExitTimeout,
			check: func(t *testing.T, report map[string]any) {
				if report["limit_ms"] != float64(30) {
					t.Errorf("limit_ms: got %v", report["limit_ms"])
				}
			},
		},
		{
			name:     "exec error",
			agent:    &stubAgent{err: errors.New("connection refused")},
			initT:    time.Second,
			wantKind: "EXEC_ERROR",
			wantExit: ExitError,
			check: func(t *testing.T, report map[string]any) {
				if report["message"] != "connection refused" {
					t.Errorf("message: got %v", report["message"])
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() { _ = tc.agent.Close() }()
			var buf bytes.Buffer
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := runOnce(ctx, cancel, testSession(), tc.agent, runOptions{
				task:    "navigate to example.com",
				initT:   tc.initT,
				execT:   time.Second,
				jsonOut: true,
				out:     &buf,
			})

			var outErr *OutcomeError
			if !errors.As(err, &outErr) {
				t.Fatalf("expected *OutcomeError, got %v", err)
			}
			if got := outErr.ExitCode(); got != tc.wantExit {
				t.Errorf("exit code: got %d, want %d", got, tc.wantExit)
			}

			var report map[string]any
			if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
			}
			if report["kind"] != tc.wantKind {
				t.Errorf("kind: got %v, want %s", report["kind"], tc.wantKind)
			}
			if report["task"] != "navigate to example.com" || report["provider"] != "anthropic" {
				t.Errorf("report fields: %v", report)
			}
			tc.check(t, report)
		})
	}
}

func TestRunOnce_SuccessText(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := runOnce(ctx, cancel, testSession(), &stubAgent{result: "page title is Example Domain"}, runOptions{
		task:  "navigate to example.com",
		initT: time.Second,
		execT: time.Second,
		out:   &buf,
	})
	if err != nil {
		t.Fatalf("success should return nil, got %v", err)
	}
	if !strings.Contains(buf.String(), "page title is Example Domain") || !strings.Contains(buf.String(), "completed in") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestRunOnce_ExecTimeoutText(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ag := &slowRunAgent{delay: time.Second}
	err := runOnce(ctx, cancel, testSession(), ag, runOptions{
		task:  "navigate to example.com",
		initT: time.Second,
		execT: 20 * time.Millisecond,
		out:   &buf,
	})
	var outErr *OutcomeError
	if !errors.As(err, &outErr) || outErr.ExitCode() != ExitTimeout {
		t.Fatalf("expected exec timeout exit, got %v", err)
	}
	if !strings.Contains(buf.String(), "exec timeout") || !strings.Contains(buf.String(), "mcp_config.json") {
		t.Errorf("missing diagnostics:\n%s", buf.String())
	}
}

type slowRunAgent struct {
	delay time.Duration
}

func (a *slowRunAgent) Initialize(ctx context.Context) error { return nil }

func (a *slowRunAgent) Run(ctx context.Context, task string) (string, error) {
	select {
	case <-time.After(a.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
