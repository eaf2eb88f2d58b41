package harness

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent sleeps without watching ctx unless honorCtx is set, so the
// runner must pre-empt it on its own.
type fakeAgent struct {
	initDelay time.Duration
	initErr   error
	initPanic bool
	runDelay  time.Duration
	runResult string
	runErr    error
	honorCtx  bool

	initCalls atomic.Int32
	runCalls  atomic.Int32
}

func (a *fakeAgent) wait(ctx context.Context, d time.Duration) error {
	if !a.honorCtx {
		time.Sleep(d)
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeAgent) Initialize(ctx context.Context) error {
	a.initCalls.Add(1)
	if a.initPanic {
		panic("tool server table is nil")
	}
	if err := a.wait(ctx, a.initDelay); err != nil {
		return err
	}
	return a.initErr
}

func (a *fakeAgent) Run(ctx context.Context, task string) (string, error) {
	a.runCalls.Add(1)
	if err := a.wait(ctx, a.runDelay); err != nil {
		return "", err
	}
	if a.runErr != nil {
		return "", a.runErr
	}
	return a.runResult, nil
}

func req(initT, execT time.Duration) Request {
	return Request{Task: "navigate to example.com", InitTimeout: initT, ExecTimeout: execT}
}

func TestRun_Success(t *testing.T) {
	agent := &fakeAgent{initDelay: 10 * time.Millisecond, runDelay: 50 * time.Millisecond, runResult: "done"}

	out := New().Run(context.Background(), agent, req(time.Second, 6*time.Second))

	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "done", out.Result)
	assert.Empty(t, out.Message)
	assert.GreaterOrEqual(t, out.ElapsedInit, 10*time.Millisecond)
	assert.LessOrEqual(t, out.ElapsedInit, time.Second)
	assert.GreaterOrEqual(t, out.ElapsedExec, 50*time.Millisecond)
	assert.LessOrEqual(t, out.ElapsedExec, 6*time.Second)
	assert.NoError(t, out.Err())
}

func TestRun_InitTimeoutPreemptsHungInit(t *testing.T) {
	agent := &fakeAgent{initDelay: 2 * time.Second, runResult: "never"}

	start := time.Now()
	out := New().Run(context.Background(), agent, req(100*time.Millisecond, time.Second))
	wall := time.Since(start)

	require.Equal(t, KindInitTimeout, out.Kind)
	assert.Equal(t, 100*time.Millisecond, out.Limit)
	assert.Less(t, wall, time.Second, "runner must not wait for the hung init")
	assert.Zero(t, agent.runCalls.Load(), "exec must not be attempted")
	assert.ErrorIs(t, out.Err(), ErrTimeout)
}

func TestRun_InitTimeoutWhenAgentHonorsDeadline(t *testing.T) {
	agent := &fakeAgent{initDelay: time.Second, honorCtx: true}

	out := New().Run(context.Background(), agent, req(50*time.Millisecond, time.Second))

	assert.Equal(t, KindInitTimeout, out.Kind)
	assert.Zero(t, agent.runCalls.Load())
}

func TestRun_InitError(t *testing.T) {
	agent := &fakeAgent{initErr: errors.New("spawn npx: executable file not found")}

	out := New().Run(context.Background(), agent, req(time.Second, time.Second))

	require.Equal(t, KindInitError, out.Kind)
	assert.Equal(t, "spawn npx: executable file not found", out.Message)
	assert.Zero(t, agent.runCalls.Load())
}

func TestRun_InitErrorEmptyMessage(t *testing.T) {
	agent := &fakeAgent{initErr: errors.New("")}

	out := New().Run(context.Background(), agent, req(time.Second, time.Second))

	require.Equal(t, KindInitError, out.Kind)
	assert.NotEmpty(t, out.Message)
}

func TestRun_InitPanicBecomesInitError(t *testing.T) {
	agent := &fakeAgent{initPanic: true}

	out := New().Run(context.Background(), agent, req(time.Second, time.Second))

	require.Equal(t, KindInitError, out.Kind)
	assert.Contains(t, out.Message, "tool server table is nil")
	assert.Zero(t, agent.runCalls.Load())
}

func TestRun_ExecTimeout(t *testing.T) {
	agent := &fakeAgent{runDelay: 2 * time.Second, runResult: "late"}

	start := time.Now()
	out := New().Run(context.Background(), agent, req(time.Second, 100*time.Millisecond))

	require.Equal(t, KindExecTimeout, out.Kind)
	assert.Equal(t, 100*time.Millisecond, out.Limit)
	assert.Empty(t, out.Result)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_ExecError(t *testing.T) {
	agent := &fakeAgent{runDelay: 20 * time.Millisecond, runErr: errors.New("connection refused")}

	out := New().Run(context.Background(), agent, req(time.Second, time.Second))

	require.Equal(t, KindExecError, out.Kind)
	assert.Equal(t, "connection refused", out.Message)
	assert.Equal(t, int32(1), agent.initCalls.Load())
}

func TestRun_CallerCancellation(t *testing.T) {
	agent := &fakeAgent{runDelay: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out := New().Run(ctx, agent, req(time.Second, 5*time.Second))

	require.Equal(t, KindExecError, out.Kind)
	assert.Equal(t, "cancelled", out.Message)
}

func TestRun_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty task", Request{InitTimeout: time.Second, ExecTimeout: time.Second}},
		{"zero init", Request{Task: "x", ExecTimeout: time.Second}},
		{"negative exec", Request{Task: "x", InitTimeout: time.Second, ExecTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAgent{}
			out := New().Run(context.Background(), agent, tt.req)
			assert.Equal(t, KindInitError, out.Kind)
			assert.Zero(t, agent.initCalls.Load())
		})
	}
}

func TestRun_RefusesConcurrentRun(t *testing.T) {
	r := New()
	agent := &fakeAgent{initDelay: 300 * time.Millisecond, runResult: "ok"}

	first := make(chan Outcome, 1)
	go func() { first <- r.Run(context.Background(), agent, req(time.Second, time.Second)) }()
	time.Sleep(50 * time.Millisecond)

	second := r.Run(context.Background(), &fakeAgent{}, req(time.Second, time.Second))
	assert.Equal(t, KindInitError, second.Kind)
	assert.Contains(t, second.Message, "busy")

	assert.Equal(t, KindSuccess, (<-first).Kind)

	// runner is reusable once the first run has finished
	third := r.Run(context.Background(), &fakeAgent{runResult: "again"}, req(time.Second, time.Second))
	assert.Equal(t, KindSuccess, third.Kind)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	r := New(WithMetrics(m))

	r.Run(context.Background(), &fakeAgent{runResult: "a"}, req(time.Second, time.Second))
	r.Run(context.Background(), &fakeAgent{runErr: errors.New("boom")}, req(time.Second, time.Second))
	r.Run(context.Background(), &fakeAgent{initDelay: time.Second}, req(20*time.Millisecond, time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("EXEC_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("INIT_TIMEOUT")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var series []string
	for _, f := range families {
		if f.GetName() != "mcprun_phase_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			series = append(series, labels["phase"]+"/"+labels["outcome"])
		}
	}
	assert.ElementsMatch(t, []string{"init/ok", "exec/ok", "exec/error", "init/timeout"}, series)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration must fail")
}

func TestRun_PhaseHook(t *testing.T) {
	var phases []Phase
	var limits []time.Duration
	r := New(WithPhaseHook(func(p Phase, limit time.Duration) {
		phases = append(phases, p)
		limits = append(limits, limit)
	}))

	out := r.Run(context.Background(), &fakeAgent{runResult: "ok"}, req(time.Second, 2*time.Second))
	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, []Phase{PhaseInit, PhaseExec}, phases)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, limits)

	phases = nil
	r.Run(context.Background(), &fakeAgent{initErr: errors.New("no npx")}, req(time.Second, time.Second))
	assert.Equal(t, []Phase{PhaseInit}, phases, "exec phase must not start after init failure")
}

func TestInitialize_PreemptsHungInit(t *testing.T) {
	agent := &fakeAgent{initDelay: 2 * time.Second}
	r := New()

	start := time.Now()
	out := r.Initialize(context.Background(), agent, 30*time.Millisecond)
	assert.Equal(t, KindInitTimeout, out.Kind)
	assert.Equal(t, 30*time.Millisecond, out.Limit)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), agent.runCalls.Load())
}

func TestInitialize_Outcomes(t *testing.T) {
	r := New()

	out := r.Initialize(context.Background(), &fakeAgent{initDelay: 5 * time.Millisecond}, time.Second)
	require.Equal(t, KindSuccess, out.Kind)
	assert.Greater(t, out.ElapsedInit, time.Duration(0))
	assert.LessOrEqual(t, out.ElapsedInit, time.Second)

	out = r.Initialize(context.Background(), &fakeAgent{initErr: errors.New("npx: not found")}, time.Second)
	assert.Equal(t, KindInitError, out.Kind)
	assert.Equal(t, "npx: not found", out.Message)

	out = r.Initialize(context.Background(), &fakeAgent{}, 0)
	assert.Equal(t, KindInitError, out.Kind)
	assert.Contains(t, out.Message, "init timeout must be positive")
}

func TestOutcome_JSON(t *testing.T) {
	data, err := json.Marshal(Outcome{Kind: KindExecError, Message: "connection refused"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"EXEC_ERROR","message":"connection refused"}`, string(data))

	var back Outcome
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, KindExecError, back.Kind)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("init_timeout")
	require.NoError(t, err)
	assert.Equal(t, KindInitTimeout, k)
	assert.True(t, k.IsTimeout())

	_, err = ParseKind("partial")
	assert.Error(t, err)
}
