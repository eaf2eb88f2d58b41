// Package harness runs one task against an agent in two bounded phases:
// initialize, then execute. Each phase has its own timeout and its own
// failure variant, and every run ends in exactly one Outcome.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Agent is the capability driven by the runner. Implementations are not
// assumed to be safe for concurrent use.
type Agent interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context, task string) (string, error)
}

// Request describes one unit of work and its per-phase budgets.
type Request struct {
	Task        string
	InitTimeout time.Duration
	ExecTimeout time.Duration
}

// Validate checks that the task is non-empty and both budgets are positive.
func (r Request) Validate() error {
	if r.Task == "" {
		return errors.New("empty task")
	}
	if r.InitTimeout <= 0 {
		return fmt.Errorf("init timeout must be positive, got %s", r.InitTimeout)
	}
	if r.ExecTimeout <= 0 {
		return fmt.Errorf("exec timeout must be positive, got %s", r.ExecTimeout)
	}
	return nil
}

// Phase names one of the two bounded steps of a run.
type Phase string

const (
	PhaseInit Phase = "init"
	PhaseExec Phase = "exec"
)

// Runner executes requests against agents. A Runner serves one run at a
// time; a second concurrent Run is refused rather than queued.
type Runner struct {
	metrics *Metrics
	onPhase func(Phase, time.Duration)
	busy    atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records phase durations and outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPhaseHook calls fn as each phase starts, with that phase's limit.
// fn runs on the caller's goroutine and must not block.
func WithPhaseHook(fn func(Phase, time.Duration)) Option {
	return func(r *Runner) { r.onPhase = fn }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run initializes agent, then runs req.Task on it. It never returns an error
// and never panics on behalf of the agent: every failure is an Outcome.
// On timeout the abandoned phase is cancelled but not awaited.
func (r *Runner) Run(ctx context.Context, agent Agent, req Request) Outcome {
	if !r.busy.CompareAndSwap(false, true) {
		return r.finish(initFailed("agent busy: another run is in flight"))
	}
	defer r.busy.Store(false)

	if agent == nil {
		return r.finish(initFailed("no agent"))
	}
	if err := req.Validate(); err != nil {
		return r.finish(initFailed("invalid request: " + err.Error()))
	}

	initElapsed, failed := r.initPhase(ctx, agent, req.InitTimeout)
	if failed != nil {
		return r.finish(*failed)
	}

	slog.Debug("running task", "timeout", req.ExecTimeout)
	r.phaseStarted(PhaseExec, req.ExecTimeout)
	exec := runPhase(ctx, req.ExecTimeout, func(ctx context.Context) (string, error) {
		return agent.Run(ctx, req.Task)
	})
	r.metrics.observePhase(PhaseExec, exec.status, exec.elapsed)

	switch exec.status {
	case statusTimeout:
		slog.Debug("task execution timed out", "timeout", req.ExecTimeout)
		return r.finish(execTimedOut(req.ExecTimeout))
	case statusCancelled:
		return r.finish(execFailed("cancelled"))
	case statusFailed:
		slog.Debug("task execution failed", "error", exec.err)
		return r.finish(execFailed(exec.err.Error()))
	}
	slog.Debug("task completed", "elapsed", exec.elapsed)

	return r.finish(succeeded(exec.text, initElapsed, exec.elapsed))
}

// Initialize runs only the init phase, bounded by limit. It succeeds with
// ElapsedInit set, or fails with InitTimeout or InitError. Outcomes of
// init-only runs are not counted as runs in the metrics.
func (r *Runner) Initialize(ctx context.Context, agent Agent, limit time.Duration) Outcome {
	if !r.busy.CompareAndSwap(false, true) {
		return initFailed("agent busy: another run is in flight")
	}
	defer r.busy.Store(false)

	if agent == nil {
		return initFailed("no agent")
	}
	if limit <= 0 {
		return initFailed(fmt.Sprintf("invalid request: init timeout must be positive, got %s", limit))
	}
	elapsed, failed := r.initPhase(ctx, agent, limit)
	if failed != nil {
		return *failed
	}
	return Outcome{Kind: KindSuccess, ElapsedInit: elapsed}
}

func (r *Runner) initPhase(ctx context.Context, agent Agent, limit time.Duration) (time.Duration, *Outcome) {
	slog.Debug("initializing agent", "timeout", limit)
	r.phaseStarted(PhaseInit, limit)
	init := runPhase(ctx, limit, func(ctx context.Context) (string, error) {
		return "", agent.Initialize(ctx)
	})
	r.metrics.observePhase(PhaseInit, init.status, init.elapsed)

	var o Outcome
	switch init.status {
	case statusTimeout:
		slog.Debug("agent initialization timed out", "timeout", limit)
		o = initTimedOut(limit)
	case statusCancelled:
		o = initFailed("cancelled")
	case statusFailed:
		slog.Debug("agent initialization failed", "error", init.err)
		o = initFailed(init.err.Error())
	default:
		slog.Debug("agent initialized", "elapsed", init.elapsed)
		return init.elapsed, nil
	}
	return 0, &o
}

func (r *Runner) phaseStarted(p Phase, limit time.Duration) {
	if r.onPhase != nil {
		r.onPhase(p, limit)
	}
}

func (r *Runner) finish(o Outcome) Outcome {
	r.metrics.observeOutcome(o.Kind)
	return o
}

type phaseStatus int

const (
	statusOK phaseStatus = iota
	statusTimeout
	statusCancelled
	statusFailed
)

func (s phaseStatus) String() string {
	switch s {
	case statusOK:
		return "ok"
	case statusTimeout:
		return "timeout"
	case statusCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

type phaseResult struct {
	status  phaseStatus
	text    string
	err     error
	elapsed time.Duration
}

type callResult struct {
	text string
	err  error
}

// runPhase runs fn on its own goroutine and races it against limit.
// The result channel is buffered so an abandoned fn never blocks on send,
// and the timer fires whether or not fn observes its context.
func runPhase(parent context.Context, limit time.Duration, fn func(context.Context) (string, error)) phaseResult {
	ctx, cancel := context.WithTimeout(parent, limit)
	defer cancel()

	done := make(chan callResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		text, err := fn(ctx)
		done <- callResult{text: text, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		switch {
		case parent.Err() != nil:
			return phaseResult{status: statusCancelled, elapsed: elapsed}
		case elapsed > limit || errors.Is(ctx.Err(), context.DeadlineExceeded):
			// fn returned only because its deadline passed
			return phaseResult{status: statusTimeout, elapsed: limit}
		case res.err != nil:
			return phaseResult{status: statusFailed, err: res.err, elapsed: elapsed}
		}
		return phaseResult{status: statusOK, text: res.text, elapsed: elapsed}
	case <-timer.C:
		return phaseResult{status: statusTimeout, elapsed: limit}
	case <-parent.Done():
		return phaseResult{status: statusCancelled, elapsed: time.Since(start)}
	}
}
