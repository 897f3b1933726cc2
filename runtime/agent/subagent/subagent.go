// Package subagent runs independent research tasks concurrently. Each task
// sees only its own SubagentTask (task text, constraints and context slice);
// no conversation history or shared mutable state crosses task boundaries.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/telemetry"
)

const (
	// DefaultConcurrency bounds the number of tasks running at once.
	DefaultConcurrency = 3
	// DefaultTaskTimeout bounds each task.
	DefaultTaskTimeout = 60 * time.Second
)

type (
	// Runner executes a single task.
	Runner interface {
		RunTask(ctx context.Context, task agent.SubagentTask) (Answer, error)
	}

	// RunnerFunc adapts a function to Runner.
	RunnerFunc func(ctx context.Context, task agent.SubagentTask) (Answer, error)

	// Answer is the successful output of a task.
	Answer struct {
		Content string
		Sources []agent.Source
	}

	// Orchestrator fans tasks out to a Runner.
	Orchestrator struct {
		runner      Runner
		concurrency int64
		timeout     time.Duration
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// RunTask implements Runner.
func (f RunnerFunc) RunTask(ctx context.Context, task agent.SubagentTask) (Answer, error) {
	return f(ctx, task)
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = int64(n)
		}
	}
}

// WithTaskTimeout overrides DefaultTaskTimeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator dispatching to r.
func New(r Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:      r,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTaskTimeout,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Budget returns the wall time Run needs for n tasks when every task uses its
// full timeout.
func (o *Orchestrator) Budget(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	waves := (int64(n) + o.concurrency - 1) / o.concurrency
	return time.Duration(waves) * o.timeout
}

// Run executes tasks and returns one result per task in input order. Task
// failures, timeouts and panics become results with Success false; Run
// itself never fails. Tasks without a ParentTraceID inherit the trace id
// carried by ctx.
func (o *Orchestrator) Run(ctx context.Context, tasks []agent.SubagentTask) []agent.SubagentResult {
	results := make([]agent.SubagentResult, len(tasks))
	parent := telemetry.TraceIDFromContext(ctx)
	sem := semaphore.NewWeighted(o.concurrency)
	var g errgroup.Group
	for i, task := range tasks {
		if task.ParentTraceID == "" {
			task.ParentTraceID = parent
		}
		g.Go(func() error {
			start := time.Now()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = failed(task.ID, err, time.Since(start))
				return nil
			}
			defer sem.Release(1)
			results[i] = o.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	var failures int
	for _, r := range results {
		if !r.Success {
			failures++
		}
	}
	o.metrics.IncCounter("verity.subagent.tasks", float64(len(tasks)))
	if failures > 0 {
		o.metrics.IncCounter("verity.subagent.failures", float64(failures))
	}
	return results
}

// runOne runs task under its own deadline. The result is returned as soon as
// the deadline passes even when the runner ignores cancellation.
func (o *Orchestrator) runOne(ctx context.Context, task agent.SubagentTask) agent.SubagentResult {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type outcome struct {
		ans Answer
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("subagent panic: %v", r)}
			}
		}()
		ans, err := o.runner.RunTask(tctx, cloneTask(task))
		done <- outcome{ans: ans, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out = outcome{err: tctx.Err()}
	}
	d := time.Since(start)
	if out.err != nil {
		o.logger.Warn(ctx, "subagent task failed", "task", task.ID, "err", out.err, "duration", d)
		return failed(task.ID, out.err, d)
	}
	o.logger.Debug(ctx, "subagent task completed", "task", task.ID, "duration", d)
	return agent.SubagentResult{
		TaskID:   task.ID,
		Success:  true,
		Content:  out.ans.Content,
		Sources:  out.ans.Sources,
		Duration: d,
	}
}

func failed(id string, err error, d time.Duration) agent.SubagentResult {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timed out"
	}
	return agent.SubagentResult{TaskID: id, Error: msg, Duration: d}
}

// cloneTask copies the constraint slice so runners cannot observe each
// other's mutations.
func cloneTask(t agent.SubagentTask) agent.SubagentTask {
	t.Constraints = append([]string(nil), t.Constraints...)
	return t
}
