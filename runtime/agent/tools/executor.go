package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"goa.design/verity/runtime/agent/retry"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/toolerrors"
)

const (
	// DefaultTimeout bounds each handler attempt.
	DefaultTimeout = 30 * time.Second
	// MaxAttempts is the ceiling on handler invocations per call.
	MaxAttempts = 3

	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

type (
	// Executor runs tool calls against a Registry. It is safe for concurrent
	// use; subagents share one Executor but never share call bookkeeping.
	Executor struct {
		registry *Registry
		policy   retry.Policy
		timeout  time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		recorder telemetry.Recorder
		cache    *lru.Cache[string, cacheEntry]
		cacheTTL time.Duration
		now      func() time.Time
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)

	// ExecOption configures a single Execute call.
	ExecOption func(*execOptions)

	execOptions struct {
		timeout     time.Duration
		maxAttempts int
		traceID     string
	}

	cacheEntry struct {
		data     string
		storedAt time.Time
	}
)

// WithPolicy overrides the retry policy. MaxAttempts above the ceiling is
// clamped.
func WithPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithDefaultTimeout sets the per attempt timeout used when neither the
// call nor the tool spec sets one.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the audit logger.
func WithLogger(l telemetry.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithRecorder sets the span recorder.
func WithRecorder(r telemetry.Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithResultCache bounds the idempotent result cache. size <= 0 disables
// caching.
func WithResultCache(size int, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		if size <= 0 {
			e.cache = nil
			return
		}
		e.cache, _ = lru.New[string, cacheEntry](size)
		e.cacheTTL = ttl
	}
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Timeout overrides the per attempt timeout of one call.
func Timeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// Attempts lowers the number of attempts of one call. Values above
// MaxAttempts are clamped.
func Attempts(n int) ExecOption {
	return func(o *execOptions) { o.maxAttempts = n }
}

// TraceID sets the trace id recorded with the call.
func TraceID(id string) ExecOption {
	return func(o *execOptions) { o.traceID = id }
}

// NewExecutor returns an executor for reg.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	cache, _ := lru.New[string, cacheEntry](defaultCacheSize)
	e := &Executor{
		registry: reg,
		policy:   retry.DefaultPolicy(),
		timeout:  DefaultTimeout,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		recorder: telemetry.NoopRecorder{},
		cache:    cache,
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs call and always returns a Result. Unknown tools yield
// TOOL_NOT_FOUND, invalid arguments INVALID_ARGUMENTS, 4xx failures
// CLIENT_ERROR without retry, throttled calls RATE_LIMITED and every other
// failure TOOL_EXECUTION_FAILED.
func (e *Executor) Execute(ctx context.Context, call Call, opts ...ExecOption) Result {
	start := time.Now()
	o := execOptions{maxAttempts: MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	ctx = telemetry.ContextWithTraceID(ctx, o.traceID)
	res := e.execute(ctx, call, o)
	res.Duration = time.Since(start)
	e.audit(ctx, call, o, res)
	return res
}

func (e *Executor) execute(ctx context.Context, call Call, o execOptions) Result {
	ent, ok := e.registry.lookup(call.Name)
	if !ok {
		return failed(call, toolerrors.CodeNotFound, fmt.Sprintf("tool %q is not registered; available tools: %v", call.Name, e.registry.Names()), false)
	}
	if issues := e.registry.Validate(call.Name, call.Args); len(issues) > 0 {
		return failed(call, toolerrors.CodeInvalidArguments, "invalid arguments: "+describeIssues(issues), false)
	}
	key := string(call.Name) + "\x00" + string(call.Args)
	if ent.spec.Idempotent && e.cache != nil {
		if ce, ok := e.cache.Get(key); ok && e.now().Sub(ce.storedAt) < e.cacheTTL {
			return Result{CallID: call.ID, Name: call.Name, Data: ce.data, Cached: true}
		}
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = ent.spec.Timeout
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	policy := e.policy
	policy.MaxAttempts = min(max(o.maxAttempts, 1), MaxAttempts, max(policy.MaxAttempts, 1))
	if ent.spec.MaxAttempts > 0 {
		policy.MaxAttempts = min(policy.MaxAttempts, ent.spec.MaxAttempts)
	}

	var (
		attempts int
		out      any
	)
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		v, err := invoke(ctx, ent.spec.Handler, call.Args, timeout)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn(ctx, "tool attempt failed",
			"tool", string(call.Name),
			"attempt", attempt,
			"class", retry.Classify(err).String(),
			"backoff_ms", wait.Milliseconds(),
		)
	})
	if err != nil {
		res := failure(call, err, ctx.Err())
		res.Attempts = attempts
		return res
	}
	data, err := serialize(out)
	if err != nil {
		res := failed(call, toolerrors.CodeExecutionFailed, err.Error(), false)
		res.Attempts = attempts
		return res
	}
	if ent.spec.Idempotent && e.cache != nil {
		e.cache.Add(key, cacheEntry{data: data, storedAt: e.now()})
	}
	return Result{CallID: call.ID, Name: call.Name, Data: data, Attempts: attempts}
}

// invoke runs h under its own deadline. The handler runs in a goroutine so a
// handler that ignores cancellation cannot hold the caller past the
// deadline; its context is cancelled either way.
func invoke(ctx context.Context, h Handler, args json.RawMessage, timeout time.Duration) (any, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: retry.Permanent(fmt.Errorf("tool panicked: %v", r))}
			}
		}()
		v, err := h.Call(actx, args)
		done <- outcome{v: v, err: err}
	}()
	select {
	case o := <-done:
		if o.err != nil && actx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("tool timed out after %v: %w", timeout, context.DeadlineExceeded)
		}
		return o.v, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("tool timed out after %v: %w", timeout, context.DeadlineExceeded)
	}
}

// failure maps the final error of a call to a Result. parentErr is the
// caller context error, if any.
func failure(call Call, err, parentErr error) Result {
	if parentErr != nil {
		return failed(call, toolerrors.CodeExecutionFailed, "cancelled: "+parentErr.Error(), false)
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		last := exhausted.LastError
		if retry.Classify(last) == retry.ClassRateLimited {
			return failed(call, toolerrors.CodeRateLimited, err.Error(), true)
		}
		return failed(call, toolerrors.CodeExecutionFailed, err.Error(), true)
	}
	var httpErr *retry.HTTPStatusError
	if errors.As(err, &httpErr) && retry.IsClientError(httpErr.StatusCode) {
		return failed(call, toolerrors.CodeClientError, err.Error(), false)
	}
	var te *toolerrors.ToolError
	if errors.As(err, &te) {
		return failed(call, toolerrors.CodeOf(te), err.Error(), false)
	}
	return failed(call, toolerrors.CodeExecutionFailed, err.Error(), false)
}

// serialize turns a handler payload into text for the model.
func serialize(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize tool result: %w", err)
	}
	return string(b), nil
}

// audit logs and records the call. Arguments and results are reduced to
// their sizes.
func (e *Executor) audit(ctx context.Context, call Call, o execOptions, res Result) {
	e.logger.Info(ctx, "tool executed",
		"tool", string(call.Name),
		"call_id", call.ID,
		"attempts", res.Attempts,
		"duration_ms", res.Duration.Milliseconds(),
		"outcome", res.Code(),
		"cached", res.Cached,
		"args_bytes", len(call.Args),
		"result_bytes", len(res.Data),
	)
	tags := []string{"tool", string(call.Name), "outcome", res.Code()}
	e.metrics.IncCounter("verity.tool.calls", 1, tags...)
	e.metrics.IncCounter("verity.tool.attempts", float64(res.Attempts), tags...)
	e.metrics.RecordTimer("verity.tool.duration", res.Duration, tags...)
	if o.traceID == "" {
		return
	}
	e.recorder.Record(ctx, o.traceID, telemetry.SpanRecord{
		Name:     "tool." + string(call.Name),
		Input:    telemetry.Redact("args", []byte(call.Args)),
		Output:   telemetry.Redact("result", res.Data, "outcome", telemetry.Code(res.Code()), "ok", res.OK()),
		Metadata: telemetry.Redact("attempts", res.Attempts, "cached", res.Cached),
		Duration: res.Duration,
	})
}
