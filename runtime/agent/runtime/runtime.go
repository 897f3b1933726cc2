// Package runtime implements the agent loop: it gathers context, asks the
// actor for a candidate answer, verifies it and only then delivers it to the
// chat transport. Failed verifications are retried with feedback up to a
// fixed number of attempts; every run delivers exactly one message, either
// the verified answer or a deterministic failure explanation.
//
//	loop := runtime.New(gatherer, act, verifier, transport)
//	out := loop.Run(ctx, agent.Request{Text: "What's our refund policy?", SessionID: "s1"})
//	fmt.Println(out.Status)
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/retry"
	"goa.design/verity/runtime/agent/session"
	"goa.design/verity/runtime/agent/stream"
	"goa.design/verity/runtime/agent/telemetry"
)

const (
	// DefaultMaxAttempts bounds ACT/VERIFY cycles per run.
	DefaultMaxAttempts = 3
	// DefaultTimeout bounds a whole run.
	DefaultTimeout = 2 * time.Minute
	// deliveryTimeout bounds the final transport calls, which run even when
	// the run context is done.
	deliveryTimeout = 10 * time.Second
)

// Reactions attached to the request message when a run ends.
const (
	ReactionSuccess  = "white_check_mark"
	ReactionFallback = "warning"
)

type (
	// Gatherer collects context for a request.
	Gatherer interface {
		Gather(ctx context.Context, req agent.Request) agent.GatheredContext
	}

	// Actor produces candidate answers.
	Actor interface {
		Act(ctx context.Context, req agent.Request, gathered agent.GatheredContext, priorFeedback string) (agent.Candidate, error)
	}

	// Verifier checks candidates.
	Verifier interface {
		Check(c agent.Candidate, req agent.Request, gathered agent.GatheredContext) agent.VerificationResult
	}

	// Loop runs requests through GATHER, ACT and VERIFY.
	Loop struct {
		gatherer    Gatherer
		actor       Actor
		verifier    Verifier
		transport   stream.Transport
		history     session.HistoryWriter
		maxAttempts int
		timeout     time.Duration
		chunkRunes  int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		recorder    telemetry.Recorder
	}

	// Option configures a Loop.
	Option func(*Loop)

	// Outcome describes a completed run.
	Outcome struct {
		Status Status
		// Text is the message delivered to the user.
		Text string
		// Attempts is the number of ACT phases run.
		Attempts int
		// Candidate is the verified candidate on success.
		Candidate agent.Candidate
		// Verification is the result of the last verification.
		Verification agent.VerificationResult
		// Delivered reports whether the transport accepted the message.
		Delivered bool
		// Err is the internal cause of a non-success status.
		Err      error
		TraceID  string
		Duration time.Duration
	}
)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithChunkRunes sets the replay chunk size.
func WithChunkRunes(n int) Option {
	return func(l *Loop) { l.chunkRunes = n }
}

// WithHistoryWriter records the request and delivered answer of each run.
func WithHistoryWriter(w session.HistoryWriter) Option {
	return func(l *Loop) { l.history = w }
}

// WithLogger sets the logger.
func WithLogger(lg telemetry.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithRecorder sets the span recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// New returns a Loop.
func New(g Gatherer, a Actor, v Verifier, t stream.Transport, opts ...Option) *Loop {
	l := &Loop{
		gatherer:    g,
		actor:       a,
		verifier:    v,
		transport:   t,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultTimeout,
		chunkRunes:  stream.DefaultChunkRunes,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		recorder:    telemetry.NoopRecorder{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run processes req and delivers exactly one message to the transport. Run
// never panics and never returns without a terminal status.
func (l *Loop) Run(ctx context.Context, req agent.Request) (out Outcome) {
	start := time.Now()
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	target := stream.Target{SessionID: req.SessionID, UserID: req.UserID, TraceID: req.TraceID}
	var delivered bool

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("agent run panic: %v", r)
			l.logger.Error(ctx, "agent run panicked", "trace_id", req.TraceID, "err", err)
			out.Status = StatusToolExecutionFailed
			out.Err = err
			if !delivered {
				delivered = true
				out.Text = FailureMessage(out.Status, out.Attempts)
				out.Delivered = guard(func() bool { return l.deliver(ctx, target, out.Text) })
			}
		}
		out.TraceID = req.TraceID
		out.Duration = time.Since(start)
		guard(func() bool { l.react(ctx, target, out.Status); return true })
		guard(func() bool { l.remember(ctx, req, out); return true })
		l.audit(ctx, req, out)
	}()

	rctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	gathered := l.gatherer.Gather(rctx, req)
	var feedback string
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		out.Attempts = attempt
		if attempt > 1 && feedback != "" {
			gathered = l.gatherer.Gather(rctx, req)
		}
		cand, err := l.actor.Act(rctx, req, gathered, feedback)
		if err != nil {
			out.Status = classify(rctx, err)
			out.Err = err
			l.logger.Warn(ctx, "actor failed", "trace_id", req.TraceID, "attempt", attempt, "status", string(out.Status), "err", err)
			break
		}
		res := l.verifier.Check(cand, req, gathered)
		out.Verification = res
		l.recordVerify(rctx, req.TraceID, attempt, res)
		for _, w := range res.Warnings() {
			l.logger.Info(ctx, "verification warning", "trace_id", req.TraceID, "attempt", attempt, "code", w.Code, "message", w.Message)
		}
		if res.Passed {
			out.Status = StatusSuccess
			out.Candidate = cand
			out.Text = cand.Text
			break
		}
		l.logger.Info(ctx, "verification failed", "trace_id", req.TraceID, "attempt", attempt, "errors", len(res.Errors()))
		feedback = res.Feedback
		if err := rctx.Err(); err != nil {
			out.Status = StatusTimeout
			out.Err = err
			break
		}
	}
	if out.Status == "" {
		out.Status = StatusVerificationExhausted
		out.Err = &retry.ExhaustedError{Attempts: out.Attempts, TotalDuration: time.Since(start), LastError: errors.New(out.Verification.Feedback)}
	}
	if out.Status != StatusSuccess {
		out.Text = FailureMessage(out.Status, out.Attempts)
	}
	delivered = true
	out.Delivered = l.deliver(ctx, target, out.Text)
	return out
}

// guard runs fn and reports false when it panics.
func guard(fn func() bool) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}

// classify maps a completion failure to a run status.
func classify(ctx context.Context, err error) Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StatusTimeout
	}
	if retry.Classify(err) == retry.ClassRateLimited {
		return StatusRateLimited
	}
	return StatusToolExecutionFailed
}

// deliver replays text to the transport. It runs on a context detached from
// the run deadline so failure explanations still reach the user.
func (l *Loop) deliver(ctx context.Context, target stream.Target, text string) bool {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	if err := stream.Replay(dctx, l.transport, target, text, l.chunkRunes); err != nil {
		l.logger.Error(ctx, "delivery failed", "trace_id", target.TraceID, "err", err)
		return false
	}
	return true
}

func (l *Loop) react(ctx context.Context, target stream.Target, s Status) {
	reaction := ReactionFallback
	if s == StatusSuccess {
		reaction = ReactionSuccess
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	if err := l.transport.React(dctx, target, reaction); err != nil {
		l.logger.Debug(ctx, "reaction failed", "trace_id", target.TraceID, "err", err)
	}
}

// remember appends the exchange to the history store when configured.
func (l *Loop) remember(ctx context.Context, req agent.Request, out Outcome) {
	if l.history == nil || req.SessionID == "" || !out.Delivered {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	err := l.history.AppendTurns(dctx, req.SessionID,
		agent.Turn{Role: agent.RoleUser, Text: req.Text},
		agent.Turn{Role: agent.RoleAssistant, Text: out.Text},
	)
	if err != nil {
		l.logger.Warn(ctx, "history append failed", "session_id", req.SessionID, "err", err)
	}
}

func (l *Loop) recordVerify(ctx context.Context, traceID string, attempt int, res agent.VerificationResult) {
	l.recorder.Record(ctx, traceID, telemetry.SpanRecord{
		Name:     "verify",
		Output:   telemetry.Redact("passed", res.Passed, "errors", len(res.Errors()), "warnings", len(res.Warnings())),
		Metadata: telemetry.Redact("attempt", attempt),
	})
}

func (l *Loop) audit(ctx context.Context, req agent.Request, out Outcome) {
	l.metrics.RecordGauge("verity.loop.attempts", float64(out.Attempts), "status", string(out.Status))
	l.metrics.IncCounter("verity.loop.outcome", 1, "status", string(out.Status))
	l.metrics.RecordTimer("verity.loop.duration", out.Duration, "status", string(out.Status))
	l.recorder.Record(ctx, req.TraceID, telemetry.SpanRecord{
		Name:     "loop",
		Input:    telemetry.Redact("query", req.Text),
		Output:   telemetry.Redact("status", telemetry.Code(out.Status), "answer", out.Text, "delivered", out.Delivered),
		Metadata: telemetry.Redact("attempts", out.Attempts),
		Duration: out.Duration,
	})
	kv := []any{"trace_id", req.TraceID, "status", string(out.Status), "attempts", out.Attempts, "duration", out.Duration}
	if out.Err != nil {
		kv = append(kv, "err", out.Err)
	}
	l.logger.Info(ctx, "agent run completed", kv...)
}
