// Package actor drives one ACT phase: it sends the request and gathered
// context to the completion service, executes the tools the model requests
// and buffers the streamed text into a candidate answer. Nothing the actor
// produces reaches the user directly; the loop delivers candidates only
// after verification.
package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/model"
	"goa.design/verity/runtime/agent/stream"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/tools"
	"goa.design/verity/runtime/agent/transcript"
)

// DefaultMaxIterations bounds the completion calls of one Act invocation.
const DefaultMaxIterations = 10

type (
	// State is the actor state machine position.
	State string

	// Actor produces candidate answers.
	Actor struct {
		client        model.Client
		exec          *tools.Executor
		transport     stream.Transport
		system        string
		model         string
		maxTokens     int
		temperature   float32
		maxIterations int
		observe       func(State)
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		recorder      telemetry.Recorder
	}

	// Option configures an Actor.
	Option func(*Actor)

	// turn is the outcome of a single streamed completion.
	turn struct {
		text  string
		calls []model.ToolCall
		stop  string
	}
)

const (
	StateSending        State = "SENDING"
	StateStreaming      State = "STREAMING"
	StateToolRequested  State = "TOOL_REQUESTED"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateDone           State = "DONE"
)

// WithExecutor enables tool use through exec. Without an executor the model
// is offered no tools.
func WithExecutor(exec *tools.Executor) Option {
	return func(a *Actor) { a.exec = exec }
}

// WithTransport enables status hints while tools run.
func WithTransport(t stream.Transport) Option {
	return func(a *Actor) { a.transport = t }
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(s string) Option {
	return func(a *Actor) { a.system = s }
}

// WithModel selects the provider model identifier.
func WithModel(id string) Option {
	return func(a *Actor) { a.model = id }
}

// WithMaxTokens caps completion tokens per call.
func WithMaxTokens(n int) Option {
	return func(a *Actor) { a.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(a *Actor) { a.temperature = t }
}

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(a *Actor) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(a *Actor) { a.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(a *Actor) { a.metrics = m }
}

// WithRecorder sets the span recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(a *Actor) { a.recorder = r }
}

// New returns an Actor calling client.
func New(client model.Client, opts ...Option) *Actor {
	a := &Actor{
		client:        client,
		system:        DefaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		recorder:      telemetry.NoopRecorder{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Act produces a candidate answer for req. Tool failures are reported to the
// model as tool results; the error return is reserved for completion service
// failures and context cancellation.
func (a *Actor) Act(ctx context.Context, req agent.Request, gathered agent.GatheredContext, priorFeedback string) (agent.Candidate, error) {
	start := time.Now()
	led := transcript.NewLedger(model.UserText(Prompt(req, gathered)))
	if strings.TrimSpace(priorFeedback) != "" {
		led.AppendText("(previous answer withheld)")
		led.AppendUserText(priorFeedback)
	}
	var defs []*model.ToolDefinition
	if a.exec != nil {
		defs = a.exec.Registry().Definitions()
	}

	var (
		all       strings.Builder
		final     string
		used      int
		toolSrcs  []agent.Source
		iteration int
		capped    bool
	)
	for {
		if iteration >= a.maxIterations {
			capped = true
			a.logger.Warn(ctx, "actor iteration ceiling reached", "iterations", iteration, "tool_calls", used)
			break
		}
		iteration++
		a.enter(StateSending)
		msgs := led.BuildMessages()
		if err := transcript.Validate(msgs); err != nil {
			a.record(ctx, req, start, iteration, used, err)
			return agent.Candidate{}, err
		}
		t, err := a.complete(ctx, &model.Request{
			Model:       a.model,
			System:      a.system,
			Messages:    msgs,
			Tools:       defs,
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
		})
		if err != nil {
			a.record(ctx, req, start, iteration, used, err)
			return agent.Candidate{}, err
		}
		all.WriteString(t.text)
		led.AppendText(t.text)
		if len(t.calls) == 0 || a.exec == nil {
			final = t.text
			break
		}
		a.enter(StateToolRequested)
		for _, c := range t.calls {
			led.DeclareToolUse(c.ID, c.Name, c.Payload)
		}
		a.enter(StateExecutingTools)
		results, srcs := a.runTools(ctx, req, t.calls)
		used += len(t.calls)
		toolSrcs = append(toolSrcs, srcs...)
		if err := led.AppendUserToolResults(results); err != nil {
			return agent.Candidate{}, err
		}
	}
	a.enter(StateDone)

	text := final
	if strings.TrimSpace(text) == "" || capped {
		text = all.String()
	}
	cand := agent.Candidate{
		Text:          strings.TrimSpace(text),
		ToolCallsUsed: used,
		Sources:       append(append([]agent.Source(nil), gathered.RelevantSources...), toolSrcs...),
	}
	a.metrics.RecordGauge("verity.actor.iterations", float64(iteration))
	a.record(ctx, req, start, iteration, used, nil)
	return cand, nil
}

// complete runs one streamed completion and collects its text and tool calls.
func (a *Actor) complete(ctx context.Context, req *model.Request) (turn, error) {
	s, err := a.client.Stream(ctx, req)
	if err != nil {
		return turn{}, fmt.Errorf("actor: start stream: %w", err)
	}
	defer func() { _ = s.Close() }()
	a.enter(StateStreaming)
	var (
		out  turn
		text strings.Builder
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return turn{}, fmt.Errorf("actor: stream: %w", err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			text.WriteString(chunk.Text)
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				out.calls = append(out.calls, *chunk.ToolCall)
			}
		case model.ChunkTypeStop:
			out.stop = chunk.StopReason
		}
	}
	out.text = text.String()
	for i := range out.calls {
		if out.calls[i].ID == "" {
			out.calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return out, nil
}

// runTools executes calls in order and returns exactly one result per call.
func (a *Actor) runTools(ctx context.Context, req agent.Request, calls []model.ToolCall) ([]transcript.ToolResultSpec, []agent.Source) {
	target := stream.Target{SessionID: req.SessionID, UserID: req.UserID, TraceID: req.TraceID}
	results := make([]transcript.ToolResultSpec, 0, len(calls))
	var srcs []agent.Source
	for _, c := range calls {
		name := tools.Ident(c.Name)
		if a.transport != nil {
			if hint := a.exec.Registry().Hint(name, c.Payload); hint != "" {
				if err := a.transport.SetStatus(ctx, target, hint); err != nil {
					a.logger.Debug(ctx, "status hint failed", "tool", c.Name, "err", err)
				}
			}
		}
		res := a.exec.Execute(ctx, tools.Call{ID: c.ID, Name: name, Args: c.Payload}, tools.TraceID(req.TraceID))
		results = append(results, transcript.ToolResultSpec{
			ToolUseID: c.ID,
			Content:   res.Content(),
			IsError:   !res.OK(),
		})
		if res.OK() {
			srcs = append(srcs, agent.Source{
				ID:    "tool:" + c.ID,
				Type:  agent.SourceTool,
				Title: c.Name,
			})
		}
		a.metrics.IncCounter("verity.actor.tool_calls", 1, "tool", c.Name, "code", res.Code())
	}
	if a.transport != nil {
		_ = a.transport.SetStatus(ctx, target, "")
	}
	return results, srcs
}

func (a *Actor) enter(s State) {
	if a.observe != nil {
		a.observe(s)
	}
}

func (a *Actor) record(ctx context.Context, req agent.Request, start time.Time, iterations, toolCalls int, err error) {
	a.recorder.Record(ctx, req.TraceID, telemetry.SpanRecord{
		Name:     "act",
		Input:    telemetry.Redact("query", req.Text),
		Output:   telemetry.Redact("iterations", iterations, "tool_calls", toolCalls),
		Metadata: telemetry.Redact("failed", err != nil),
		Duration: time.Since(start),
	})
}
