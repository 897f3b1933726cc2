// Package middleware provides model.Client middlewares. Limiter applies an
// adaptive tokens-per-minute budget in front of a provider so the loop's
// retries do not amplify provider throttling.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/verity/runtime/agent/model"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/tokens"
)

const (
	// DefaultTPM is the budget used when none is configured.
	DefaultTPM = 60000

	// requestOverhead approximates system prompt and provider framing cost.
	requestOverhead = 500

	tpmGauge = "verity.model.tpm"
)

type (
	// Limiter is an AIMD token bucket around a model.Client. Each call waits
	// for its estimated prompt cost; ErrRateLimited halves the budget and a
	// success adds a fixed recovery step up to the ceiling.
	Limiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		tpm      float64
		floor    float64
		ceiling  float64
		recovery float64

		// onChange observes every local budget change. The cluster limiter
		// uses it to publish adjustments.
		onChange func(decreased bool, tpm float64)

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures a Limiter.
	Option func(*Limiter)

	limitedClient struct {
		next    model.Client
		limiter *Limiter
	}
)

var _ model.Client = (*limitedClient)(nil)

// WithTPM sets the initial and maximum tokens-per-minute budget. A ceiling
// below initial is raised to initial.
func WithTPM(initial, ceiling float64) Option {
	return func(l *Limiter) {
		if initial > 0 {
			l.tpm = initial
		}
		l.ceiling = ceiling
	}
}

// WithLogger sets the logger used to report budget changes.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics records the current budget as the verity.model.tpm gauge.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter returns a process-local adaptive limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		tpm:     DefaultTPM,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.ceiling < l.tpm {
		l.ceiling = l.tpm
	}
	l.floor = max(l.tpm*0.1, 1)
	l.recovery = max(l.tpm*0.05, 1)
	l.limiter = rate.NewLimiter(rate.Limit(l.tpm/60), int(l.tpm))
	return l
}

// Wrap returns next guarded by the limiter. Streams are charged once when
// opened.
func (l *Limiter) Wrap(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current budget.
func (l *Limiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	c.limiter.observe(ctx, err)
	return s, err
}

func (l *Limiter) wait(ctx context.Context, req *model.Request) error {
	l.mu.Lock()
	lim := l.limiter
	burst := int(l.tpm)
	l.mu.Unlock()
	return lim.WaitN(ctx, min(Cost(req), burst))
}

func (l *Limiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(ctx, l.TPM()+l.recovery, false)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(ctx, l.TPM()*0.5, true)
	}
}

// adjust moves the budget to tpm clamped to [floor, ceiling].
func (l *Limiter) adjust(ctx context.Context, tpm float64, decreased bool) {
	l.mu.Lock()
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		l.mu.Unlock()
		return
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	cb := l.onChange
	l.mu.Unlock()

	l.metrics.RecordGauge(tpmGauge, tpm)
	if decreased {
		l.logger.Warn(ctx, "model rate limited, reducing budget", "tpm", tpm)
	}
	if cb != nil {
		cb(decreased, tpm)
	}
}

// set replaces the budget without notifying onChange.
func (l *Limiter) set(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		return
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
}

// Cost estimates the prompt tokens of req: system prompt, message text, tool
// inputs and tool results plus a fixed framing overhead.
func Cost(req *model.Request) int {
	n := tokens.Estimate(req.System)
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				n += tokens.Estimate(v.Text)
			case model.ToolUsePart:
				n += tokens.Estimate(string(v.Input))
			case model.ToolResultPart:
				n += tokens.Estimate(v.Content)
			}
		}
	}
	return n + requestOverhead
}
