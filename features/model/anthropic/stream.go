package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/verity/runtime/agent/model"
)

// messageStream is the subset of the SDK server-sent event stream consumed
// by the pump.
type messageStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

var _ messageStream = (*ssestream.Stream[sdk.MessageStreamEventUnion])(nil)

// streamMessages pumps Messages API events into model chunks.
func streamMessages(ctx context.Context, stream messageStream, names *model.ToolNames) model.Streamer {
	return model.NewPump(ctx, stream.Close, func(ctx context.Context, emit model.Emit) error {
		turn := newTurnDecoder(emit, names)
		for stream.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := turn.decode(stream.Current()); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wrapError("stream", err)
		}
		return nil
	})
}

// turnDecoder tracks one assistant turn across Messages API stream events.
// Input tokens arrive on message_start while output tokens arrive on
// message_delta, so usage is accumulated here and emitted once complete.
type turnDecoder struct {
	emit  model.Emit
	calls *model.CallAssembler

	stopReason string
	usage      model.TokenUsage
}

func newTurnDecoder(emit model.Emit, names *model.ToolNames) *turnDecoder {
	return &turnDecoder{emit: emit, calls: model.NewCallAssembler(names)}
}

func (d *turnDecoder) decode(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		d.calls.Reset()
		d.stopReason = ""
		d.usage = model.TokenUsage{InputTokens: int(ev.Message.Usage.InputTokens)}
	case sdk.ContentBlockStartEvent:
		if use, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if err := d.calls.Start(int(ev.Index), use.ID, use.Name); err != nil {
				return fmt.Errorf("anthropic stream: %w", err)
			}
		}
	case sdk.ContentBlockDeltaEvent:
		return d.delta(ev)
	case sdk.ContentBlockStopEvent:
		if call := d.calls.Finish(int(ev.Index)); call != nil {
			return d.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: call})
		}
	case sdk.MessageDeltaEvent:
		d.stopReason = normalizeStopReason(string(ev.Delta.StopReason))
		return d.usageDelta(ev)
	case sdk.MessageStopEvent:
		d.calls.Reset()
		return d.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: d.stopReason})
	}
	return nil
}

func (d *turnDecoder) delta(ev sdk.ContentBlockDeltaEvent) error {
	switch v := ev.Delta.AsAny().(type) {
	case sdk.TextDelta:
		if v.Text != "" {
			return d.emit(model.Chunk{Type: model.ChunkTypeText, Text: v.Text})
		}
	case sdk.InputJSONDelta:
		d.calls.Append(int(ev.Index), v.PartialJSON)
	}
	return nil
}

func (d *turnDecoder) usageDelta(ev sdk.MessageDeltaEvent) error {
	u := ev.Usage
	d.usage.OutputTokens = int(u.OutputTokens)
	if in := int(u.InputTokens); in > 0 {
		d.usage.InputTokens = in
	}
	d.usage.TotalTokens = d.usage.InputTokens + d.usage.OutputTokens
	usage := d.usage
	return d.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
}
