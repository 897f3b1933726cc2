package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/verity/runtime/agent/model"
)

// eventStream is the subset of the ConverseStream event stream consumed by
// the pump.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Err() error
	Close() error
}

var _ eventStream = (*bedrockruntime.ConverseStreamEventStream)(nil)

// streamConverse pumps ConverseStream events into model chunks.
func streamConverse(ctx context.Context, stream eventStream, names *model.ToolNames) model.Streamer {
	return model.NewPump(ctx, stream.Close, func(ctx context.Context, emit model.Emit) error {
		conv := newConverseDecoder(emit, names)
		events := stream.Events()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					if err := stream.Err(); err != nil {
						return wrapBedrockError("converse_stream", err)
					}
					return nil
				}
				if err := conv.decode(ev); err != nil {
					return err
				}
			}
		}
	})
}

// converseDecoder maps ConverseStream output members to chunks. Bedrock
// reports usage in a trailing metadata event after message_stop.
type converseDecoder struct {
	emit  model.Emit
	calls *model.CallAssembler
}

func newConverseDecoder(emit model.Emit, names *model.ToolNames) *converseDecoder {
	return &converseDecoder{emit: emit, calls: model.NewCallAssembler(names)}
}

func (d *converseDecoder) decode(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		d.calls.Reset()
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := blockIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if use, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			if err := d.calls.Start(idx, deref(use.Value.ToolUseId), deref(use.Value.Name)); err != nil {
				return fmt.Errorf("bedrock stream: %w", err)
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := blockIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value != "" {
				return d.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			d.calls.Append(idx, deref(delta.Value.Input))
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := blockIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if call := d.calls.Finish(idx); call != nil {
			return d.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: call})
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		d.calls.Reset()
		return d.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: normalizeStopReason(ev.Value.StopReason)})
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			usage := model.TokenUsage{
				InputTokens:  int(ptrValue(u.InputTokens)),
				OutputTokens: int(ptrValue(u.OutputTokens)),
				TotalTokens:  int(ptrValue(u.TotalTokens)),
			}
			return d.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
		}
	}
	return nil
}

func blockIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, errors.New("bedrock stream: content block index missing")
	}
	return int(*idx), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
