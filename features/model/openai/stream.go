package openai

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/verity/runtime/agent/model"
)

// chatStream is satisfied by *openai.ChatCompletionStream.
type chatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// streamChat pumps chat completion deltas into model chunks.
func streamChat(ctx context.Context, stream chatStream, names *model.ToolNames) model.Streamer {
	return model.NewPump(ctx, stream.Close, func(ctx context.Context, emit model.Emit) error {
		deltas := newDeltaDecoder(emit, names)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			resp, err := stream.Recv()
			switch {
			case errors.Is(err, io.EOF):
				return deltas.finish()
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return wrapError("chat_completion_stream", err)
			}
			if err := deltas.decode(resp); err != nil {
				return err
			}
		}
	})
}

// deltaDecoder folds chat completion deltas into chunks. Tool calls arrive
// as fragments keyed by index with the id and name on the first fragment
// only; they are flushed on a finish reason or at end of stream.
type deltaDecoder struct {
	emit  model.Emit
	names *model.ToolNames
	calls map[int]*partialCall

	stopReason string
	stopped    bool
}

func newDeltaDecoder(emit model.Emit, names *model.ToolNames) *deltaDecoder {
	return &deltaDecoder{emit: emit, names: names, calls: make(map[int]*partialCall)}
}

func (d *deltaDecoder) decode(resp openai.ChatCompletionStreamResponse) error {
	for _, choice := range resp.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			if err := d.emit(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for i, call := range choice.Delta.ToolCalls {
			idx := i
			if call.Index != nil {
				idx = *call.Index
			}
			pc := d.calls[idx]
			if pc == nil {
				pc = &partialCall{}
				d.calls[idx] = pc
			}
			if call.ID != "" {
				pc.id = call.ID
			}
			if call.Function.Name != "" {
				pc.name = d.names.Canonical(call.Function.Name)
			}
			pc.args.WriteString(call.Function.Arguments)
		}
		if choice.FinishReason != "" {
			d.stopReason = normalizeFinishReason(choice.FinishReason)
			if err := d.flushCalls(); err != nil {
				return err
			}
		}
	}
	if u := resp.Usage; u != nil {
		usage := model.TokenUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}
		if err := d.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage}); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes pending tool calls and emits the stop chunk once.
func (d *deltaDecoder) finish() error {
	if err := d.flushCalls(); err != nil {
		return err
	}
	if d.stopped {
		return nil
	}
	d.stopped = true
	return d.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: d.stopReason})
}

func (d *deltaDecoder) flushCalls() error {
	if len(d.calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(d.calls))
	for idx := range d.calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		pc := d.calls[idx]
		if pc.name == "" {
			return errors.New("openai stream: tool call missing function name")
		}
		if err := d.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{ID: pc.id, Name: pc.name, Payload: toolArguments(strings.TrimSpace(pc.args.String()))},
		}); err != nil {
			return err
		}
	}
	clear(d.calls)
	return nil
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}
