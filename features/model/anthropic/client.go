// Package anthropic adapts the Claude Messages API to model.Client. Tool
// names are sanitized on the way out and mapped back to their registry names
// on the way in; SDK errors become model.ProviderErrors.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/verity/runtime/agent/model"
)

const providerName = "anthropic"

// DefaultMaxTokens caps completions when neither the request nor Options do.
const DefaultMaxTokens = 1024

type (
	// MessagesClient is the part of *sdk.MessageService the adapter calls.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string
		// MaxTokens is used when model.Request.MaxTokens is zero.
		MaxTokens int
		// Temperature is used when model.Request.Temperature is zero.
		Temperature float64
	}

	// Client implements model.Client on the Messages API.
	Client struct {
		msg  MessagesClient
		opts Options
	}

	// call is one encoded request plus the tool name mapping needed to
	// decode its response.
	call struct {
		params sdk.MessageNewParams
		names  *model.ToolNames
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client issuing requests through msg.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey builds a Client on the default SDK HTTP client with SDK
// retries turned off. Retries are owned by the limiter and the agent loop.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a single Messages.New call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	cl, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, cl.params)
	if err != nil {
		return nil, wrapError("messages.new", err)
	}
	return decodeMessage(msg, cl.names)
}

// Stream issues Messages.NewStreaming and pumps its events as chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	cl, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, cl.params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("messages.new_streaming", err)
	}
	return streamMessages(ctx, stream, cl.names), nil
}

func (c *Client) encode(req *model.Request) (*call, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	names, err := model.MapToolNames(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	tools, err := encodeTools(req.Tools, names)
	if err != nil {
		return nil, err
	}
	msgs, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, err
	}
	p := sdk.MessageNewParams{
		Model:     sdk.Model(firstNonEmpty(req.Model, c.opts.DefaultModel)),
		MaxTokens: int64(c.opts.MaxTokens),
		Messages:  msgs,
		Tools:     tools,
	}
	if req.MaxTokens > 0 {
		p.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		p.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := c.opts.Temperature
	if req.Temperature > 0 {
		temp = float64(req.Temperature)
	}
	if temp > 0 {
		p.Temperature = sdk.Float(temp)
	}
	return &call{params: p, names: names}, nil
}

func encodeMessages(msgs []*model.Message, names *model.ToolNames) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks, err := encodeParts(m.Parts, names)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeParts(parts []model.Part, names *model.ToolNames) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case model.TextPart:
			if v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		case model.ToolUsePart:
			if v.Name == "" {
				return nil, errors.New("anthropic: tool_use part missing name")
			}
			var input any = map[string]any{}
			if len(v.Input) > 0 {
				input = v.Input
			}
			blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, names.Wire(v.Name)))
		case model.ToolResultPart:
			blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
		}
	}
	return blocks, nil
}

func encodeTools(defs []*model.ToolDefinition, names *model.ToolNames) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema, err := inputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, names.Wire(def.Name))
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func inputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	raw, err := model.SchemaJSON(schema)
	if err != nil || raw == nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: fields}, nil
}

func decodeMessage(msg *sdk.Message, names *model.ToolNames) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{StopReason: normalizeStopReason(string(msg.StopReason))}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      block.ID,
				Name:    names.Canonical(block.Name),
				Payload: block.Input,
			})
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	resp.Usage = model.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	return resp, nil
}

// wrapError turns SDK API errors into ProviderErrors. Errors already marked
// as rate limited pass through.
func wrapError(op string, err error) error {
	if errors.Is(err, model.ErrRateLimited) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.WrapStatus(providerName, op, apiErr.StatusCode, "", "", err)
	}
	return fmt.Errorf("anthropic %s: %w", op, err)
}

func normalizeStopReason(s string) string {
	switch s {
	case "end_turn", "stop_sequence":
		return model.StopReasonEndTurn
	case "tool_use":
		return model.StopReasonToolUse
	case "max_tokens":
		return model.StopReasonMaxTokens
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
