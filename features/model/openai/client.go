// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates verity requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps responses and
// streaming deltas back to the generic model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/verity/runtime/agent/model"
)

const providerName = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// MaxTokens is used when a request does not set MaxTokens.
	MaxTokens int
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
}

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	request, names, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, wrapError("chat_completion", err)
	}
	return translateResponse(response, names), nil
}

// Stream opens a streaming chat completion. Tool call deltas are buffered per
// index and emitted once the choice finishes.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	request, names, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, wrapError("chat_completion_stream", err)
	}
	return streamChat(ctx, stream, names), nil
}

func (c *Client) buildRequest(req *model.Request) (openai.ChatCompletionRequest, *model.ToolNames, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	names, err := model.MapToolNames(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, nil, fmt.Errorf("openai: %w", err)
	}
	tools, err := encodeTools(req.Tools, names)
	if err != nil {
		return openai.ChatCompletionRequest{}, nil, err
	}
	messages, err := encodeMessages(req.System, req.Messages, names)
	if err != nil {
		return openai.ChatCompletionRequest{}, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	return openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Tools:       tools,
	}, names, nil
}

// encodeMessages flattens typed parts into chat messages. Tool results become
// one "tool" message per result so each correlates with its call id.
func encodeMessages(system string, msgs []*model.Message, names *model.ToolNames) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser:
			var text string
			for _, p := range m.Parts {
				switch v := p.(type) {
				case model.TextPart:
					text += v.Text
				case model.ToolResultPart:
					content := v.Content
					if v.IsError && content == "" {
						content = "error"
					}
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    content,
						ToolCallID: v.ToolUseID,
					})
				}
			}
			if text != "" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
			}
		case model.ConversationRoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, p := range m.Parts {
				switch v := p.(type) {
				case model.TextPart:
					msg.Content += v.Text
				case model.ToolUsePart:
					args := string(v.Input)
					if args == "" {
						args = "{}"
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:       v.ID,
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: names.Wire(v.Name), Arguments: args},
					})
				}
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition, names *model.ToolNames) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := model.SchemaJSON(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		if params == nil {
			params = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        names.Wire(def.Name),
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse, names *model.ToolNames) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		out.Text += msg.Content
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:      call.ID,
				Name:    names.Canonical(call.Function.Name),
				Payload: toolArguments(call.Function.Arguments),
			})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = normalizeFinishReason(resp.Choices[0].FinishReason)
	}
	return out
}

// toolArguments returns raw when it is valid JSON and wraps it otherwise so
// malformed model output still reaches argument validation.
func toolArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}

func normalizeFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonStop:
		return model.StopReasonEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.StopReasonToolUse
	case openai.FinishReasonLength:
		return model.StopReasonMaxTokens
	}
	return string(r)
}

func wrapError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return model.WrapStatus(providerName, op, apiErr.HTTPStatusCode, code, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return model.WrapStatus(providerName, op, reqErr.HTTPStatusCode, "", "", err)
	}
	return fmt.Errorf("openai %s: %w", op, err)
}
