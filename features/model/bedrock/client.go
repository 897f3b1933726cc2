// Package bedrock adapts the AWS Bedrock Converse API to model.Client.
// Tool inputs and schemas travel as smithy documents; throttling from either
// the service error code or an HTTP 429 becomes model.ErrRateLimited.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/verity/runtime/agent/model"
	"goa.design/verity/runtime/agent/telemetry"
)

const bedrockProviderName = "bedrock"

type (
	// RuntimeClient is the part of *bedrockruntime.Client the adapter calls.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string
		// MaxTokens is used when model.Request.MaxTokens is zero. Zero leaves
		// the cap to Bedrock.
		MaxTokens int
		// Temperature is used when model.Request.Temperature is zero.
		Temperature float32
		// Logger reports schemas that could not be encoded.
		Logger telemetry.Logger
	}

	// Client implements model.Client on Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		opts    Options
	}

	// requestParts holds the fields shared by ConverseInput and
	// ConverseStreamInput.
	requestParts struct {
		modelID   *string
		messages  []brtypes.Message
		system    []brtypes.SystemContentBlock
		tools     *brtypes.ToolConfiguration
		inference *brtypes.InferenceConfiguration
		names     *model.ToolNames
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client issuing requests through rt.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Client{runtime: rt, opts: opts}, nil
}

// Complete issues a Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	p, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         p.modelID,
		Messages:        p.messages,
		System:          p.system,
		ToolConfig:      p.tools,
		InferenceConfig: p.inference,
	})
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(out, p.names)
}

// Stream issues a ConverseStream call and pumps its events as chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	p, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         p.modelID,
		Messages:        p.messages,
		System:          p.system,
		ToolConfig:      p.tools,
		InferenceConfig: p.inference,
	})
	if err != nil {
		return nil, wrapBedrockError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: converse stream returned no event stream")
	}
	return streamConverse(ctx, stream, p.names), nil
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	names, err := model.MapToolNames(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	msgs, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	p := &requestParts{
		modelID:   aws.String(modelID),
		messages:  msgs,
		tools:     c.encodeTools(ctx, req.Tools, names),
		inference: c.inference(req.MaxTokens, req.Temperature),
		names:     names,
	}
	if req.System != "" {
		p.system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	return p, nil
}

// inference returns nil when neither the request nor the options set a cap
// or temperature, leaving both to the model defaults.
func (c *Client) inference(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if temp <= 0 {
		temp = c.opts.Temperature
	}
	if maxTokens <= 0 && temp <= 0 {
		return nil
	}
	var cfg brtypes.InferenceConfiguration
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // bounded by config validation
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	return &cfg
}

func encodeMessages(msgs []*model.Message, names *model.ToolNames) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.ConversationRoleUser:
			role = brtypes.ConversationRoleUser
		case model.ConversationRoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		if blocks := encodeParts(m.Parts, names); len(blocks) > 0 {
			out = append(out, brtypes.Message{Role: role, Content: blocks})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeParts(parts []model.Part, names *model.ToolNames) []brtypes.ContentBlock {
	blocks := make([]brtypes.ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case model.TextPart:
			if v.Text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
			}
		case model.ToolUsePart:
			input := map[string]any{}
			if len(v.Input) > 0 {
				_ = json.Unmarshal(v.Input, &input)
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(v.ID),
				Name:      aws.String(names.Wire(v.Name)),
				Input:     lazyDocument(input),
			}})
		case model.ToolResultPart:
			res := brtypes.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Content}},
			}
			if v.IsError {
				res.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: res})
		}
	}
	return blocks
}

func (c *Client) encodeTools(ctx context.Context, defs []*model.ToolDefinition, names *model.ToolNames) *brtypes.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	cfg := &brtypes.ToolConfiguration{Tools: make([]brtypes.Tool, 0, len(defs))}
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(names.Wire(def.Name)),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: c.schemaDocument(ctx, def)},
		}})
	}
	return cfg
}

// schemaDocument falls back to an open object schema when the definition's
// schema cannot be encoded.
func (c *Client) schemaDocument(ctx context.Context, def *model.ToolDefinition) document.Interface {
	var decoded any = map[string]any{"type": "object"}
	raw, err := model.SchemaJSON(def.InputSchema)
	if err == nil && raw != nil {
		err = json.Unmarshal(raw, &decoded)
	}
	if err != nil {
		c.opts.Logger.Error(ctx, "bedrock: tool schema dropped", "tool", def.Name, "err", err)
		decoded = map[string]any{"type": "object"}
	}
	return lazyDocument(decoded)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func translateResponse(output *bedrockruntime.ConverseOutput, names *model.ToolNames) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{StopReason: normalizeStopReason(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:      deref(v.Value.ToolUseId),
					Name:    names.Canonical(deref(v.Value.Name)),
					Payload: documentJSON(v.Value.Input),
				})
			}
		}
	}
	if u := output.Usage; u != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(u.InputTokens)),
			OutputTokens: int(ptrValue(u.OutputTokens)),
			TotalTokens:  int(ptrValue(u.TotalTokens)),
		}
	}
	return resp, nil
}

// documentJSON renders a smithy document as JSON, defaulting to "{}".
func documentJSON(doc document.Interface) json.RawMessage {
	if doc != nil {
		if data, err := doc.MarshalSmithyDocument(); err == nil && len(data) > 0 {
			return json.RawMessage(data)
		}
	}
	return json.RawMessage("{}")
}

func normalizeStopReason(r brtypes.StopReason) string {
	switch r {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return model.StopReasonEndTurn
	case brtypes.StopReasonToolUse:
		return model.StopReasonToolUse
	case brtypes.StopReasonMaxTokens:
		return model.StopReasonMaxTokens
	}
	return string(r)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

var throttlingCodes = map[string]bool{
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
}

// isRateLimited reports whether err is throttling, by sentinel, error code
// or HTTP status.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

// wrapBedrockError turns SDK failures into ProviderErrors. Errors without an
// HTTP status, such as transport failures, are wrapped as-is.
func wrapBedrockError(op string, err error) error {
	if errors.Is(err, model.ErrRateLimited) {
		return err
	}
	if isRateLimited(err) {
		return errors.Join(model.ErrRateLimited, &model.ProviderError{
			Provider: bedrockProviderName,
			Op:       op,
			Status:   http.StatusTooManyRequests,
			Kind:     model.KindRateLimited,
			Code:     "rate_limited",
			Err:      err,
		})
	}
	var respErr *smithyhttp.ResponseError
	if !errors.As(err, &respErr) || respErr.HTTPStatusCode() == 0 {
		return fmt.Errorf("bedrock %s: %w", op, err)
	}
	var code, msg string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code, msg = apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	return model.WrapStatus(bedrockProviderName, op, respErr.HTTPStatusCode(), code, msg, err)
}
