package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent/model"
)

type errorRuntimeClient struct {
	converseErr       error
	converseStreamErr error
}

func (e *errorRuntimeClient) Converse(
	_ context.Context,
	_ *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.converseErr
}

func (e *errorRuntimeClient) ConverseStream(
	_ context.Context,
	_ *bedrockruntime.ConverseStreamInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, e.converseStreamErr
}

type recordingRuntimeClient struct {
	errorRuntimeClient
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
}

func (r *recordingRuntimeClient) Converse(
	_ context.Context,
	in *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	r.input = in
	return r.output, nil
}

func helloRequest() *model.Request {
	return &model.Request{
		Messages: []*model.Message{model.UserText("hello")},
	}
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := model.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))
}

func TestIsRateLimited_ThrottlingCode(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	require.True(t, isRateLimited(err))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "ValidationException"}))
}

func TestComplete_WrapsRateLimitedErrors(t *testing.T) {
	client, err := New(&errorRuntimeClient{converseErr: model.ErrRateLimited}, Options{DefaultModel: "test-model", MaxTokens: 10})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), helloRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestComplete_ThrottlingBecomesProviderError(t *testing.T) {
	rt := &errorRuntimeClient{converseErr: &smithy.GenericAPIError{Code: "ThrottlingException"}}
	client, err := New(rt, Options{DefaultModel: "test-model"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), helloRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.KindRateLimited, pe.Kind)
	require.Equal(t, "bedrock", pe.Provider)
}

func TestStream_WrapsRateLimitedErrors(t *testing.T) {
	client, err := New(&errorRuntimeClient{converseStreamErr: model.ErrRateLimited}, Options{DefaultModel: "test-model"})
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), helloRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&errorRuntimeClient{}, Options{})
	require.Error(t, err)
}

func TestComplete_EncodesRequestAndTranslatesResponse(t *testing.T) {
	rt := &recordingRuntimeClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "Checking the docs."},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:      aws.String("knowledge_search"),
						ToolUseId: aws.String("tu-1"),
						Input:     lazyDocument(map[string]any{"query": "refunds"}),
					}},
				},
			}},
			StopReason: brtypes.StopReasonToolUse,
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(12),
				OutputTokens: aws.Int32(5),
				TotalTokens:  aws.Int32(17),
			},
		},
	}
	client, err := New(rt, Options{DefaultModel: "test-model", MaxTokens: 256, Temperature: 0.2})
	require.NoError(t, err)

	req := &model.Request{
		System: "be precise",
		Messages: []*model.Message{
			model.UserText("what is the refund policy?"),
		},
		Tools: []*model.ToolDefinition{{
			Name:        "knowledge.search",
			Description: "Search the corpus",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	in := rt.input
	require.NotNil(t, in)
	require.Equal(t, "test-model", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.NotNil(t, in.InferenceConfig)
	require.Equal(t, int32(256), aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.NotNil(t, in.ToolConfig)
	require.Len(t, in.ToolConfig.Tools, 1)
	spec, ok := in.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	require.Equal(t, "knowledge_search", aws.ToString(spec.Value.Name))

	require.Equal(t, "Checking the docs.", resp.Text)
	require.Equal(t, model.StopReasonToolUse, resp.StopReason)
	require.Equal(t, 17, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "knowledge.search", resp.ToolCalls[0].Name)
	require.Equal(t, "tu-1", resp.ToolCalls[0].ID)
	var args map[string]any
	require.NoError(t, json.Unmarshal(resp.ToolCalls[0].Payload, &args))
	require.Equal(t, "refunds", args["query"])
}

func TestEncodeMessages_ToolRoundTrip(t *testing.T) {
	msgs := []*model.Message{
		model.UserText("q"),
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{
			model.ToolUsePart{ID: "tu-1", Name: "web.fetch", Input: json.RawMessage(`{"url":"https://example.com"}`)},
		}},
		{Role: model.ConversationRoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "tu-1", Content: "boom", IsError: true},
		}},
	}
	names, err := model.MapToolNames([]*model.ToolDefinition{{Name: "web.fetch"}})
	require.NoError(t, err)
	out, err := encodeMessages(msgs, names)
	require.NoError(t, err)
	require.Len(t, out, 3)

	use, ok := out[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	require.Equal(t, "web_fetch", aws.ToString(use.Value.Name))

	res, ok := out[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	require.Equal(t, "tu-1", aws.ToString(res.Value.ToolUseId))
	require.Equal(t, brtypes.ToolResultStatusError, res.Value.Status)
}

func TestEncodeMessages_RejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]*model.Message{{Role: "system", Parts: []model.Part{model.TextPart{Text: "x"}}}}, nil)
	require.Error(t, err)
}

func TestPrepareRequest_DetectsToolNameCollisions(t *testing.T) {
	c, err := New(&errorRuntimeClient{}, Options{DefaultModel: "anthropic.claude"})
	require.NoError(t, err)
	_, err = c.prepareRequest(context.Background(), &model.Request{
		Messages: []*model.Message{model.UserText("q")},
		Tools:    []*model.ToolDefinition{{Name: "web.fetch"}, {Name: "web_fetch"}},
	})
	require.ErrorContains(t, err, "collides")
}
