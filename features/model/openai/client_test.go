package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent/model"
)

type mockChatClient struct {
	response openai.ChatCompletionResponse
	err      error
	captured openai.ChatCompletionRequest
}

func (m *mockChatClient) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.captured = request
	return m.response, m.err
}

func (m *mockChatClient) CreateChatCompletionStream(_ context.Context, request openai.ChatCompletionRequest) (
	*openai.ChatCompletionStream, error) {
	m.captured = request
	return nil, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := New(Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	mock.response = openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: openai.FinishReasonToolCalls,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: "hi there",
					ToolCalls: []openai.ToolCall{
						{
							ID: "call-1",
							Function: openai.FunctionCall{
								Name:      "knowledge_search",
								Arguments: `{"query":"docs"}`,
							},
						},
					},
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := client.Complete(context.Background(), &model.Request{
		System:   "be brief",
		Messages: []*model.Message{model.UserText("ping")},
		Tools: []*model.ToolDefinition{{
			Name:        "knowledge.search",
			Description: "Search",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "knowledge.search", resp.ToolCalls[0].Name)
	require.Equal(t, "call-1", resp.ToolCalls[0].ID)
	require.JSONEq(t, `{"query":"docs"}`, string(resp.ToolCalls[0].Payload))
	require.Equal(t, model.StopReasonToolUse, resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := mock.captured
	require.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, "ping", req.Messages[1].Content)
	require.Len(t, req.Tools, 1)
	require.Equal(t, openai.ToolTypeFunction, req.Tools[0].Type)
	require.Equal(t, "knowledge_search", req.Tools[0].Function.Name)
	params, ok := req.Tools[0].Function.Parameters.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `{"type":"object"}`, string(params))
}

func TestClientCompleteEncodesToolTurns(t *testing.T) {
	mock := &mockChatClient{}
	client, err := New(Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			model.UserText("fetch it"),
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{
				model.TextPart{Text: "Fetching."},
				model.ToolUsePart{ID: "call-1", Name: "web.fetch", Input: json.RawMessage(`{"url":"https://example.com"}`)},
			}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call-1", Content: "page body"},
			}},
		},
		Tools: []*model.ToolDefinition{{Name: "web.fetch"}},
	})
	require.NoError(t, err)

	msgs := mock.captured.Messages
	require.Len(t, msgs, 3)
	require.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	require.Equal(t, "web_fetch", msgs[1].ToolCalls[0].Function.Name)
	require.Equal(t, openai.ChatMessageRoleTool, msgs[2].Role)
	require.Equal(t, "call-1", msgs[2].ToolCallID)
	require.Equal(t, "page body", msgs[2].Content)
}

func TestClientCompleteWrapsRateLimit(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}}
	client, err := New(Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{Messages: []*model.Message{model.UserText("ping")}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.KindRateLimited, pe.Kind)
}

func TestClientCompleteWrapsClientError(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Code: "invalid_request_error"}}
	client, err := New(Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{Messages: []*model.Message{model.UserText("ping")}})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.KindInvalidRequest, pe.Kind)
	require.Equal(t, "invalid_request_error", pe.Code)
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := New(Options{Client: &mockChatClient{}})
	require.Error(t, err)
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := New(Options{Client: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

type fakeStream struct {
	events []openai.ChatCompletionStreamResponse
	err    error
	closed bool
}

func (f *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(f.events) == 0 {
		if f.err != nil {
			return openai.ChatCompletionStreamResponse{}, f.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func intPtr(v int) *int { return &v }

func TestStreamerAssemblesToolCalls(t *testing.T) {
	fs := &fakeStream{events: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Looking "}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "it up."}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{Index: intPtr(0), ID: "call-7", Function: openai.FunctionCall{Name: "knowledge_search", Arguments: `{"query":`}}},
		}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `"refunds"}`}}},
		}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonToolCalls}}},
		{Usage: &openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}
	names, err := model.MapToolNames([]*model.ToolDefinition{{Name: "knowledge.search"}})
	require.NoError(t, err)
	s := streamChat(context.Background(), fs, names)
	resp, err := model.Drain(s)
	require.NoError(t, err)
	require.Equal(t, "Looking it up.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call-7", resp.ToolCalls[0].ID)
	require.Equal(t, "knowledge.search", resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"refunds"}`, string(resp.ToolCalls[0].Payload))
	require.Equal(t, model.StopReasonToolUse, resp.StopReason)
	require.Equal(t, 5, resp.Usage.TotalTokens)
	require.True(t, fs.closed)
}

func TestStreamerSurfacesErrors(t *testing.T) {
	fs := &fakeStream{err: &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable}}
	s := streamChat(context.Background(), fs, nil)
	_, err := model.Drain(s)
	require.Error(t, err)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.KindUnavailable, pe.Kind)
	require.False(t, errors.Is(err, io.EOF))
}

func TestToolArgumentsWrapsInvalidJSON(t *testing.T) {
	require.JSONEq(t, `{"raw":"not json"}`, string(toolArguments("not json")))
	require.JSONEq(t, `{}`, string(toolArguments("")))
}
