package middleware

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent/model"
)

type fakeClient struct {
	mu          sync.Mutex
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	return &model.Response{}, f.completeErr
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	return nil, f.streamErr
}

func helloRequest() *model.Request {
	return &model.Request{Messages: []*model.Message{model.UserText("hello")}, MaxTokens: 10}
}

func TestLimiter_BackoffOnRateLimited(t *testing.T) {
	l := NewLimiter(WithTPM(60000, 60000))
	wrapped := l.Wrap(&fakeClient{completeErr: model.ErrRateLimited})

	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, float64(30000), l.TPM())
}

func TestLimiter_BackoffStopsAtFloor(t *testing.T) {
	l := NewLimiter(WithTPM(100000, 100000))
	wrapped := l.Wrap(&fakeClient{streamErr: model.ErrRateLimited})

	for range 6 {
		_, _ = wrapped.Stream(context.Background(), helloRequest())
	}
	require.Equal(t, float64(10000), l.TPM())
}

func TestLimiter_ProbeOnSuccess(t *testing.T) {
	l := NewLimiter(WithTPM(60000, 120000))
	wrapped := l.Wrap(&fakeClient{})

	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.NoError(t, err)
	require.Equal(t, float64(63000), l.TPM())
}

func TestLimiter_ProbeCappedAtCeiling(t *testing.T) {
	l := NewLimiter(WithTPM(60000, 0))
	wrapped := l.Wrap(&fakeClient{})

	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.NoError(t, err)
	require.Equal(t, float64(60000), l.TPM())
}

func TestLimiter_OtherErrorsKeepBudget(t *testing.T) {
	l := NewLimiter(WithTPM(60000, 120000))
	wrapped := l.Wrap(&fakeClient{completeErr: context.DeadlineExceeded})

	_, err := wrapped.Complete(context.Background(), helloRequest())
	require.Error(t, err)
	require.Equal(t, float64(60000), l.TPM())
}

func TestLimiter_CancelledContextSkipsProvider(t *testing.T) {
	l := NewLimiter(WithTPM(60, 60))
	client := &fakeClient{}
	wrapped := l.Wrap(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wrapped.Complete(ctx, helloRequest())
	require.Error(t, err)
	require.Zero(t, client.completeCalls)
}

func TestCostMonotonic(t *testing.T) {
	small := Cost(&model.Request{Messages: []*model.Message{model.UserText("short")}})
	big := Cost(&model.Request{
		System:   "You answer questions about the handbook.",
		Messages: []*model.Message{model.UserText(strings.Repeat("this is a much longer message ", 20))},
	})
	require.Positive(t, small)
	require.Greater(t, big, small)
}

func TestCostCountsToolTraffic(t *testing.T) {
	base := &model.Request{Messages: []*model.Message{model.UserText("q")}}
	withTools := &model.Request{Messages: []*model.Message{
		model.UserText("q"),
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{
			model.ToolUsePart{ID: "1", Name: "web.fetch", Input: []byte(`{"url":"https://example.com/handbook"}`)},
		}},
		{Role: model.ConversationRoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "1", Content: strings.Repeat("policy text ", 50)},
		}},
	}}
	require.Greater(t, Cost(withTools), Cost(base))
}
