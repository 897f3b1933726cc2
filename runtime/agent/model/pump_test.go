package model

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPumpDeliversChunksThenEOF(t *testing.T) {
	defer goleak.VerifyNone(t)
	var released atomic.Int32
	p := NewPump(context.Background(), func() error {
		released.Add(1)
		return nil
	}, func(_ context.Context, emit Emit) error {
		if err := emit(Chunk{Type: ChunkTypeText, Text: "hi"}); err != nil {
			return err
		}
		return emit(Chunk{Type: ChunkTypeUsage, UsageDelta: &TokenUsage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3}})
	})

	c, err := p.Recv()
	require.NoError(t, err)
	require.Equal(t, "hi", c.Text)
	c, err = p.Recv()
	require.NoError(t, err)
	require.Equal(t, ChunkTypeUsage, c.Type)
	_, err = p.Recv()
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, TokenUsage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3}, p.Metadata()["usage"])
	require.NoError(t, p.Close())
	require.Equal(t, int32(1), released.Load())
}

func TestPumpReportsDecodeError(t *testing.T) {
	defer goleak.VerifyNone(t)
	boom := errors.New("boom")
	p := NewPump(context.Background(), nil, func(_ context.Context, emit Emit) error {
		_ = emit(Chunk{Type: ChunkTypeText, Text: "partial"})
		return boom
	})
	defer func() { _ = p.Close() }()

	_, err := p.Recv()
	require.NoError(t, err)
	_, err = p.Recv()
	require.ErrorIs(t, err, boom)
	require.Nil(t, p.Metadata())
}

func TestPumpCloseStopsBlockedDecoder(t *testing.T) {
	defer goleak.VerifyNone(t)
	done := make(chan struct{})
	p := NewPump(context.Background(), nil, func(ctx context.Context, emit Emit) error {
		defer close(done)
		for {
			if err := emit(Chunk{Type: ChunkTypeText, Text: "x"}); err != nil {
				return err
			}
		}
	})
	_, err := p.Recv()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	<-done
}

func TestPumpParentCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPump(ctx, nil, func(ctx context.Context, _ Emit) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	_, err := p.Recv()
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, p.Close())
}

func TestCallAssembler(t *testing.T) {
	names, err := MapToolNames([]*ToolDefinition{{Name: "knowledge.search"}})
	require.NoError(t, err)
	a := NewCallAssembler(names)
	require.Error(t, a.Start(0, "", "knowledge_search"))
	require.Error(t, a.Start(0, "tu-1", ""))

	require.NoError(t, a.Start(1, "tu-1", "knowledge_search"))
	a.Append(1, `{"query":`)
	a.Append(1, ` "refunds"}`)
	a.Append(7, "dropped")
	require.Nil(t, a.Finish(7))

	call := a.Finish(1)
	require.NotNil(t, call)
	require.Equal(t, "tu-1", call.ID)
	require.Equal(t, "knowledge.search", call.Name)
	require.JSONEq(t, `{"query":"refunds"}`, string(call.Payload))
	require.Nil(t, a.Finish(1))

	require.NoError(t, a.Start(2, "tu-2", "web_fetch"))
	a.Reset()
	require.Nil(t, a.Finish(2))

	require.NoError(t, a.Start(3, "tu-3", "web_fetch"))
	call = a.Finish(3)
	require.Equal(t, "web_fetch", call.Name)
	require.JSONEq(t, `{}`, string(call.Payload))
}

func TestMapToolNames(t *testing.T) {
	names, err := MapToolNames([]*ToolDefinition{{Name: "knowledge.search"}, {Name: "web.fetch"}, nil})
	require.NoError(t, err)
	require.Equal(t, "knowledge_search", names.Wire("knowledge.search"))
	require.Equal(t, "web.fetch", names.Canonical("web_fetch"))
	require.Equal(t, "made_up", names.Canonical("made_up"))

	var none *ToolNames
	require.Equal(t, "x.y", none.Wire("x.y"))

	_, err = MapToolNames([]*ToolDefinition{{Name: "a.b"}, {Name: "a_b"}})
	require.ErrorContains(t, err, "collides")
}
