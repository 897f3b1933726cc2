// Package modeltest provides a scripted model.Client for tests.
package modeltest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"goa.design/verity/runtime/agent/model"
)

type (
	// Client replays scripted turns. Each Stream call consumes the next
	// turn; once the script is exhausted the last turn repeats.
	Client struct {
		mu       sync.Mutex
		turns    []Turn
		next     int
		requests []*model.Request
	}

	// Turn is one scripted completion.
	Turn struct {
		// Err is returned by Stream when set.
		Err error
		// Chunks are delivered in order.
		Chunks []model.Chunk
		// RecvErr is returned by Recv after the chunks when set.
		RecvErr error
		// Respond, when set, computes the chunks from the request.
		Respond func(*model.Request) []model.Chunk
	}

	streamer struct {
		ctx    context.Context
		chunks []model.Chunk
		err    error
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client scripted with turns.
func New(turns ...Turn) *Client {
	return &Client{turns: turns}
}

// Text returns a turn streaming text in one chunk followed by end_turn.
func Text(text string) Turn {
	return Turn{Chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: text},
		{Type: model.ChunkTypeStop, StopReason: model.StopReasonEndTurn},
	}}
}

// ToolUse returns a turn requesting one tool call.
func ToolUse(id, name string, args any) Turn {
	payload, _ := json.Marshal(args)
	return Turn{Chunks: []model.Chunk{
		{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{ID: id, Name: name, Payload: payload}},
		{Type: model.ChunkTypeStop, StopReason: model.StopReasonToolUse},
	}}
}

// Fail returns a turn whose Stream call fails with err.
func Fail(err error) Turn {
	return Turn{Err: err}
}

// Requests returns the requests received so far.
func (c *Client) Requests() []*model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Request(nil), c.requests...)
}

// Calls returns the number of Stream calls.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return model.Drain(s)
}

func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return nil, errors.New("modeltest: no scripted turns")
	}
	t := c.turns[c.next]
	if c.next < len(c.turns)-1 {
		c.next++
	}
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Err != nil {
		return nil, t.Err
	}
	chunks := t.Chunks
	if t.Respond != nil {
		chunks = t.Respond(req)
	}
	return &streamer{ctx: ctx, chunks: append([]model.Chunk(nil), chunks...), err: t.RecvErr}, nil
}

func (s *streamer) Recv() (model.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return model.Chunk{}, err
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *streamer) Close() error { return nil }

func (s *streamer) Metadata() map[string]any { return nil }
