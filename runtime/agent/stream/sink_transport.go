package stream

import (
	"context"

	"github.com/google/uuid"
)

type (
	// SinkTransport adapts a Sink to Transport by publishing one event per
	// transport call. Each outward message gets a fresh stream ID.
	SinkTransport struct {
		sink Sink
	}

	sinkStream struct {
		sink   Sink
		id     string
		target Target
		seq    int
	}
)

var _ Transport = (*SinkTransport)(nil)

// NewSinkTransport returns a Transport that publishes to sink.
func NewSinkTransport(sink Sink) *SinkTransport {
	return &SinkTransport{sink: sink}
}

// StartStream publishes EventStreamStarted and returns the stream.
func (t *SinkTransport) StartStream(ctx context.Context, target Target) (Stream, error) {
	id := uuid.NewString()
	ev := NewBase(EventStreamStarted, id, target.SessionID, StartPayload{UserID: target.UserID, TraceID: target.TraceID})
	if err := t.sink.Send(ctx, ev); err != nil {
		return nil, err
	}
	return &sinkStream{sink: t.sink, id: id, target: target}, nil
}

// SetStatus publishes EventStatus.
func (t *SinkTransport) SetStatus(ctx context.Context, target Target, status string) error {
	return t.sink.Send(ctx, NewBase(EventStatus, "", target.SessionID, StatusPayload{Status: status}))
}

// React publishes EventReaction.
func (t *SinkTransport) React(ctx context.Context, target Target, reaction string) error {
	return t.sink.Send(ctx, NewBase(EventReaction, "", target.SessionID, ReactionPayload{Reaction: reaction}))
}

func (s *sinkStream) AppendChunk(ctx context.Context, text string) error {
	s.seq++
	return s.sink.Send(ctx, NewBase(EventChunk, s.id, s.target.SessionID, ChunkPayload{Seq: s.seq, Text: text}))
}

func (s *sinkStream) Stop(ctx context.Context) error {
	return s.sink.Send(ctx, NewBase(EventStreamStopped, s.id, s.target.SessionID, nil))
}
