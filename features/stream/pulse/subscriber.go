package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/verity/features/stream/pulse/clients/pulse"
	"goa.design/verity/runtime/agent/stream"
)

// DefaultFollowGroup is the consumer group used by Follower.
const DefaultFollowGroup = "verity_follow"

type (
	// Follower reads the transport events of a session back from Pulse, as
	// a chat gateway or `verity -follow` does.
	Follower struct {
		client clientspulse.Client
		group  string
	}

	// FollowOption configures a Follower.
	FollowOption func(*Follower)

	// EventHandler receives decoded events in stream order. Returning an
	// error stops Follow before the event is acknowledged.
	EventHandler func(ctx context.Context, ev stream.Event) error

	// received implements stream.Event over a decoded envelope. Payload
	// returns the raw JSON payload.
	received struct{ env envelope }
)

func (r received) Type() stream.EventType { return stream.EventType(r.env.Type) }
func (r received) StreamID() string       { return r.env.StreamID }
func (r received) SessionID() string      { return r.env.SessionID }
func (r received) Payload() any           { return r.env.Payload }

// WithGroup sets the consumer group. Followers sharing a group split the
// events between them.
func WithGroup(name string) FollowOption {
	return func(f *Follower) {
		if name != "" {
			f.group = name
		}
	}
}

// NewFollower returns a Follower consuming through client.
func NewFollower(client clientspulse.Client, opts ...FollowOption) (*Follower, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	f := &Follower{client: client, group: DefaultFollowGroup}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Follow joins the stream of sessionID and hands each event to handle until
// ctx is done, the stream closes or a payload cannot be decoded. Events are
// acknowledged once handle returns.
func (f *Follower) Follow(ctx context.Context, sessionID string, handle EventHandler, opts ...streamopts.Sink) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	s, err := f.client.Stream(SessionStreamName(sessionID))
	if err != nil {
		return err
	}
	sink, err := s.NewSink(ctx, f.group, opts...)
	if err != nil {
		return err
	}
	defer sink.Close(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent(evt.Payload)
			if err != nil {
				return fmt.Errorf("pulse decode event %s: %w", evt.ID, err)
			}
			if err := handle(ctx, ev); err != nil {
				return err
			}
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				return fmt.Errorf("pulse ack %s: %w", evt.ID, err)
			}
		}
	}
}

// DecodeEvent parses an envelope published by Sink.
func DecodeEvent(body []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("envelope missing type")
	}
	return received{env: env}, nil
}
