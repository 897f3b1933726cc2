// Package pulse publishes chat transport events to goa.design/pulse streams
// and reads them back. Pair Sink with stream.NewSinkTransport so the engine
// delivers verified answers onto a Redis-backed stream that a chat gateway
// consumes.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/verity/features/stream/pulse/clients/pulse"
	"goa.design/verity/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client pulse.Client
		// StreamName derives the Pulse stream of an event. Defaults to
		// "session/<SessionID>".
		StreamName func(stream.Event) (string, error)
	}

	// Sink publishes transport events to Pulse streams. It is safe for
	// concurrent use.
	Sink struct {
		client     pulse.Client
		streamName func(stream.Event) (string, error)
		now        func() time.Time
	}

	// envelope is the wire form of a transport event.
	envelope struct {
		Type      string          `json:"type"`
		StreamID  string          `json:"stream_id,omitempty"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink returns a Pulse-backed stream.Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = SessionStream
	}
	return &Sink{client: opts.Client, streamName: name, now: time.Now}, nil
}

// Send publishes event as a JSON envelope named after the event type.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	name, err := s.streamName(event)
	if err != nil {
		return err
	}
	h, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		StreamID:  event.StreamID(),
		SessionID: event.SessionID(),
		Timestamp: s.now().UTC(),
	}
	if p := event.Payload(); p != nil {
		if env.Payload, err = json.Marshal(p); err != nil {
			return err
		}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = h.Add(ctx, env.Type, body)
	return err
}

// Close closes the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// SessionStream names the stream of an event after its session.
func SessionStream(event stream.Event) (string, error) {
	if event.SessionID() == "" {
		return "", errors.New("stream event missing session id")
	}
	return SessionStreamName(event.SessionID()), nil
}

// SessionStreamName is the Pulse stream carrying the events of sessionID.
func SessionStreamName(sessionID string) string {
	return "session/" + sessionID
}
