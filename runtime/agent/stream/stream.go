// Package stream defines the outward chat transport used to deliver verified
// answers and the event model used by message-bus backed transports.
//
// The engine only calls Stream.AppendChunk after an answer passed
// verification. Replay re-chunks a complete buffered answer so clients still
// see incremental delivery.
package stream

import (
	"context"
	"strings"
	"unicode/utf8"
)

type (
	// Target addresses a conversation on the chat platform.
	Target struct {
		SessionID string
		UserID    string
		TraceID   string
	}

	// Transport delivers messages to a chat platform.
	Transport interface {
		// StartStream opens an outward message stream for target.
		StartStream(ctx context.Context, target Target) (Stream, error)
		// SetStatus shows an ephemeral status line ("Searching...") for
		// target. An empty status clears it.
		SetStatus(ctx context.Context, target Target, status string) error
		// React attaches a reaction (emoji name) to the request message.
		React(ctx context.Context, target Target, reaction string) error
	}

	// Stream is an open outward message.
	Stream interface {
		AppendChunk(ctx context.Context, text string) error
		Stop(ctx context.Context) error
	}

	// Sink delivers events to a message bus (for example Pulse). Sinks must
	// be safe for concurrent use.
	Sink interface {
		Send(ctx context.Context, event Event) error
		Close(ctx context.Context) error
	}

	// Event is a transport event delivered through a Sink.
	Event interface {
		Type() EventType
		// StreamID identifies the outward message the event belongs to. It
		// is empty for status and reaction events.
		StreamID() string
		SessionID() string
		Payload() any
	}

	// EventType enumerates transport events.
	EventType string

	// Base implements Event.
	Base struct {
		t EventType
		m string
		s string
		p any
	}

	// ChunkPayload is the payload of EventChunk.
	ChunkPayload struct {
		Seq  int    `json:"seq"`
		Text string `json:"text"`
	}

	// StatusPayload is the payload of EventStatus.
	StatusPayload struct {
		Status string `json:"status"`
	}

	// ReactionPayload is the payload of EventReaction.
	ReactionPayload struct {
		Reaction string `json:"reaction"`
	}

	// StartPayload is the payload of EventStreamStarted.
	StartPayload struct {
		UserID  string `json:"user_id,omitempty"`
		TraceID string `json:"trace_id,omitempty"`
	}
)

const (
	EventStreamStarted EventType = "stream_started"
	EventChunk         EventType = "chunk"
	EventStreamStopped EventType = "stream_stopped"
	EventStatus        EventType = "status"
	EventReaction      EventType = "reaction"
)

// DefaultChunkRunes is the target chunk size used by Replay.
const DefaultChunkRunes = 120

// NewBase constructs a Base event.
func NewBase(t EventType, streamID, sessionID string, payload any) Base {
	return Base{t: t, m: streamID, s: sessionID, p: payload}
}

func (e Base) Type() EventType   { return e.t }
func (e Base) StreamID() string  { return e.m }
func (e Base) SessionID() string { return e.s }
func (e Base) Payload() any      { return e.p }

// Replay delivers text to target as one outward message split into chunks
// of about chunkRunes runes, breaking after whitespace when possible.
func Replay(ctx context.Context, t Transport, target Target, text string, chunkRunes int) error {
	s, err := t.StartStream(ctx, target)
	if err != nil {
		return err
	}
	for _, c := range Chunks(text, chunkRunes) {
		if err := s.AppendChunk(ctx, c); err != nil {
			_ = s.Stop(ctx)
			return err
		}
	}
	return s.Stop(ctx)
}

// Chunks splits text into pieces of at most n runes whose concatenation is
// text. Pieces end after whitespace when one is available.
func Chunks(text string, n int) []string {
	if n <= 0 {
		n = DefaultChunkRunes
	}
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= n {
			out = append(out, text)
			break
		}
		cut := byteOffset(text, n)
		if i := strings.LastIndexAny(text[:cut], " \n\t"); i > 0 {
			cut = i + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// byteOffset returns the byte offset of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
