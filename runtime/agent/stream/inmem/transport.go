// Package inmem provides an in-memory stream.Transport that records every
// call. It backs the CLI and tests.
package inmem

import (
	"context"
	"strings"
	"sync"

	"goa.design/verity/runtime/agent/stream"
)

type (
	// Transport records messages, statuses and reactions per session.
	Transport struct {
		mu        sync.Mutex
		messages  []*Message
		statuses  map[string][]string
		reactions map[string][]string
		onChunk   func(text string)
	}

	// Message is one recorded outward message.
	Message struct {
		Target  stream.Target
		Chunks  []string
		Stopped bool
	}

	// Option configures the Transport.
	Option func(*Transport)

	recStream struct {
		t   *Transport
		msg *Message
	}
)

var _ stream.Transport = (*Transport)(nil)

// WithChunkHook registers fn to be called for every appended chunk, for
// example to print to a terminal.
func WithChunkHook(fn func(text string)) Option {
	return func(t *Transport) { t.onChunk = fn }
}

// New returns an empty recording transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		statuses:  make(map[string][]string),
		reactions: make(map[string][]string),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) StartStream(_ context.Context, target stream.Target) (stream.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &Message{Target: target}
	t.messages = append(t.messages, m)
	return &recStream{t: t, msg: m}, nil
}

func (t *Transport) SetStatus(_ context.Context, target stream.Target, status string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[target.SessionID] = append(t.statuses[target.SessionID], status)
	return nil
}

func (t *Transport) React(_ context.Context, target stream.Target, reaction string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reactions[target.SessionID] = append(t.reactions[target.SessionID], reaction)
	return nil
}

// Messages returns the full text of every message sent to sessionID.
func (t *Transport) Messages(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.messages {
		if m.Target.SessionID == sessionID {
			out = append(out, strings.Join(m.Chunks, ""))
		}
	}
	return out
}

// Chunks returns the chunks of the n-th message sent overall.
func (t *Transport) Chunks(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.messages) {
		return nil
	}
	return append([]string(nil), t.messages[n].Chunks...)
}

// MessageCount returns the number of outward messages started.
func (t *Transport) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Statuses returns the statuses set for sessionID in order.
func (t *Transport) Statuses(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.statuses[sessionID]...)
}

// Reactions returns the reactions added for sessionID in order.
func (t *Transport) Reactions(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.reactions[sessionID]...)
}

func (s *recStream) AppendChunk(_ context.Context, text string) error {
	s.t.mu.Lock()
	s.msg.Chunks = append(s.msg.Chunks, text)
	hook := s.t.onChunk
	s.t.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (s *recStream) Stop(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.msg.Stopped = true
	return nil
}
