package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/verity/features/stream/pulse/clients/pulse"
	"goa.design/verity/runtime/agent/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	stream string
	event  string
	body   []byte
}

type fakeClient struct {
	mu      sync.Mutex
	entries []published
	addErr  error
	sink    *fakeSink
	closed  bool
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return &fakeStream{client: c, name: name}, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeStream struct {
	client *fakeClient
	name   string
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return "", c.addErr
	}
	c.entries = append(c.entries, published{stream: s.name, event: event, body: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.client.sink, nil
}

type fakeSink struct {
	ch     chan *streaming.Event
	mu     sync.Mutex
	acked  []string
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestSinkPublishesEnvelope(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ev := stream.NewBase(stream.EventChunk, "msg-1", "C1:171.2", stream.ChunkPayload{Seq: 1, Text: "Refunds take "})
	require.NoError(t, sink.Send(context.Background(), ev))

	require.Len(t, cli.entries, 1)
	got := cli.entries[0]
	require.Equal(t, "session/C1:171.2", got.stream)
	require.Equal(t, "chunk", got.event)
	var env envelope
	require.NoError(t, json.Unmarshal(got.body, &env))
	require.Equal(t, "msg-1", env.StreamID)
	require.Equal(t, "C1:171.2", env.SessionID)
	require.JSONEq(t, `{"seq":1,"text":"Refunds take "}`, string(env.Payload))
	require.True(t, env.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestSinkRequiresSession(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.NewBase(stream.EventStatus, "", "", stream.StatusPayload{}))
	require.Error(t, err)
}

func TestSinkPropagatesAddErrors(t *testing.T) {
	cli := &fakeClient{addErr: errors.New("redis down")}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.NewBase(stream.EventReaction, "", "s", stream.ReactionPayload{Reaction: "warning"}))
	require.ErrorContains(t, err, "redis down")
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestSinkTransportRoundTrip(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	tr := stream.NewSinkTransport(sink)

	target := stream.Target{SessionID: "s1", UserID: "U1"}
	require.NoError(t, stream.Replay(context.Background(), tr, target, "Refunds take 14 days.", 8))

	var text string
	var types []stream.EventType
	for _, e := range cli.entries {
		ev, err := DecodeEvent(e.body)
		require.NoError(t, err)
		types = append(types, ev.Type())
		if ev.Type() == stream.EventChunk {
			var p stream.ChunkPayload
			require.NoError(t, json.Unmarshal(ev.Payload().(json.RawMessage), &p))
			text += p.Text
		}
	}
	require.Equal(t, stream.EventStreamStarted, types[0])
	require.Equal(t, stream.EventStreamStopped, types[len(types)-1])
	require.Equal(t, "Refunds take 14 days.", text)
}

func TestFollowerHandlesAndAcks(t *testing.T) {
	body, err := json.Marshal(envelope{Type: "status", SessionID: "s1", Payload: json.RawMessage(`{"status":"Searching"}`)})
	require.NoError(t, err)
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	cli := &fakeClient{sink: fs}
	f, err := NewFollower(cli)
	require.NoError(t, err)
	fs.ch <- &streaming.Event{ID: "1-0", EventName: "status", Payload: body}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []stream.Event
	err = f.Follow(ctx, "s1", func(_ context.Context, ev stream.Event) error {
		got = append(got, ev)
		close(fs.ch)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stream.EventStatus, got[0].Type())
	require.Equal(t, "s1", got[0].SessionID())
	require.JSONEq(t, `{"status":"Searching"}`, string(got[0].Payload().(json.RawMessage)))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.True(t, fs.closed)
	require.Equal(t, []string{"1-0"}, fs.acked)
}

func TestFollowerStopsOnCancel(t *testing.T) {
	fs := &fakeSink{ch: make(chan *streaming.Event)}
	f, err := NewFollower(&fakeClient{sink: fs}, WithGroup("gateway"))
	require.NoError(t, err)
	require.Equal(t, "gateway", f.group)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.Follow(ctx, "s1", func(context.Context, stream.Event) error { return nil }))
	require.True(t, fs.closed)
}

func TestFollowerReportsDecodeErrors(t *testing.T) {
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	f, err := NewFollower(&fakeClient{sink: fs})
	require.NoError(t, err)
	fs.ch <- &streaming.Event{ID: "1-0", EventName: "chunk", Payload: []byte("{")}

	err = f.Follow(context.Background(), "s1", func(context.Context, stream.Event) error { return nil })

	require.ErrorContains(t, err, "decode")
	require.Empty(t, fs.acked)
}

func TestFollowerHandlerErrorSkipsAck(t *testing.T) {
	body, err := json.Marshal(envelope{Type: "chunk", SessionID: "s1"})
	require.NoError(t, err)
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	f, err := NewFollower(&fakeClient{sink: fs})
	require.NoError(t, err)
	fs.ch <- &streaming.Event{ID: "1-0", Payload: body}

	err = f.Follow(context.Background(), "s1", func(context.Context, stream.Event) error { return errors.New("closed pipe") })

	require.ErrorContains(t, err, "closed pipe")
	require.Empty(t, fs.acked)
}

func TestFollowerRequiresSession(t *testing.T) {
	f, err := NewFollower(&fakeClient{})
	require.NoError(t, err)
	require.Error(t, f.Follow(context.Background(), "", nil))
	_, err = NewFollower(nil)
	require.Error(t, err)
}

func TestDecodeEventRequiresType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"session_id":"s"}`))
	require.Error(t, err)
}
