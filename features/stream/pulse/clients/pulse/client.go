// Package pulse is the thin layer over goa.design/pulse streams used by the
// session event sink and the gateway subscriber. Stream handles are cached
// per name so publishing to a session stream does not re-create it on every
// event.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures New.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// MaxLen caps entries kept per stream. Zero keeps the Pulse default.
		MaxLen int
		// AddTimeout bounds each publish. Zero disables the bound.
		AddTimeout time.Duration
	}

	// Client opens named streams.
	Client interface {
		// Stream returns the handle of the named stream. Handles opened
		// without options are shared.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close drops cached handles. The Redis client stays open.
		Close(ctx context.Context) error
	}

	// Stream publishes events and opens consumer groups.
	Stream interface {
		// Add publishes payload as event and returns the Redis entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins the consumer group name.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group member.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		rdb        *redis.Client
		maxLen     int
		addTimeout time.Duration

		mu      sync.Mutex
		handles map[string]*handle
	}

	handle struct {
		stream     *streaming.Stream
		addTimeout time.Duration
	}

	// groupMember narrows *streaming.Sink to Sink.
	groupMember struct {
		*streaming.Sink
	}
)

// New returns a Client on opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		rdb:        opts.Redis,
		maxLen:     opts.MaxLen,
		addTimeout: opts.AddTimeout,
		handles:    make(map[string]*handle),
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	shared := len(opts) == 0
	if shared {
		c.mu.Lock()
		h, ok := c.handles[name]
		c.mu.Unlock()
		if ok {
			return h, nil
		}
	}
	if c.maxLen > 0 {
		opts = append([]streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}, opts...)
	}
	s, err := streaming.NewStream(name, c.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	h := &handle{stream: s, addTimeout: c.addTimeout}
	if shared {
		c.mu.Lock()
		if prev, ok := c.handles[name]; ok {
			h = prev
		} else {
			c.handles[name] = h
		}
		c.mu.Unlock()
	}
	return h, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	clear(c.handles)
	c.mu.Unlock()
	return nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.addTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.addTimeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add %s: %w", event, err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %q: %w", name, err)
	}
	return groupMember{Sink: s}, nil
}
