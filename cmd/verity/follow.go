package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	streampulse "goa.design/verity/features/stream/pulse"
	clientspulse "goa.design/verity/features/stream/pulse/clients/pulse"
	"goa.design/verity/runtime/agent/stream"
)

// follow prints the answers published to the Pulse stream of sessionID until
// ctx is done. Answer text goes to out, status updates and reactions to
// status.
func follow(ctx context.Context, cfg config, sessionID string, out, status io.Writer) error {
	if cfg.Redis.Addr == "" {
		return errors.New("-follow requires REDIS_URL")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer func() { _ = rdb.Close() }()
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("pulse client: %w", err)
	}
	defer func() { _ = pc.Close(context.WithoutCancel(ctx)) }()
	f, err := streampulse.NewFollower(pc)
	if err != nil {
		return err
	}
	return f.Follow(ctx, sessionID, printEvents(out, status))
}

// printEvents renders delivered answers as plain text.
func printEvents(out, status io.Writer) streampulse.EventHandler {
	return func(_ context.Context, ev stream.Event) error {
		raw, _ := ev.Payload().(json.RawMessage)
		switch ev.Type() {
		case stream.EventChunk:
			var p stream.ChunkPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode chunk: %w", err)
			}
			_, err := io.WriteString(out, p.Text)
			return err
		case stream.EventStreamStopped:
			_, err := io.WriteString(out, "\n")
			return err
		case stream.EventStatus:
			var p stream.StatusPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			if p.Status != "" {
				fmt.Fprintf(status, "... %s\n", p.Status)
			}
		case stream.EventReaction:
			var p stream.ReactionPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode reaction: %w", err)
			}
			fmt.Fprintf(status, "[%s]\n", p.Reaction)
		}
		return nil
	}
}
