package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent/stream"
)

func TestPrintEventsRendersAnswer(t *testing.T) {
	var out, status strings.Builder
	handle := printEvents(&out, &status)
	events := []stream.Event{
		stream.NewBase(stream.EventStatus, "", "s1", json.RawMessage(`{"status":"Searching the knowledge base"}`)),
		stream.NewBase(stream.EventStreamStarted, "m1", "s1", json.RawMessage(`{"user_id":"U1"}`)),
		stream.NewBase(stream.EventChunk, "m1", "s1", json.RawMessage(`{"seq":1,"text":"Refunds take "}`)),
		stream.NewBase(stream.EventChunk, "m1", "s1", json.RawMessage(`{"seq":2,"text":"30 days."}`)),
		stream.NewBase(stream.EventStreamStopped, "m1", "s1", nil),
		stream.NewBase(stream.EventReaction, "", "s1", json.RawMessage(`{"reaction":"white_check_mark"}`)),
	}
	for _, ev := range events {
		require.NoError(t, handle(context.Background(), ev))
	}

	require.Equal(t, "Refunds take 30 days.\n", out.String())
	require.Equal(t, "... Searching the knowledge base\n[white_check_mark]\n", status.String())
}

func TestPrintEventsRejectsBadChunk(t *testing.T) {
	var out strings.Builder
	err := printEvents(&out, &out)(context.Background(), stream.NewBase(stream.EventChunk, "m1", "s1", json.RawMessage(`{`)))
	require.ErrorContains(t, err, "decode chunk")
}

func TestFollowRequiresRedis(t *testing.T) {
	var out strings.Builder
	err := follow(context.Background(), config{}, "s1", &out, &out)
	require.ErrorContains(t, err, "REDIS_URL")
}
