package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/session"
)

func TestFetchHistoryReturnsMostRecentTurns(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendTurns(ctx, "s1",
		agent.Turn{Role: agent.RoleUser, Text: "one"},
		agent.Turn{Role: agent.RoleAssistant, Text: "two"},
		agent.Turn{Role: agent.RoleUser, Text: "three"},
	))

	turns, err := s.FetchHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Equal(t, []agent.Turn{
		{Role: agent.RoleAssistant, Text: "two"},
		{Role: agent.RoleUser, Text: "three"},
	}, turns)

	turns[0].Text = "mutated"
	again, err := s.FetchHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, again, 3)
	require.Equal(t, "two", again[1].Text)
}

func TestFetchHistoryUnknownSession(t *testing.T) {
	turns, err := New().FetchHistory(context.Background(), "missing", 10)
	require.NoError(t, err)
	require.Empty(t, turns)

	_, err = New().FetchHistory(context.Background(), "", 10)
	require.ErrorIs(t, err, session.ErrSessionRequired)
}
