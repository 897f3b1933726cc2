package keywords

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	require.Equal(t, []string{"refund", "policy"}, Extract("What's our refund policy?"))
	require.Equal(t, []string{"refund", "policy"}, Extract("Refund policies, refund POLICY."))
	require.Equal(t, []string{"asdkjf"}, Extract("asdkjf"))
	require.Empty(t, Extract("  ?! a I "))
}

func TestOverlapAndScore(t *testing.T) {
	terms := Extract("refund policy window")
	require.Equal(t, 2, Overlap(terms, Set("Our refund policy lasts 30 days.")))
	require.InDelta(t, 2.0/3.0, Score(terms, "Our refund policy lasts 30 days."), 1e-9)
	require.Zero(t, Score(nil, "anything"))
}
