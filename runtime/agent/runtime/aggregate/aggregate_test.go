package aggregate

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/tokens"
)

// wordCount treats each whitespace separated word as one token.
func wordCount(s string) int { return len(strings.Fields(s)) }

func wordPrefix(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

func TestMergeDedupsSources(t *testing.T) {
	results := []agent.SubagentResult{
		{TaskID: "a", Success: true, Content: "A found it.", Sources: []agent.Source{{ID: "doc1"}, {URL: "https://x"}}},
		{TaskID: "b", Success: true, Content: "B found it.", Sources: []agent.Source{{ID: "doc1"}, {ID: "doc2"}}},
	}

	out := Merge(results, "q")

	require.Len(t, out.Sources, 3)
	require.Equal(t, 1, out.Metadata.SourcesDeduped)
	require.Equal(t, 2, out.Metadata.Succeeded)
	require.Contains(t, out.Synthesis, "Findings for a:\nA found it.")
	require.Contains(t, out.Synthesis, "Findings for b:\nB found it.")
}

func TestMergePartialFailure(t *testing.T) {
	results := []agent.SubagentResult{
		{TaskID: "a", Success: true, Content: "Answer A."},
		{TaskID: "b", Success: false, Error: "timeout"},
		{TaskID: "c", Success: true, Content: "Answer C."},
	}

	out := Merge(results, "q")

	require.Equal(t, []agent.TaskFailure{{TaskID: "b", Error: "timeout"}}, out.Failures)
	require.Equal(t, agent.AggregateCounts{Total: 3, Succeeded: 2, Failed: 1}, out.Metadata)
	require.Contains(t, out.Synthesis, "Answer A.")
	require.Contains(t, out.Synthesis, "Answer C.")
	require.Contains(t, out.Synthesis, "- b: timeout")
}

func TestMergeAllFailed(t *testing.T) {
	out := Merge([]agent.SubagentResult{{TaskID: "a", Error: "boom"}}, "shipping times")

	require.True(t, strings.HasPrefix(out.Synthesis, `No information was retrieved for "shipping times".`))
	require.Len(t, out.Failures, 1)
}

func TestMergeTruncatesAtSentenceBoundary(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "Sentence number %d is here. ", i)
	}
	out := Merge(
		[]agent.SubagentResult{{TaskID: "a", Success: true, Content: b.String()}},
		"q",
		WithMaxTokens(22),
		WithCounter(wordCount, wordPrefix),
	)

	require.Equal(t, 1, out.Metadata.Truncated)
	require.Contains(t, out.Synthesis, "Sentence number 3 is here. [truncated]")
	require.NotContains(t, out.Synthesis, "number 4")
}

func TestTruncateWithoutBoundary(t *testing.T) {
	text := strings.Repeat("word ", 10)
	got, ok := Truncate(text, 4, DefaultMarker, wordCount, wordPrefix)
	require.True(t, ok)
	require.Equal(t, "word word word [truncated]", got)
}

func TestTruncateKeepsShortText(t *testing.T) {
	got, ok := Truncate("short.", 10, DefaultMarker, wordCount, wordPrefix)
	require.False(t, ok)
	require.Equal(t, "short.", got)
}

func TestTruncateRealTokensFitCeiling(t *testing.T) {
	var b strings.Builder
	for i := 0; b.Len() < 40000; i++ {
		fmt.Fprintf(&b, "Clause %d of the refund policy covers returned item number %d. ", i, i*7)
	}
	text := b.String()
	require.Greater(t, tokens.Count(text), 5000)

	got, ok := Truncate(text, DefaultMaxTokens, DefaultMarker, tokens.Count, tokens.Prefix)

	require.True(t, ok)
	require.LessOrEqual(t, tokens.Count(got), DefaultMaxTokens)
	require.True(t, strings.HasSuffix(got, ". "+DefaultMarker))
	require.True(t, strings.HasPrefix(text, strings.TrimSuffix(got, " "+DefaultMarker)))
}

// TestMergeDedupProperty verifies every source key appears exactly once in
// the merged sources.
func TestMergeDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merged source keys are unique and complete", prop.ForAll(
		func(ids [][]int) bool {
			var results []agent.SubagentResult
			want := map[string]struct{}{}
			for i, group := range ids {
				r := agent.SubagentResult{TaskID: fmt.Sprint(i), Success: true, Content: "ok."}
				for _, id := range group {
					key := fmt.Sprintf("doc%d", id)
					want[key] = struct{}{}
					r.Sources = append(r.Sources, agent.Source{ID: key})
				}
				results = append(results, r)
			}
			out := Merge(results, "q")
			got := map[string]struct{}{}
			for _, s := range out.Sources {
				if _, dup := got[s.Key()]; dup {
					return false
				}
				got[s.Key()] = struct{}{}
			}
			return len(got) == len(want)
		},
		gen.SliceOf(gen.SliceOf(gen.IntRange(0, 9))),
	))

	properties.TestingRun(t)
}

// TestTruncateProperty verifies truncated content, marker included, fits the
// budget and is a prefix of the input.
func TestTruncateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("truncation bounds tokens and keeps a prefix", prop.ForAll(
		func(words []string, limit int) bool {
			text := strings.Join(words, " ")
			got, truncated := Truncate(text, limit, DefaultMarker, wordCount, wordPrefix)
			if !truncated {
				return got == text && wordCount(text) <= limit
			}
			body := strings.TrimSuffix(strings.TrimSuffix(got, DefaultMarker), " ")
			return wordCount(got) <= limit && strings.HasPrefix(text, body) && strings.HasSuffix(got, DefaultMarker)
		},
		gen.SliceOf(gen.OneConstOf("alpha", "beta.", "gamma!", "delta?", "eps")),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
