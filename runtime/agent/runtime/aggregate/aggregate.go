// Package aggregate merges subagent results into a single synthesis that
// fits the parent's context budget.
package aggregate

import (
	"fmt"
	"strings"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/tokens"
)

const (
	// DefaultMaxTokens bounds the content kept per result.
	DefaultMaxTokens = 2000
	// DefaultMarker is appended to truncated content.
	DefaultMarker = "[truncated]"
)

type (
	// Option customizes Merge.
	Option func(*opts)

	opts struct {
		maxTokens int
		marker    string
		count     func(string) int
		prefix    func(string, int) string
	}
)

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) Option { return func(o *opts) { o.maxTokens = n } }

// WithMarker overrides DefaultMarker.
func WithMarker(m string) Option { return func(o *opts) { o.marker = m } }

// WithCounter replaces the token counter and prefix function. Tests use it
// to get exact, encoding independent budgets.
func WithCounter(count func(string) int, prefix func(string, int) string) Option {
	return func(o *opts) {
		o.count = count
		o.prefix = prefix
	}
}

// Merge combines results in order. Sources are deduplicated by ID (or URL),
// content over the token budget is cut at the last sentence boundary and
// marked, and failed tasks are listed in Failures and in the synthesis.
func Merge(results []agent.SubagentResult, query string, options ...Option) agent.AggregatedResult {
	o := opts{
		maxTokens: DefaultMaxTokens,
		marker:    DefaultMarker,
		count:     tokens.Count,
		prefix:    tokens.Prefix,
	}
	for _, opt := range options {
		opt(&o)
	}

	out := agent.AggregatedResult{Metadata: agent.AggregateCounts{Total: len(results)}}
	seen := make(map[string]struct{})
	var sections []string
	for _, r := range results {
		if !r.Success {
			msg := r.Error
			if msg == "" {
				msg = "unknown error"
			}
			out.Failures = append(out.Failures, agent.TaskFailure{TaskID: r.TaskID, Error: msg})
			out.Metadata.Failed++
			continue
		}
		out.Metadata.Succeeded++
		content, truncated := Truncate(strings.TrimSpace(r.Content), o.maxTokens, o.marker, o.count, o.prefix)
		if truncated {
			out.Metadata.Truncated++
		}
		if content != "" {
			sections = append(sections, fmt.Sprintf("Findings for %s:\n%s", r.TaskID, content))
		}
		for _, s := range r.Sources {
			k := s.Key()
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				out.Metadata.SourcesDeduped++
				continue
			}
			seen[k] = struct{}{}
			out.Sources = append(out.Sources, s)
		}
	}

	var b strings.Builder
	if out.Metadata.Succeeded == 0 || len(sections) == 0 {
		fmt.Fprintf(&b, "No information was retrieved for %q.", strings.TrimSpace(query))
	} else {
		b.WriteString(strings.Join(sections, "\n\n"))
	}
	if len(out.Failures) > 0 {
		b.WriteString("\n\nUnavailable:")
		for _, f := range out.Failures {
			fmt.Fprintf(&b, "\n- %s: %s", f.TaskID, f.Error)
		}
	}
	out.Synthesis = b.String()
	return out
}

// Truncate returns text unchanged when it fits in maxTokens. Otherwise it
// keeps the longest prefix ending at a sentence boundary (or the raw token
// prefix when none exists) and appends marker. The marker counts against
// maxTokens.
func Truncate(text string, maxTokens int, marker string, count func(string) int, prefix func(string, int) string) (string, bool) {
	if maxTokens <= 0 || count(text) <= maxTokens {
		return text, false
	}
	for budget := maxTokens - count(" "+marker); budget > 0; budget-- {
		cut := prefix(text, budget)
		if i := lastSentenceEnd(cut); i > 0 {
			cut = cut[:i]
		}
		cut = strings.TrimRight(cut, " \t\n")
		if cut == "" {
			break
		}
		if out := cut + " " + marker; count(out) <= maxTokens {
			return out, true
		}
	}
	return marker, true
}

// lastSentenceEnd returns the byte offset just past the last sentence
// terminator in s, or 0.
func lastSentenceEnd(s string) int {
	end := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\n' {
				end = i + 1
			}
		case '\n':
			if i > 0 && s[i-1] == '\n' {
				end = i
			}
		}
	}
	return end
}
