// Package agent defines the per-request value types shared by the execution
// engine: requests, gathered context, candidates, verification results and
// subagent tasks. All values are owned by a single request and carry no
// persistence responsibility.
package agent

import "time"

type (
	// Request is a user request entering the engine. It is immutable for the
	// duration of an attempt; callers own it.
	Request struct {
		// Text is the user question.
		Text string
		// UserID identifies the requesting user.
		UserID string
		// SessionID identifies the conversation (thread) the request belongs to.
		SessionID string
		// History is the ordered conversation history preceding Text.
		History []Turn
		// TraceID correlates every span record emitted while serving the request.
		TraceID string
	}

	// Turn is a single entry in a conversation history.
	Turn struct {
		Role Role
		Text string
	}

	// Role identifies the author of a Turn.
	Role string
)

const (
	// RoleUser marks turns authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks turns authored by the agent.
	RoleAssistant Role = "assistant"
)

type (
	// GatheredContext is the bounded context collected for one loop attempt.
	// Its size is capped by the gatherer budget regardless of corpus size.
	GatheredContext struct {
		// ThreadSnippets are history turns selected for relevance, in
		// conversation order.
		ThreadSnippets []string
		// KnowledgeExcerpts are ranked corpus hits, best first.
		KnowledgeExcerpts []KnowledgeExcerpt
		// RelevantSources is the union of sources backing the snippets and
		// excerpts, structured knowledge first.
		RelevantSources []Source
	}

	// KnowledgeExcerpt is a ranked fragment of the knowledge corpus.
	KnowledgeExcerpt struct {
		// Reference names the document the excerpt was taken from.
		Reference string
		// Excerpt is the matching text.
		Excerpt string
		// URL optionally links to the document.
		URL string
	}

	// Source identifies a piece of evidence an answer may cite.
	Source struct {
		ID      string
		Type    SourceType
		Title   string
		URL     string
		Excerpt string
	}

	// SourceType classifies where a Source came from.
	SourceType string
)

const (
	SourceThread SourceType = "thread"
	SourceFile   SourceType = "file"
	SourceWeb    SourceType = "web"
	SourceTool   SourceType = "tool"
)

// Empty reports whether no context was gathered.
func (g GatheredContext) Empty() bool {
	return len(g.ThreadSnippets) == 0 && len(g.KnowledgeExcerpts) == 0 && len(g.RelevantSources) == 0
}

// Key returns the identity used to deduplicate sources: the ID when set,
// otherwise the URL.
func (s Source) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.URL
}

// Candidate is an unverified draft answer produced by one actor pass. It is
// never exposed to the caller before passing verification.
type Candidate struct {
	Text          string
	ToolCallsUsed int
	Sources       []Source
}

type (
	// VerificationResult is the outcome of checking a candidate.
	VerificationResult struct {
		// Passed is false when any issue has error severity.
		Passed bool
		// Issues lists every rule violation in rule order.
		Issues []Issue
		// Feedback is guidance injected into the next attempt when Passed is
		// false.
		Feedback string
	}

	// Issue is a single rule violation.
	Issue struct {
		Code     string
		Severity Severity
		Message  string
	}

	// Severity grades an Issue. Only SeverityError fails verification.
	Severity string
)

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Errors returns the issues with error severity.
func (v VerificationResult) Errors() []Issue {
	var out []Issue
	for _, is := range v.Issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

// Warnings returns the issues with warning severity.
func (v VerificationResult) Warnings() []Issue {
	var out []Issue
	for _, is := range v.Issues {
		if is.Severity == SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

type (
	// SubagentTask is an isolated unit of work. It deliberately has no
	// history field: a subagent only sees ContextSlice and Constraints.
	SubagentTask struct {
		ID           string
		Task         string
		Constraints  []string
		ContextSlice string
		// ParentTraceID is the trace id of the request that spawned the
		// task. Subagent spans are recorded under ParentTraceID/ID.
		ParentTraceID string
	}

	// SubagentResult is the outcome of a SubagentTask. Failures are values
	// with Success set to false and Error describing the cause.
	SubagentResult struct {
		TaskID   string
		Success  bool
		Content  string
		Sources  []Source
		Error    string
		Duration time.Duration
	}

	// AggregatedResult merges subagent results into a single synthesis.
	AggregatedResult struct {
		Synthesis string
		Sources   []Source
		Failures  []TaskFailure
		Metadata  AggregateCounts
	}

	// TaskFailure records a failed subagent task.
	TaskFailure struct {
		TaskID string
		Error  string
	}

	// AggregateCounts summarizes an aggregation.
	AggregateCounts struct {
		Total          int
		Succeeded      int
		Failed         int
		Truncated      int
		SourcesDeduped int
	}
)
