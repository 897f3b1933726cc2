// Package builtin provides the tools shipped with verity: corpus search, web
// fetch and subagent fan-out research. Each constructor returns a tools.Spec
// ready to be registered.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/retry"
	"goa.design/verity/runtime/agent/runtime/aggregate"
	"goa.design/verity/runtime/agent/session"
	"goa.design/verity/runtime/agent/subagent"
	"goa.design/verity/runtime/agent/toolerrors"
	"goa.design/verity/runtime/agent/tools"
)

const (
	// KnowledgeSearch is the corpus search tool.
	KnowledgeSearch tools.Ident = "knowledge.search"
	// WebFetch is the HTTP fetch tool.
	WebFetch tools.Ident = "web.fetch"
	// ResearchFanOut is the parallel subagent research tool.
	ResearchFanOut tools.Ident = "research.fan_out"

	defaultSearchLimit = 5
	maxSearchLimit     = 10
	maxSubquestions    = 6

	// fanOutMargin covers merging and scheduling on top of the subagent budget.
	fanOutMargin = 5 * time.Second
)

var searchSchema = []byte(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "limit": {"type": "integer", "minimum": 1, "maximum": 10}
  },
  "required": ["query"],
  "additionalProperties": false
}`)

var fanOutSchema = []byte(`{
  "type": "object",
  "properties": {
    "question": {"type": "string", "minLength": 1},
    "subquestions": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1,
      "maxItems": 6
    },
    "constraints": {"type": "array", "items": {"type": "string"}},
    "context": {"type": "string"}
  },
  "required": ["question", "subquestions"],
  "additionalProperties": false
}`)

type (
	searchArgs struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}

	// SearchHit is one knowledge.search result.
	SearchHit struct {
		Reference string  `json:"reference"`
		Excerpt   string  `json:"excerpt"`
		URL       string  `json:"url,omitempty"`
		DocID     string  `json:"doc_id"`
		Score     float64 `json:"score"`
	}

	fanOutArgs struct {
		Question     string   `json:"question"`
		Subquestions []string `json:"subquestions"`
		Constraints  []string `json:"constraints"`
		Context      string   `json:"context"`
	}

	// FanOutResult is the payload returned by research.fan_out.
	FanOutResult struct {
		Synthesis string   `json:"synthesis"`
		Sources   []string `json:"sources,omitempty"`
		Succeeded int      `json:"succeeded"`
		Failed    int      `json:"failed"`
	}
)

// Search returns the knowledge.search spec backed by corpus.
func Search(corpus session.Corpus) tools.Spec {
	return tools.Spec{
		Name:        KnowledgeSearch,
		Description: "Search the internal knowledge base. Returns ranked excerpts with their document reference.",
		InputSchema: searchSchema,
		Idempotent:  true,
		Hint:        `Searching the knowledge base for "{{.query}}"…`,
		Handler: tools.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, invalidArgs(err)
			}
			limit := args.Limit
			if limit <= 0 {
				limit = defaultSearchLimit
			}
			limit = min(limit, maxSearchLimit)
			hits, err := corpus.SearchCorpus(ctx, args.Query, limit)
			if err != nil {
				return nil, fmt.Errorf("search corpus: %w", err)
			}
			out := make([]SearchHit, 0, len(hits))
			for _, h := range hits {
				out = append(out, SearchHit{
					Reference: h.Reference,
					Excerpt:   h.Excerpt,
					URL:       h.URL,
					DocID:     h.DocID,
					Score:     h.Score,
				})
			}
			return out, nil
		}),
	}
}

// FanOut returns the research.fan_out spec. Each subquestion runs as an
// isolated subagent task on orch and the answers are merged with
// aggregate.Merge. The call timeout covers every wave of subagents and the
// call is never retried.
func FanOut(orch *subagent.Orchestrator, opts ...aggregate.Option) tools.Spec {
	return tools.Spec{
		Name:        ResearchFanOut,
		Timeout:     orch.Budget(maxSubquestions) + fanOutMargin,
		MaxAttempts: 1,
		Description: "Research independent sub-questions in parallel with isolated subagents and return a merged synthesis. " +
			"Use for questions that split into separate lookups.",
		InputSchema: fanOutSchema,
		Hint:        "Researching {{len .subquestions}} sub-questions…",
		Handler: tools.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args fanOutArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, invalidArgs(err)
			}
			if len(args.Subquestions) == 0 {
				return nil, retry.Permanent(toolerrors.New(toolerrors.CodeInvalidArguments, "subquestions are required"))
			}
			if len(args.Subquestions) > maxSubquestions {
				args.Subquestions = args.Subquestions[:maxSubquestions]
			}
			tasks := make([]agent.SubagentTask, 0, len(args.Subquestions))
			for i, q := range args.Subquestions {
				tasks = append(tasks, agent.SubagentTask{
					ID:           fmt.Sprintf("q%d", i+1),
					Task:         q,
					Constraints:  args.Constraints,
					ContextSlice: args.Context,
				})
			}
			results := orch.Run(ctx, tasks)
			if err := ctx.Err(); err != nil {
				return nil, retry.Permanent(fmt.Errorf("research interrupted: %w", err))
			}
			merged := aggregate.Merge(results, args.Question, opts...)
			if merged.Metadata.Succeeded == 0 {
				return nil, retry.Permanent(errors.New(strings.TrimSpace(merged.Synthesis)))
			}
			res := FanOutResult{
				Synthesis: merged.Synthesis,
				Succeeded: merged.Metadata.Succeeded,
				Failed:    merged.Metadata.Failed,
			}
			for _, s := range merged.Sources {
				label := s.Title
				if s.URL != "" {
					label += " (" + s.URL + ")"
				}
				res.Sources = append(res.Sources, label)
			}
			return res, nil
		}),
	}
}

func invalidArgs(err error) error {
	return retry.Permanent(toolerrors.NewWithCause(toolerrors.CodeInvalidArguments, "decode arguments", err))
}
