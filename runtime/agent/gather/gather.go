// Package gather collects bounded, ranked context for a request from the
// conversation history and the knowledge corpus. Gathering is best-effort:
// store failures degrade to an empty context instead of failing the request.
package gather

import (
	"context"
	"sort"
	"time"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/keywords"
	"goa.design/verity/runtime/agent/session"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/tokens"
)

type (
	// Budget bounds the work and output of a Gather call.
	Budget struct {
		// Timeout bounds the whole call.
		Timeout time.Duration
		// HistoryLimit is the number of turns fetched from the store when
		// the request carries no history.
		HistoryLimit int
		// HistoryTokens caps the tokens of the selected thread snippets.
		HistoryTokens int
		// TopK is the number of corpus excerpts requested.
		TopK int
		// KnowledgeTokens caps the tokens of the selected excerpts.
		KnowledgeTokens int
	}

	// Gatherer builds GatheredContext values.
	Gatherer struct {
		history  session.HistoryStore
		corpus   session.Corpus
		budget   Budget
		logger   telemetry.Logger
		recorder telemetry.Recorder
	}

	// Option configures a Gatherer.
	Option func(*Gatherer)

	scoredTurn struct {
		index int
		score int
		text  string
	}
)

// DefaultBudget returns the default gather budget.
func DefaultBudget() Budget {
	return Budget{
		Timeout:         2 * time.Second,
		HistoryLimit:    50,
		HistoryTokens:   800,
		TopK:            5,
		KnowledgeTokens: 1500,
	}
}

// WithHistory sets the history store used when requests carry no history.
func WithHistory(h session.HistoryStore) Option {
	return func(g *Gatherer) { g.history = h }
}

// WithCorpus sets the knowledge corpus.
func WithCorpus(c session.Corpus) Option {
	return func(g *Gatherer) { g.corpus = c }
}

// WithBudget overrides DefaultBudget.
func WithBudget(b Budget) Option {
	return func(g *Gatherer) { g.budget = b }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Gatherer) { g.logger = l }
}

// WithRecorder sets the span recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(g *Gatherer) { g.recorder = r }
}

// New returns a Gatherer.
func New(opts ...Option) *Gatherer {
	g := &Gatherer{
		budget:   DefaultBudget(),
		logger:   telemetry.NewNoopLogger(),
		recorder: telemetry.NoopRecorder{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Gather returns the context for req. Knowledge sources are listed before
// the thread source.
func (g *Gatherer) Gather(ctx context.Context, req agent.Request) agent.GatheredContext {
	start := time.Now()
	if g.budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.budget.Timeout)
		defer cancel()
	}
	terms := keywords.Extract(req.Text)
	var out agent.GatheredContext

	excerpts, sources, corpusErr := g.knowledge(ctx, req.Text)
	out.KnowledgeExcerpts = excerpts
	out.RelevantSources = sources

	snippets, historyErr := g.thread(ctx, req, terms)
	out.ThreadSnippets = snippets
	if len(snippets) > 0 {
		out.RelevantSources = append(out.RelevantSources, agent.Source{
			ID:    "thread:" + req.SessionID,
			Type:  agent.SourceThread,
			Title: "Conversation history",
		})
	}

	g.recorder.Record(ctx, req.TraceID, telemetry.SpanRecord{
		Name:  "gather",
		Input: telemetry.Redact("query", req.Text, "history_turns", len(req.History)),
		Output: telemetry.Redact(
			"snippets", len(out.ThreadSnippets),
			"excerpts", len(out.KnowledgeExcerpts),
			"sources", len(out.RelevantSources),
		),
		Metadata: telemetry.Redact("corpus_error", corpusErr != nil, "history_error", historyErr != nil),
		Duration: time.Since(start),
	})
	return out
}

// knowledge queries the corpus and keeps excerpts within the token budget.
func (g *Gatherer) knowledge(ctx context.Context, query string) ([]agent.KnowledgeExcerpt, []agent.Source, error) {
	if g.corpus == nil || g.budget.TopK <= 0 {
		return nil, nil, nil
	}
	hits, err := g.corpus.SearchCorpus(ctx, query, g.budget.TopK)
	if err != nil {
		g.logger.Warn(ctx, "corpus search failed, continuing without knowledge", "err", err)
		return nil, nil, err
	}
	var (
		excerpts []agent.KnowledgeExcerpt
		sources  []agent.Source
		seen     = make(map[string]struct{})
		used     int
	)
	for _, h := range hits {
		n := tokens.Count(h.Excerpt)
		if used+n > g.budget.KnowledgeTokens {
			continue
		}
		used += n
		excerpts = append(excerpts, h.KnowledgeExcerpt)
		id := h.DocID
		if id == "" {
			id = h.Reference
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sources = append(sources, agent.Source{
			ID:      id,
			Type:    agent.SourceFile,
			Title:   h.Title,
			URL:     h.URL,
			Excerpt: h.Excerpt,
		})
	}
	return excerpts, sources, nil
}

// thread selects the history turns with the highest keyword overlap that
// fit in the token budget, returned in conversation order.
func (g *Gatherer) thread(ctx context.Context, req agent.Request, terms []string) ([]string, error) {
	history := req.History
	if len(history) == 0 && g.history != nil && req.SessionID != "" {
		h, err := g.history.FetchHistory(ctx, req.SessionID, g.budget.HistoryLimit)
		if err != nil {
			g.logger.Warn(ctx, "history fetch failed, continuing without history", "err", err)
			return nil, err
		}
		history = h
	}
	if len(terms) == 0 || len(history) == 0 {
		return nil, nil
	}
	scored := make([]scoredTurn, 0, len(history))
	for i, t := range history {
		if s := keywords.Overlap(terms, keywords.Set(t.Text)); s > 0 {
			scored = append(scored, scoredTurn{index: i, score: s, text: string(t.Role) + ": " + t.Text})
		}
	}
	// Highest score first; recent turns win ties.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index > scored[j].index
	})
	var (
		kept []scoredTurn
		used int
	)
	for _, s := range scored {
		n := tokens.Count(s.text)
		if used+n > g.budget.HistoryTokens {
			continue
		}
		used += n
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })
	out := make([]string, len(kept))
	for i, s := range kept {
		out[i] = s.text
	}
	return out, nil
}
