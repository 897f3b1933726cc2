// Package session defines the read side of conversation and knowledge
// storage consumed by the engine. Implementations are best-effort: the
// gatherer treats any error as "nothing found".
package session

import (
	"context"
	"errors"

	"goa.design/verity/runtime/agent"
)

type (
	// HistoryStore serves conversation history.
	HistoryStore interface {
		// FetchHistory returns up to limit most recent turns of sessionID in
		// conversation order. Unknown sessions yield an empty slice.
		FetchHistory(ctx context.Context, sessionID string, limit int) ([]agent.Turn, error)
	}

	// HistoryWriter appends turns to a session. The engine appends the user
	// question and the delivered answer after a run completes.
	HistoryWriter interface {
		AppendTurns(ctx context.Context, sessionID string, turns ...agent.Turn) error
	}

	// Corpus searches the knowledge corpus.
	Corpus interface {
		// SearchCorpus returns up to k excerpts ranked by relevance to query,
		// best first.
		SearchCorpus(ctx context.Context, query string, k int) ([]Hit, error)
	}

	// Hit is a ranked corpus match.
	Hit struct {
		agent.KnowledgeExcerpt
		// DocID is the stable identifier of the matched document.
		DocID string
		// Title is the document title.
		Title string
		// Score is the relevance score; higher is better.
		Score float64
	}
)

// ErrSessionRequired is returned when a store operation needs a session id.
var ErrSessionRequired = errors.New("session id is required")
